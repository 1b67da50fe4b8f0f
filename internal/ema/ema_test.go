package ema

import (
	"math"
	"testing"

	"clsforge/internal/optim"
)

type params []*optim.Parameter

func (p params) Parameters() []*optim.Parameter { return p }

func TestUpdateAndApply(t *testing.T) {
	w := optim.NewParameter("w", 2)
	copy(w.Data, []float64{1, 1})
	src := params{w}
	e, err := New(src, 0.9)
	if err != nil {
		t.Fatal(err)
	}
	copy(w.Data, []float64{2, 0})
	if err := e.Update(src); err != nil {
		t.Fatal(err)
	}
	shadow := e.Shadow()[0]
	if math.Abs(shadow[0]-1.1) > 1e-12 || math.Abs(shadow[1]-0.9) > 1e-12 {
		t.Fatalf("shadow=%v", shadow)
	}

	e.Apply(src)
	if math.Abs(w.Data[0]-1.1) > 1e-12 {
		t.Fatalf("apply did not swap in shadow: %v", w.Data)
	}
	e.Restore(src)
	if w.Data[0] != 2 || w.Data[1] != 0 {
		t.Fatalf("restore lost live weights: %v", w.Data)
	}
	if e.Updates() != 1 {
		t.Fatalf("updates=%d", e.Updates())
	}
}

func TestNewRejectsBadDecay(t *testing.T) {
	if _, err := New(params{optim.NewParameter("w", 1)}, 1); err == nil {
		t.Fatal("expected error")
	}
}

func TestUpdateDetectsShapeChange(t *testing.T) {
	w := optim.NewParameter("w", 2)
	e, _ := New(params{w}, 0.5)
	if err := e.Update(params{w, optim.NewParameter("b", 1)}); err == nil {
		t.Fatal("expected error")
	}
}
