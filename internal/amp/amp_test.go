package amp

import (
	"context"
	"math"
	"testing"

	"clsforge/internal/optim"
	"clsforge/internal/tensor"
)

func TestHalfRoundTrip(t *testing.T) {
	cases := map[float32]float32{
		1:         1,
		-2.5:      -2.5,
		65504:     65504,
		1e6:       float32(math.Inf(1)),
		1.0001:    1,
		5.96e-8:   5.9604645e-8,
		0.1:       0.099975586,
		-0.000001: -1.0132789611816406e-6,
	}
	for in, want := range cases {
		got := FromFloat32(in).Float32()
		if got != want {
			t.Fatalf("round trip %g: got %g want %g", in, got, want)
		}
	}
	if !math.IsNaN(Round16(math.NaN())) {
		t.Fatal("NaN must survive")
	}
}

func TestAutocastLists(t *testing.T) {
	ctx := WithAutocast(context.Background(), Options{Level: O1, CustomBlackList: []string{"matmul"}})
	if Active(ctx, "matmul") {
		t.Fatal("black-listed op must stay in float32")
	}
	if Active(context.Background(), "conv2d") {
		t.Fatal("no autocast without scope")
	}
	o2 := Options{Level: O2}
	if !o2.Enabled("elementwise_add") {
		t.Fatal("O2 enables everything not black-listed")
	}
	if o2.Enabled("greater_than") {
		t.Fatal("default black list applies under O2")
	}
	o1 := Options{Level: O1}
	if o1.Enabled("elementwise_add") || !o1.Enabled("matmul") {
		t.Fatal("O1 only enables white-listed ops")
	}
	if _, err := ParseLevel("o3"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if lvl, _ := ParseLevel("o2"); lvl != O2 {
		t.Fatalf("level=%s", lvl)
	}
}

func TestScalerSkipsOverflowAndBacksOff(t *testing.T) {
	p := optim.NewParameter("w", 2)
	opt, _ := optim.NewSGD([]*optim.Parameter{p}, 1, 0)
	s, err := NewGradScaler(ScalerOptions{InitLossScaling: 8, IncrEveryNSteps: 2, DecrEveryNNanOrInf: 1, UseDynamicLossScaling: true})
	if err != nil {
		t.Fatal(err)
	}

	loss := s.Scale(tensor.Constant(0.5))
	if loss.Value != 4 {
		t.Fatalf("scaled loss=%f want 4", loss.Value)
	}

	p.Grad[0], p.Grad[1] = 8, 16
	if err := s.Minimize(opt); err != nil {
		t.Fatal(err)
	}
	s.Update()
	if p.Data[0] != -1 || p.Data[1] != -2 {
		t.Fatalf("unscaled update wrong: %v", p.Data)
	}
	opt.ClearGrad()

	p.Grad[0] = math.Inf(1)
	if err := s.Minimize(opt); err != nil {
		t.Fatal(err)
	}
	s.Update()
	if p.Data[0] != -1 {
		t.Fatalf("overflowed step must be skipped: %v", p.Data)
	}
	if s.LossScale() != 4 {
		t.Fatalf("scale=%f want 4", s.LossScale())
	}
	opt.ClearGrad()

	for i := 0; i < 2; i++ {
		if err := s.Minimize(opt); err != nil {
			t.Fatal(err)
		}
		s.Update()
	}
	if s.LossScale() != 8 {
		t.Fatalf("scale=%f want 8 after good steps", s.LossScale())
	}
	if skipped, overflowed := s.Stats(); skipped != 1 || overflowed != 1 {
		t.Fatalf("stats skipped=%d overflowed=%d", skipped, overflowed)
	}
}
