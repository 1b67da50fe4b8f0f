package optim

import (
	"math"
	"testing"
)

func quadratic(p *Parameter) {
	// loss = 0.5 * sum(w^2) so grad = w
	copy(p.Grad, p.Data)
}

func TestOptimizersDescend(t *testing.T) {
	builders := map[string]func([]*Parameter) (Optimizer, error){
		"sgd": func(ps []*Parameter) (Optimizer, error) { return NewSGD(ps, 0.1, 0) },
		"momentum": func(ps []*Parameter) (Optimizer, error) {
			return NewMomentum(ps, 0.1, 0.9, 0, false)
		},
		"nesterov": func(ps []*Parameter) (Optimizer, error) {
			return NewMomentum(ps, 0.1, 0.9, 0, true)
		},
		"adamw": func(ps []*Parameter) (Optimizer, error) {
			return NewAdamW(ps, 0.05, 0, 0, 0, 0.01)
		},
	}
	for name, build := range builders {
		p := NewParameter("w", 3)
		copy(p.Data, []float64{1, -2, 3})
		opt, err := build([]*Parameter{p})
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		start := norm(p.Data)
		for i := 0; i < 20; i++ {
			quadratic(p)
			if err := opt.Step(); err != nil {
				t.Fatalf("%s step: %v", name, err)
			}
			opt.ClearGrad()
		}
		if norm(p.Data) >= start {
			t.Fatalf("%s: norm did not shrink (%f -> %f)", name, start, norm(p.Data))
		}
		for _, g := range p.Grad {
			if g != 0 {
				t.Fatalf("%s: ClearGrad left %f", name, g)
			}
		}
	}
}

func TestSGDSkipsDecayForNoDecay(t *testing.T) {
	w := NewParameter("w", 1)
	b := NewParameter("b", 1)
	b.NoDecay = true
	w.Data[0], b.Data[0] = 1, 1
	opt, err := NewSGD([]*Parameter{w, b}, 0.5, 0.1)
	if err != nil {
		t.Fatal(err)
	}
	if err := opt.Step(); err != nil {
		t.Fatal(err)
	}
	if math.Abs(w.Data[0]-0.95) > 1e-12 {
		t.Fatalf("w=%f want 0.95", w.Data[0])
	}
	if b.Data[0] != 1 {
		t.Fatalf("b=%f want 1", b.Data[0])
	}
}

func TestNewOptimizerRejectsMismatchedGrad(t *testing.T) {
	p := &Parameter{Name: "bad", Data: make([]float64, 2), Grad: make([]float64, 1)}
	if _, err := NewSGD([]*Parameter{p}, 0.1, 0); err == nil {
		t.Fatal("expected error")
	}
	if _, err := NewSGD(nil, 0.1, 0); err == nil {
		t.Fatal("expected error for empty parameter list")
	}
}

func TestCosineWarmupThenDecay(t *testing.T) {
	p := NewParameter("w", 1)
	opt, _ := NewSGD([]*Parameter{p}, 0, 0)
	s, err := NewCosine(opt, CosineOptions{LR: 1, EtaMin: 0, TMax: 10, Warmup: 2, WarmupStart: 0})
	if err != nil {
		t.Fatal(err)
	}
	if s.LR() != 0 || opt.LR() != 0 {
		t.Fatalf("initial lr=%f opt=%f", s.LR(), opt.LR())
	}
	s.Step()
	if math.Abs(s.LR()-0.5) > 1e-12 {
		t.Fatalf("warmup lr=%f want 0.5", s.LR())
	}
	s.Step()
	if math.Abs(s.LR()-1) > 1e-12 {
		t.Fatalf("peak lr=%f want 1", s.LR())
	}
	for i := 0; i < 8; i++ {
		s.Step()
	}
	if math.Abs(s.LR()) > 1e-12 {
		t.Fatalf("final lr=%f want 0", s.LR())
	}
	if opt.LR() != s.LR() {
		t.Fatalf("optimizer lr %f not synced with schedule %f", opt.LR(), s.LR())
	}
}

func TestPiecewiseAndStep(t *testing.T) {
	pw, err := NewPiecewise(nil, []int{2, 4}, []float64{0.1, 0.01, 0.001}, true)
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{0.1, 0.1, 0.01, 0.01, 0.001}
	for i, w := range want {
		if pw.LR() != w {
			t.Fatalf("piecewise step %d lr=%f want %f", i, pw.LR(), w)
		}
		pw.Step()
	}
	if _, err := NewPiecewise(nil, []int{2}, []float64{0.1}, true); err == nil {
		t.Fatal("expected value count error")
	}

	sd, err := NewStepDecay(nil, 1, 3, 0.5, false)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		sd.Step()
	}
	if sd.LR() != 0.5 || sd.ByEpoch() {
		t.Fatalf("step decay lr=%f byEpoch=%v", sd.LR(), sd.ByEpoch())
	}
}

func TestReduceOnPlateau(t *testing.T) {
	r, err := NewReduceOnPlateau(nil, 1, 0.5, 1, 0, "min")
	if err != nil {
		t.Fatal(err)
	}
	r.Step()
	r.StepMetric(1.0)
	r.StepMetric(1.0)
	if r.LR() != 1 {
		t.Fatalf("lr dropped too early: %f", r.LR())
	}
	r.StepMetric(1.0)
	if r.LR() != 0.5 {
		t.Fatalf("lr=%f want 0.5", r.LR())
	}
	r.StepMetric(0.1)
	r.StepMetric(0.1)
	if r.LR() != 0.5 {
		t.Fatalf("improvement should reset patience, lr=%f", r.LR())
	}
}

func norm(v []float64) float64 {
	s := 0.0
	for _, x := range v {
		s += x * x
	}
	return math.Sqrt(s)
}
