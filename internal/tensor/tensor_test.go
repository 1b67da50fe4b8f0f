package tensor

import (
	"math"
	"testing"
)

func TestScalarChainCoefficient(t *testing.T) {
	var got float64
	s := NewScalar(2, func(coeff float64) error {
		got = coeff
		return nil
	})
	scaled := s.Div(4).Mul(1024)
	if math.Abs(scaled.Value-512) > 1e-9 {
		t.Fatalf("value=%f want 512", scaled.Value)
	}
	if err := scaled.Backward(); err != nil {
		t.Fatalf("backward: %v", err)
	}
	if math.Abs(got-256) > 1e-9 {
		t.Fatalf("coeff=%f want 256", got)
	}
}

func TestScalarAddBackpropagatesBoth(t *testing.T) {
	var a, b float64
	left := NewScalar(1, func(c float64) error { a = c; return nil }).Mul(0.5)
	right := NewScalar(3, func(c float64) error { b = c; return nil })
	sum := left.Add(right).Mul(2)
	if sum.Value != 7 {
		t.Fatalf("value=%f want 7", sum.Value)
	}
	if err := sum.Backward(); err != nil {
		t.Fatalf("backward: %v", err)
	}
	if a != 1 || b != 2 {
		t.Fatalf("coeffs a=%f b=%f", a, b)
	}
}

func TestBatchValidate(t *testing.T) {
	b := &Batch{
		Images: []*Image{NewImage(3, 2, 2), NewImage(3, 2, 2)},
		Labels: []int{0},
	}
	if err := b.Validate(); err == nil {
		t.Fatal("expected label count mismatch")
	}
	b.Labels = []int{0, 1}
	if err := b.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	b.Images[1] = NewImage(3, 4, 4)
	if err := b.Validate(); err == nil {
		t.Fatal("expected shape mismatch")
	}
}
