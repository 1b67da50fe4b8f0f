// Package loss implements classification losses that return a dictionary
// of differentiable scalars keyed by name, "loss" being the total.
package loss

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"clsforge/internal/tensor"
)

// TotalKey names the aggregate loss in a Dict.
const TotalKey = "loss"

// Term is one named loss value.
type Term struct {
	Name   string
	Scalar tensor.Scalar
}

// Dict is an ordered set of loss terms.
type Dict []Term

// Get returns the named term.
func (d Dict) Get(name string) (tensor.Scalar, bool) {
	for _, t := range d {
		if t.Name == name {
			return t.Scalar, true
		}
	}
	return tensor.Scalar{}, false
}

// Loss returns the aggregate term. Every Func guarantees it exists.
func (d Dict) Loss() tensor.Scalar {
	s, _ := d.Get(TotalKey)
	return s
}

// Func computes losses for one forward output.
type Func func(out *tensor.Output, batch *tensor.Batch) (Dict, error)

// CELoss is softmax cross entropy with optional label smoothing. Hard, mixed
// and soft targets are all supported.
func CELoss(epsilon float64) (Func, error) {
	if epsilon < 0 || epsilon >= 1 {
		return nil, errors.Errorf("loss: epsilon must be in [0,1) (got %g)", epsilon)
	}
	return func(out *tensor.Output, batch *tensor.Batch) (Dict, error) {
		s, err := crossEntropy(out, batch, epsilon)
		if err != nil {
			return nil, err
		}
		return Dict{{Name: "CELoss", Scalar: s}, {Name: TotalKey, Scalar: s}}, nil
	}, nil
}

// Weighted pairs a loss with its weight for Combined.
type Weighted struct {
	Weight float64
	Func   Func
}

// Combined sums weighted losses into "loss" and keeps each component's terms.
func Combined(parts ...Weighted) (Func, error) {
	if len(parts) == 0 {
		return nil, errors.New("loss: no loss functions configured")
	}
	return func(out *tensor.Output, batch *tensor.Batch) (Dict, error) {
		var dict Dict
		var total tensor.Scalar
		for i, p := range parts {
			d, err := p.Func(out, batch)
			if err != nil {
				return nil, err
			}
			for _, t := range d {
				if t.Name != TotalKey {
					dict = append(dict, t)
				}
			}
			w := d.Loss().Mul(p.Weight)
			if i == 0 {
				total = w
				continue
			}
			total = total.Add(w)
		}
		return append(dict, Term{Name: TotalKey, Scalar: total}), nil
	}, nil
}

func crossEntropy(out *tensor.Output, batch *tensor.Batch, epsilon float64) (tensor.Scalar, error) {
	n := len(out.Logits)
	if n == 0 {
		return tensor.Scalar{}, errors.New("loss: empty logits")
	}
	if n != batch.Len() && batch.Len() != 0 {
		return tensor.Scalar{}, errors.Errorf("loss: %d logits rows for %d samples", n, batch.Len())
	}
	classes := len(out.Logits[0])
	grad := make([][]float64, n)
	total := 0.0
	for i, row := range out.Logits {
		if len(row) != classes {
			return tensor.Scalar{}, errors.Errorf("loss: ragged logits row %d", i)
		}
		q, err := targetRow(batch, i, classes, epsilon)
		if err != nil {
			return tensor.Scalar{}, err
		}
		p := softmax(row)
		g := make([]float64, classes)
		for c := range p {
			if q[c] > 0 {
				total -= q[c] * math.Log(math.Max(p[c], 1e-12))
			}
			g[c] = (p[c] - q[c]) / float64(n)
		}
		grad[i] = g
	}
	value := total / float64(n)
	return tensor.NewScalar(value, func(coeff float64) error {
		if out.Backward == nil {
			return errors.New("loss: output has no backward")
		}
		scaled := make([][]float64, n)
		for i, g := range grad {
			scaled[i] = make([]float64, len(g))
			for c, v := range g {
				scaled[i][c] = v * coeff
			}
		}
		return out.Backward(scaled)
	}), nil
}

func targetRow(batch *tensor.Batch, i, classes int, epsilon float64) ([]float64, error) {
	if batch.Soft != nil {
		if len(batch.Soft[i]) != classes {
			return nil, errors.Errorf("loss: soft target has %d classes, logits %d", len(batch.Soft[i]), classes)
		}
		return batch.Soft[i], nil
	}
	q := make([]float64, classes)
	add := func(label int, w float64) error {
		if label < 0 || label >= classes {
			return errors.Errorf("loss: label %d out of range [0,%d)", label, classes)
		}
		for c := range q {
			q[c] += w * epsilon / float64(classes)
		}
		q[label] += w * (1 - epsilon)
		return nil
	}
	if batch.Mix != nil {
		if err := add(batch.Mix.LabelsA[i], batch.Mix.Lam); err != nil {
			return nil, err
		}
		if err := add(batch.Mix.LabelsB[i], 1-batch.Mix.Lam); err != nil {
			return nil, err
		}
		return q, nil
	}
	if i >= len(batch.Labels) {
		return nil, errors.Errorf("loss: missing label for sample %d", i)
	}
	if err := add(batch.Labels[i], 1); err != nil {
		return nil, err
	}
	return q, nil
}

func softmax(logits []float64) []float64 {
	lse := floats.LogSumExp(logits)
	out := make([]float64, len(logits))
	for i, v := range logits {
		out[i] = math.Exp(v - lse)
	}
	return out
}
