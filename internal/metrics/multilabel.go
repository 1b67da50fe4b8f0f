package metrics

import (
	"github.com/pkg/errors"

	"clsforge/internal/tensor"
)

// HammingDistance scores multi-label outputs: a class is predicted when its
// logit is positive and the target is the multi-hot row in batch.Soft. The
// value is the share of mismatched (sample, class) pairs.
func HammingDistance() Func {
	return func(out *tensor.Output, batch *tensor.Batch) ([]Value, error) {
		if batch.Soft == nil {
			return nil, errors.New("metrics: hamming distance needs multi-hot targets")
		}
		if len(out.Logits) != len(batch.Soft) {
			return nil, errors.Errorf("metrics: %d logits rows for %d targets", len(out.Logits), len(batch.Soft))
		}
		wrong, total := 0, 0
		for i, row := range out.Logits {
			target := batch.Soft[i]
			if len(target) != len(row) {
				return nil, errors.Errorf("metrics: target row %d has %d classes, logits %d", i, len(target), len(row))
			}
			for c, logit := range row {
				if (logit > 0) != (target[c] > 0.5) {
					wrong++
				}
				total++
			}
		}
		if total == 0 {
			return nil, errors.New("metrics: empty output")
		}
		return []Value{{Name: "HammingDistance", Value: float64(wrong) / float64(total)}}, nil
	}
}

// Combine concatenates the values of several metric functions.
func Combine(fns ...Func) Func {
	return func(out *tensor.Output, batch *tensor.Batch) ([]Value, error) {
		var all []Value
		for _, fn := range fns {
			vals, err := fn(out, batch)
			if err != nil {
				return nil, err
			}
			all = append(all, vals...)
		}
		return all, nil
	}
}
