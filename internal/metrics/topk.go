package metrics

import (
	"fmt"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"clsforge/internal/tensor"
)

// Value is one named metric result.
type Value struct {
	Name  string
	Value float64
}

// Func computes metrics for one forward output.
type Func func(out *tensor.Output, batch *tensor.Batch) ([]Value, error)

// TopkAcc returns the fraction of samples whose target class is among the k
// highest logits, for each k. Mixed batches are scored against the dominant
// label; soft targets against their argmax.
func TopkAcc(topk ...int) (Func, error) {
	if len(topk) == 0 {
		topk = []int{1, 5}
	}
	for _, k := range topk {
		if k <= 0 {
			return nil, errors.Errorf("metrics: top-k must be > 0 (got %d)", k)
		}
	}
	ks := append([]int(nil), topk...)
	return func(out *tensor.Output, batch *tensor.Batch) ([]Value, error) {
		targets, err := hardTargets(batch)
		if err != nil {
			return nil, err
		}
		if len(out.Logits) != len(targets) {
			return nil, errors.Errorf("metrics: %d logits rows for %d targets", len(out.Logits), len(targets))
		}
		hits := make([]int, len(ks))
		inds := []int{}
		scratch := []float64{}
		for i, row := range out.Logits {
			if cap(scratch) < len(row) {
				scratch = make([]float64, len(row))
				inds = make([]int, len(row))
			}
			scratch, inds = scratch[:len(row)], inds[:len(row)]
			copy(scratch, row)
			floats.Argsort(scratch, inds)
			for j, k := range ks {
				k = min(k, len(row))
				for _, c := range inds[len(row)-k:] {
					if c == targets[i] {
						hits[j]++
						break
					}
				}
			}
		}
		res := make([]Value, len(ks))
		for j, k := range ks {
			res[j] = Value{Name: fmt.Sprintf("top%d", k), Value: float64(hits[j]) / float64(len(targets))}
		}
		return res, nil
	}, nil
}

func hardTargets(batch *tensor.Batch) ([]int, error) {
	switch {
	case batch.Soft != nil:
		out := make([]int, len(batch.Soft))
		for i, row := range batch.Soft {
			out[i] = floats.MaxIdx(row)
		}
		return out, nil
	case batch.Mix != nil:
		if batch.Mix.Lam >= 0.5 {
			return batch.Mix.LabelsA, nil
		}
		return batch.Mix.LabelsB, nil
	case batch.Labels != nil:
		return batch.Labels, nil
	}
	return nil, errors.New("metrics: batch has no targets")
}
