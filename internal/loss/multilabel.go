package loss

import (
	"math"

	"github.com/pkg/errors"

	"clsforge/internal/tensor"
)

// MultiLabelLoss is per-class sigmoid binary cross entropy against the
// multi-hot rows in batch.Soft, averaged over samples and classes.
func MultiLabelLoss(epsilon float64) (Func, error) {
	if epsilon < 0 || epsilon >= 1 {
		return nil, errors.Errorf("loss: epsilon must be in [0,1) (got %g)", epsilon)
	}
	return func(out *tensor.Output, batch *tensor.Batch) (Dict, error) {
		if batch.Soft == nil || len(batch.Soft) != len(out.Logits) {
			return nil, errors.New("loss: multi-label loss needs one multi-hot row per sample")
		}
		n := len(out.Logits)
		if n == 0 {
			return nil, errors.New("loss: empty logits")
		}
		grad := make([][]float64, n)
		total := 0.0
		for i, row := range out.Logits {
			if len(batch.Soft[i]) != len(row) {
				return nil, errors.Errorf("loss: target row %d has %d classes, logits %d", i, len(batch.Soft[i]), len(row))
			}
			denom := float64(n * len(row))
			g := make([]float64, len(row))
			for c, z := range row {
				y := batch.Soft[i][c]*(1-epsilon) + epsilon/2
				// log(1+exp(-|z|)) keeps large logits finite
				total += math.Max(z, 0) - z*y + math.Log1p(math.Exp(-math.Abs(z)))
				g[c] = (sigmoid(z) - y) / denom
			}
			grad[i] = g
		}
		value := total / float64(n*len(out.Logits[0]))
		s := tensor.NewScalar(value, func(coeff float64) error {
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
		})
		return Dict{{Name: "MultiLabelLoss", Scalar: s}, {Name: TotalKey, Scalar: s}}, nil
	}, nil
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}
