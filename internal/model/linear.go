package model

import (
	"context"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"clsforge/internal/amp"
	"clsforge/internal/optim"
	"clsforge/internal/tensor"
)

// Linear is a softmax-ready linear classifier over an average-pooled grid of
// the input image.
type Linear struct {
	numClasses int
	channels   int
	grid       int
	inputSize  int
	weight     *optim.Parameter
	bias       *optim.Parameter
}

// NewLinear constructs the model with small random weights.
func NewLinear(numClasses, channels, grid int, seed int64) (*Linear, error) {
	if numClasses <= 0 {
		return nil, errors.Errorf("model: class_num must be > 0 (got %d)", numClasses)
	}
	if channels <= 0 {
		channels = 3
	}
	if grid <= 0 {
		grid = 16
	}
	inputSize := channels * grid * grid
	rng := rand.New(rand.NewSource(seed))
	weight := optim.NewParameter("fc.weight", numClasses*inputSize)
	for i := range weight.Data {
		weight.Data[i] = (rng.Float64()*2 - 1) * 0.01
	}
	bias := optim.NewParameter("fc.bias", numClasses)
	bias.NoDecay = true
	return &Linear{
		numClasses: numClasses,
		channels:   channels,
		grid:       grid,
		inputSize:  inputSize,
		weight:     weight,
		bias:       bias,
	}, nil
}

// Parameters returns the weight then the bias.
func (m *Linear) Parameters() []*optim.Parameter {
	return []*optim.Parameter{m.weight, m.bias}
}

// NumClasses returns the output width.
func (m *Linear) NumClasses() int { return m.numClasses }

// Forward computes logits = W·pool(x) + b.
func (m *Linear) Forward(ctx context.Context, batch *tensor.Batch) (*tensor.Output, error) {
	if batch.Len() == 0 {
		return nil, errors.New("model: empty batch")
	}
	half := amp.Active(ctx, "matmul")
	halfAdd := amp.Active(ctx, "elementwise_add")

	weights := m.weight.Data
	if half {
		weights = round16(weights)
	}
	features := make([][]float64, batch.Len())
	logits := make([][]float64, batch.Len())
	for i, img := range batch.Images {
		if img.C != m.channels {
			return nil, errors.Errorf("model: image %d has %d channels, want %d", i, img.C, m.channels)
		}
		f := m.pool(img)
		if half {
			f = round16(f)
		}
		features[i] = f
		row := make([]float64, m.numClasses)
		for c := range row {
			row[c] = floats.Dot(weights[c*m.inputSize:(c+1)*m.inputSize], f)
			if half {
				row[c] = amp.Round16(row[c])
			}
			row[c] += m.bias.Data[c]
			if halfAdd {
				row[c] = amp.Round16(row[c])
			}
		}
		logits[i] = row
	}

	out := &tensor.Output{Logits: logits}
	out.Backward = func(grad [][]float64) error {
		if len(grad) != len(features) {
			return errors.Errorf("model: %d gradient rows for %d samples", len(grad), len(features))
		}
		for i, g := range grad {
			for c, gc := range g {
				m.bias.Grad[c] += gc
				floats.AddScaled(m.weight.Grad[c*m.inputSize:(c+1)*m.inputSize], gc, features[i])
			}
		}
		return nil
	}
	return out, nil
}

// pool averages each channel over a grid x grid partition of the image.
func (m *Linear) pool(img *tensor.Image) []float64 {
	out := make([]float64, m.inputSize)
	for c := 0; c < img.C; c++ {
		for gy := 0; gy < m.grid; gy++ {
			y0, y1 := cell(gy, m.grid, img.H)
			for gx := 0; gx < m.grid; gx++ {
				x0, x1 := cell(gx, m.grid, img.W)
				sum, n := 0.0, 0
				for y := y0; y < y1; y++ {
					for x := x0; x < x1; x++ {
						sum += float64(img.At(c, y, x))
						n++
					}
				}
				if n > 0 {
					out[(c*m.grid+gy)*m.grid+gx] = sum / float64(n)
				}
			}
		}
	}
	return out
}

// cell returns the half-open pixel span of grid cell i, never empty when
// size >= 1.
func cell(i, grid, size int) (int, int) {
	lo := i * size / grid
	hi := (i + 1) * size / grid
	if hi <= lo {
		hi = min(lo+1, size)
		lo = hi - 1
	}
	return lo, hi
}

func round16(v []float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = amp.Round16(x)
	}
	return out
}
