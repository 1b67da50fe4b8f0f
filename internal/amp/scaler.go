package amp

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"clsforge/internal/optim"
	"clsforge/internal/tensor"
)

// ScalerOptions mirrors the AMP section of the training config.
type ScalerOptions struct {
	InitLossScaling       float64
	IncrRatio             float64
	DecrRatio             float64
	IncrEveryNSteps       int
	DecrEveryNNanOrInf    int
	UseDynamicLossScaling bool
}

// DefaultScalerOptions returns the usual dynamic scaling defaults.
func DefaultScalerOptions() ScalerOptions {
	return ScalerOptions{
		InitLossScaling:       32768,
		IncrRatio:             2,
		DecrRatio:             0.5,
		IncrEveryNSteps:       1000,
		DecrEveryNNanOrInf:    2,
		UseDynamicLossScaling: true,
	}
}

// GradScaler multiplies the loss before backward and unscales gradients
// before each optimizer update, skipping updates whose gradients overflowed.
//
// One update boundary may call Minimize for several optimizers. The scale is
// adjusted once per boundary, when Update is called.
type GradScaler struct {
	opts ScalerOptions

	scale      float64
	goodSteps  int
	badSteps   int
	foundInf   bool
	unscaled   map[optim.Optimizer]bool
	skipped    int
	overflowed int
}

// NewGradScaler validates opts, filling zero fields from the defaults.
func NewGradScaler(opts ScalerOptions) (*GradScaler, error) {
	def := DefaultScalerOptions()
	if opts.InitLossScaling == 0 {
		opts.InitLossScaling = def.InitLossScaling
	}
	if opts.IncrRatio == 0 {
		opts.IncrRatio = def.IncrRatio
	}
	if opts.DecrRatio == 0 {
		opts.DecrRatio = def.DecrRatio
	}
	if opts.IncrEveryNSteps == 0 {
		opts.IncrEveryNSteps = def.IncrEveryNSteps
	}
	if opts.DecrEveryNNanOrInf == 0 {
		opts.DecrEveryNNanOrInf = def.DecrEveryNNanOrInf
	}
	switch {
	case opts.InitLossScaling <= 0:
		return nil, errors.Errorf("amp: init loss scaling must be > 0 (got %g)", opts.InitLossScaling)
	case opts.IncrRatio <= 1:
		return nil, errors.Errorf("amp: incr ratio must be > 1 (got %g)", opts.IncrRatio)
	case opts.DecrRatio <= 0 || opts.DecrRatio >= 1:
		return nil, errors.Errorf("amp: decr ratio must be in (0,1) (got %g)", opts.DecrRatio)
	}
	return &GradScaler{opts: opts, scale: opts.InitLossScaling, unscaled: map[optim.Optimizer]bool{}}, nil
}

// Scale multiplies loss by the current loss scale.
func (s *GradScaler) Scale(loss tensor.Scalar) tensor.Scalar {
	return loss.Mul(s.scale)
}

// LossScale returns the current scale factor.
func (s *GradScaler) LossScale() float64 { return s.scale }

// Minimize unscales the gradients owned by opt and steps it unless one of
// them is non-finite. Gradients are left in place for the caller to clear.
func (s *GradScaler) Minimize(opt optim.Optimizer) error {
	found, done := s.unscaled[opt]
	if !done {
		inv := 1 / s.scale
		for _, p := range opt.Parameters() {
			floats.Scale(inv, p.Grad)
			if !p.Finite() {
				found = true
			}
		}
		s.unscaled[opt] = found
		s.foundInf = s.foundInf || found
	}
	if found {
		s.skipped++
		return nil
	}
	if err := opt.Step(); err != nil {
		return errors.Wrap(err, "amp: optimizer step")
	}
	return nil
}

// Update closes the current update boundary and adjusts the scale.
func (s *GradScaler) Update() {
	found := s.foundInf
	s.foundInf = false
	clear(s.unscaled)
	if found {
		s.overflowed++
	}
	if !s.opts.UseDynamicLossScaling {
		return
	}
	if found {
		s.goodSteps = 0
		s.badSteps++
		if s.badSteps >= s.opts.DecrEveryNNanOrInf {
			s.scale *= s.opts.DecrRatio
			if s.scale < 1 {
				s.scale = 1
			}
			s.badSteps = 0
		}
		return
	}
	s.badSteps = 0
	s.goodSteps++
	if s.goodSteps >= s.opts.IncrEveryNSteps {
		s.scale *= s.opts.IncrRatio
		s.goodSteps = 0
	}
}

// Stats reports how many optimizer steps were skipped and how many
// boundaries overflowed.
func (s *GradScaler) Stats() (skipped, overflowed int) {
	return s.skipped, s.overflowed
}

// SetLossScale restores a scale, e.g. from a checkpoint.
func (s *GradScaler) SetLossScale(v float64) {
	if v > 0 {
		s.scale = v
	}
}
