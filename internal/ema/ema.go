// Package ema keeps an exponential moving average of model parameters.
package ema

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"clsforge/internal/optim"
)

// Source is anything exposing trainable parameters.
type Source interface {
	Parameters() []*optim.Parameter
}

// ModelEMA holds the shadow parameters.
type ModelEMA struct {
	decay   float64
	shadow  [][]float64
	backup  [][]float64
	updates int
}

// New snapshots src as the initial shadow.
func New(src Source, decay float64) (*ModelEMA, error) {
	if decay <= 0 || decay >= 1 {
		return nil, errors.Errorf("ema: decay must be in (0,1) (got %g)", decay)
	}
	params := src.Parameters()
	shadow := make([][]float64, len(params))
	for i, p := range params {
		shadow[i] = append([]float64(nil), p.Data...)
	}
	return &ModelEMA{decay: decay, shadow: shadow}, nil
}

// Update folds the current parameters into the shadow:
// shadow = decay*shadow + (1-decay)*param.
func (e *ModelEMA) Update(src Source) error {
	params := src.Parameters()
	if len(params) != len(e.shadow) {
		return errors.Errorf("ema: model has %d parameters, shadow has %d", len(params), len(e.shadow))
	}
	for i, p := range params {
		if len(p.Data) != len(e.shadow[i]) {
			return errors.Errorf("ema: parameter %s size changed", p.Name)
		}
		floats.Scale(e.decay, e.shadow[i])
		floats.AddScaled(e.shadow[i], 1-e.decay, p.Data)
	}
	e.updates++
	return nil
}

// Apply swaps the shadow into src, keeping the live weights for Restore.
func (e *ModelEMA) Apply(src Source) {
	params := src.Parameters()
	e.backup = make([][]float64, len(params))
	for i, p := range params {
		e.backup[i] = append([]float64(nil), p.Data...)
		copy(p.Data, e.shadow[i])
	}
}

// Restore undoes Apply.
func (e *ModelEMA) Restore(src Source) {
	if e.backup == nil {
		return
	}
	for i, p := range src.Parameters() {
		copy(p.Data, e.backup[i])
	}
	e.backup = nil
}

// Shadow returns the shadow vectors in parameter order.
func (e *ModelEMA) Shadow() [][]float64 { return e.shadow }

// SetShadow replaces the shadow, e.g. when resuming.
func (e *ModelEMA) SetShadow(shadow [][]float64) error {
	if len(shadow) != len(e.shadow) {
		return errors.Errorf("ema: restoring %d vectors into %d", len(shadow), len(e.shadow))
	}
	for i := range shadow {
		if len(shadow[i]) != len(e.shadow[i]) {
			return errors.Errorf("ema: vector %d has %d values, want %d", i, len(shadow[i]), len(e.shadow[i]))
		}
		copy(e.shadow[i], shadow[i])
	}
	return nil
}

// Updates returns how many times Update succeeded.
func (e *ModelEMA) Updates() int { return e.updates }

// Decay returns the smoothing factor.
func (e *ModelEMA) Decay() float64 { return e.decay }
