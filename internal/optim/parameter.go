// Package optim implements parameter containers, optimizers and learning
// rate schedules used by the training engine.
package optim

import "math"

// Parameter is a trainable vector with its accumulated gradient.
type Parameter struct {
	Name string
	Data []float64
	Grad []float64
	// NoDecay excludes the parameter from weight decay (biases, norms).
	NoDecay bool
}

// NewParameter allocates a zeroed parameter of size n.
func NewParameter(name string, n int) *Parameter {
	return &Parameter{Name: name, Data: make([]float64, n), Grad: make([]float64, n)}
}

// ZeroGrad clears the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	clear(p.Grad)
}

// Finite reports whether every gradient entry is finite.
func (p *Parameter) Finite() bool {
	for _, g := range p.Grad {
		if math.IsInf(g, 0) || math.IsNaN(g) {
			return false
		}
	}
	return true
}
