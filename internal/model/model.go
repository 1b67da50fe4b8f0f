// Package model defines the network contract consumed by the training
// engine and a small linear reference classifier.
package model

import (
	"context"

	"clsforge/internal/optim"
	"clsforge/internal/tensor"
)

// Network is a trainable classifier. Forward installs the backward path on
// the returned output; gradients accumulate into Parameters until cleared.
type Network interface {
	Forward(ctx context.Context, batch *tensor.Batch) (*tensor.Output, error)
	Parameters() []*optim.Parameter
}

// RecNetwork is a network whose forward pass also consumes labels, as
// metric-learning heads do.
type RecNetwork interface {
	Network
	ForwardWithLabels(ctx context.Context, batch *tensor.Batch) (*tensor.Output, error)
}
