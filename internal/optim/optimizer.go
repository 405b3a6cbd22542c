// Package optim implements gradient-descent optimizers over named
// parameter maps, for training loops that differentiate through the
// optimization layer.
package optim

import "github.com/diffopt-ml/diffopt/internal/dense"

// Optimizer updates named parameters in place from a gradient map.
//
// Parameters absent from the gradient map are skipped; shapes are assumed
// to match the parameters the optimizer was created with.
type Optimizer interface {
	// Step applies one update from the given gradients.
	Step(grads map[string]*dense.Array)

	// LR returns the current learning rate.
	LR() float64
}
