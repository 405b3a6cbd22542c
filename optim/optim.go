// Copyright 2026 The diffopt Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package optim provides gradient-based optimizers for training the
// parameters of an optimization layer.
package optim

import (
	"github.com/diffopt-ml/diffopt/dense"
	"github.com/diffopt-ml/diffopt/internal/optim"
)

// Optimizer updates parameters from gradients.
type Optimizer = optim.Optimizer

// SGD is stochastic gradient descent with optional momentum.
type SGD = optim.SGD

// SGDConfig holds SGD settings.
type SGDConfig = optim.SGDConfig

// Adam is the Adam optimizer.
type Adam = optim.Adam

// AdamConfig holds Adam settings.
type AdamConfig = optim.AdamConfig

// NewSGD creates an SGD optimizer over the given parameters. Step
// mutates the parameter arrays in place.
func NewSGD(params map[string]*dense.Array, config SGDConfig) *SGD {
	return optim.NewSGD(params, config)
}

// NewAdam creates an Adam optimizer over the given parameters.
func NewAdam(params map[string]*dense.Array, config AdamConfig) *Adam {
	return optim.NewAdam(params, config)
}
