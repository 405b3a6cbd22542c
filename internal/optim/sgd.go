package optim

import "github.com/diffopt-ml/diffopt/internal/dense"

// SGD implements gradient descent with optional momentum.
//
// Without momentum:
//
//	param -= lr · grad
//
// With momentum:
//
//	velocity = momentum · velocity + grad
//	param -= lr · velocity
type SGD struct {
	params     map[string]*dense.Array
	lr         float64
	momentum   float64
	velocities map[string][]float64
}

// SGDConfig holds SGD settings.
type SGDConfig struct {
	LR       float64 // Learning rate (default: 0.01)
	Momentum float64 // Momentum factor (default: 0, range [0, 1))
}

// NewSGD creates an SGD optimizer over the given parameters. The
// parameter arrays are updated in place by Step.
func NewSGD(params map[string]*dense.Array, config SGDConfig) *SGD {
	if config.LR == 0 {
		config.LR = 0.01
	}
	return &SGD{
		params:     params,
		lr:         config.LR,
		momentum:   config.Momentum,
		velocities: make(map[string][]float64),
	}
}

// Step applies one gradient-descent update.
func (s *SGD) Step(grads map[string]*dense.Array) {
	for name, param := range s.params {
		grad, ok := grads[name]
		if !ok {
			continue
		}
		if s.momentum == 0 {
			dense.Axpy(-s.lr, grad.Data(), param.Data())
			continue
		}
		v, ok := s.velocities[name]
		if !ok {
			v = make([]float64, param.NumElements())
			s.velocities[name] = v
		}
		dense.Scal(s.momentum, v)
		dense.Axpy(1, grad.Data(), v)
		dense.Axpy(-s.lr, v, param.Data())
	}
}

// LR returns the current learning rate.
func (s *SGD) LR() float64 { return s.lr }

// SetLR updates the learning rate, for schedules.
func (s *SGD) SetLR(lr float64) { s.lr = lr }
