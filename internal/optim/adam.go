package optim

import (
	"math"

	"github.com/diffopt-ml/diffopt/internal/dense"
)

// Adam implements the Adam optimizer (adaptive moment estimation).
//
// Update rule:
//
//	m = β₁·m + (1−β₁)·grad
//	v = β₂·v + (1−β₂)·grad²
//	param -= lr · m̂ / (√v̂ + ε)
//
// with bias-corrected m̂ and v̂.
type Adam struct {
	params map[string]*dense.Array
	lr     float64
	beta1  float64
	beta2  float64
	eps    float64
	t      int
	m      map[string][]float64
	v      map[string][]float64
}

// AdamConfig holds Adam settings.
type AdamConfig struct {
	LR    float64 // Learning rate (default: 0.001)
	Beta1 float64 // First-moment decay (default: 0.9)
	Beta2 float64 // Second-moment decay (default: 0.999)
	Eps   float64 // Denominator stabilizer (default: 1e-8)
}

// NewAdam creates an Adam optimizer over the given parameters.
func NewAdam(params map[string]*dense.Array, config AdamConfig) *Adam {
	if config.LR == 0 {
		config.LR = 0.001
	}
	if config.Beta1 == 0 {
		config.Beta1 = 0.9
	}
	if config.Beta2 == 0 {
		config.Beta2 = 0.999
	}
	if config.Eps == 0 {
		config.Eps = 1e-8
	}
	return &Adam{
		params: params,
		lr:     config.LR,
		beta1:  config.Beta1,
		beta2:  config.Beta2,
		eps:    config.Eps,
		m:      make(map[string][]float64),
		v:      make(map[string][]float64),
	}
}

// Step applies one Adam update.
func (a *Adam) Step(grads map[string]*dense.Array) {
	a.t++
	bc1 := 1 - math.Pow(a.beta1, float64(a.t))
	bc2 := 1 - math.Pow(a.beta2, float64(a.t))

	for name, param := range a.params {
		grad, ok := grads[name]
		if !ok {
			continue
		}
		g := grad.Data()
		m, ok := a.m[name]
		if !ok {
			m = make([]float64, param.NumElements())
			a.m[name] = m
		}
		v, ok := a.v[name]
		if !ok {
			v = make([]float64, param.NumElements())
			a.v[name] = v
		}
		p := param.Data()
		for i := range p {
			m[i] = a.beta1*m[i] + (1-a.beta1)*g[i]
			v[i] = a.beta2*v[i] + (1-a.beta2)*g[i]*g[i]
			mHat := m[i] / bc1
			vHat := v[i] / bc2
			p[i] -= a.lr * mHat / (math.Sqrt(vHat) + a.eps)
		}
	}
}

// LR returns the current learning rate.
func (a *Adam) LR() float64 { return a.lr }
