// Package layer implements the differentiable optimization layer: a
// forward pass that solves a parametric quadratic program and a backward
// pass that differentiates the solution with respect to the parameters by
// implicitly differentiating the KKT conditions at the solution.
//
// The forward/backward pair mirrors a manual reverse-mode gradient node:
// Forward retains the linearization state in a DiffContext, and Backward
// consumes that context exactly once.
package layer

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/diffopt-ml/diffopt/internal/dense"
	"github.com/diffopt-ml/diffopt/internal/problem"
	"github.com/diffopt-ml/diffopt/internal/solver"
)

// Layer binds an immutable problem structure to solver options. A Layer
// is safe for concurrent use; each Forward call produces its own
// DiffContext.
type Layer struct {
	structure *problem.Structure
	opts      solver.Options
}

// New creates a layer over a built problem structure.
func New(s *problem.Structure, opts solver.Options) *Layer {
	return &Layer{structure: s, opts: opts}
}

// Structure returns the layer's problem structure.
func (l *Layer) Structure() *problem.Structure { return l.structure }

// Result is the output of one forward solve.
type Result struct {
	// Values holds the optimal value of every declared variable.
	Values map[string]*dense.Array

	// DualsEq and DualsIneq are the Lagrange multipliers for the stacked
	// equality and inequality rows.
	DualsEq   []float64
	DualsIneq []float64

	// Degraded is true when the solver converged only to reduced
	// accuracy; the backward pass inherits the flag so callers can
	// re-solve at tighter tolerance instead of trusting the gradients.
	Degraded bool

	// Diff is the single-use context for the backward pass.
	Diff *DiffContext

	Iterations int
}

// Forward solves the problem at the supplied parameter values.
//
// Parameter arrays are validated against their declarations before any
// solver work: a missing, unknown, or mis-shaped parameter fails with
// *ShapeError. A non-optimal solve fails with *SolverStatusError; a
// cancelled solve fails with *CancelledError. Reduced-accuracy
// convergence yields a valid Result with Degraded set.
func (l *Layer) Forward(ctx context.Context, params map[string]*dense.Array) (*Result, error) {
	if err := l.checkParams(params); err != nil {
		return nil, err
	}

	// Copy values in: parameters are immutable for the duration of the
	// solve and the retained context must not alias caller memory.
	frozen := make(map[string]*dense.Array, len(params))
	for name, arr := range params {
		frozen[name] = arr.Clone()
	}

	data := l.structure.Instantiate(frozen)
	sol, err := solver.Solve(ctx, data, l.opts)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, &CancelledError{Err: err}
		}
		return nil, err
	}
	if sol.Status != solver.Optimal && sol.Status != solver.OptimalInaccurate {
		return nil, &SolverStatusError{Status: sol.Status, Iterations: sol.Iterations}
	}

	degraded := sol.Status == solver.OptimalInaccurate
	res := &Result{
		Values:     l.structure.ExtractVars(sol.X),
		DualsEq:    append([]float64(nil), sol.Y...),
		DualsIneq:  append([]float64(nil), sol.Z...),
		Degraded:   degraded,
		Iterations: sol.Iterations,
		Diff: &DiffContext{
			id:       uuid.New(),
			layer:    l,
			data:     data,
			sol:      sol,
			degraded: degraded,
		},
	}
	return res, nil
}

// checkParams validates the supplied assignment against the declared
// parameters: every declared parameter present with its exact shape, and
// nothing undeclared.
func (l *Layer) checkParams(params map[string]*dense.Array) error {
	declared := l.structure.Parameters()
	for name, want := range declared {
		got, ok := params[name]
		if !ok {
			return &ShapeError{Name: name, Want: want}
		}
		if !got.Shape().Equal(want) {
			return &ShapeError{Name: name, Want: want, Got: got.Shape()}
		}
	}
	for name := range params {
		if _, ok := declared[name]; !ok {
			return &ShapeError{Name: name}
		}
	}
	return nil
}
