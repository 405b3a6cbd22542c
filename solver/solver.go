// Copyright 2026 The diffopt Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package solver exposes the standard-form quadratic-program solver:
//
//	minimize    ½·xᵀPx + qᵀx
//	subject to  A·x = b
//	            G·x + s = h,  s ≥ 0
//
// Most users solve through the layer package; this package is the raw
// solve(data) -> (primal, dual, status) contract.
package solver

import (
	"context"

	"github.com/diffopt-ml/diffopt/internal/solver"
)

// Status reports how a solve terminated.
type Status = solver.Status

// Solver termination statuses.
const (
	Optimal           Status = solver.Optimal
	OptimalInaccurate Status = solver.OptimalInaccurate
	Infeasible        Status = solver.Infeasible
	Unbounded         Status = solver.Unbounded
	SolverError       Status = solver.SolverError
)

// FormData is the numeric standard-form problem data for one solve.
type FormData = solver.FormData

// Solution is a primal-dual point returned by the solver.
type Solution = solver.Solution

// Options configures a solve.
type Options = solver.Options

// DefaultOptions returns the default solver configuration.
func DefaultOptions() Options {
	return solver.DefaultOptions()
}

// Solve runs the interior-point method on the standard-form data.
// Cancellation of ctx is honored between iterations.
func Solve(ctx context.Context, data *FormData, opts Options) (*Solution, error) {
	return solver.Solve(ctx, data, opts)
}
