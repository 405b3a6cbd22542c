// Copyright 2026 The diffopt Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package layer provides the differentiable optimization layer.
//
// Forward solves a parametric convex program and returns variable values
// plus a single-use differentiation context; Backward consumes that
// context and returns gradients with respect to the parameters, computed
// by implicitly differentiating the KKT conditions at the solution:
//
//	l := layer.New(structure, solver.DefaultOptions())
//	res, err := l.Forward(ctx, params)
//	grads, err := l.Backward(res.Diff, map[string]*dense.Array{"x": upstream})
package layer

import (
	"github.com/diffopt-ml/diffopt/internal/layer"
	"github.com/diffopt-ml/diffopt/internal/problem"
	"github.com/diffopt-ml/diffopt/internal/solver"
)

// Layer binds an immutable problem structure to solver options.
type Layer = layer.Layer

// Result is the output of one forward solve.
type Result = layer.Result

// DiffContext is the single-use backward-pass context.
type DiffContext = layer.DiffContext

// Node is the layer recorded as one operation on a gradient tape.
type Node = layer.Node

// Assignment is one parameter assignment for a batch element.
type Assignment = layer.Assignment

// BatchOptions configures batch execution.
type BatchOptions = layer.BatchOptions

// BatchElement is the outcome of one batch element's forward solve.
type BatchElement = layer.BatchElement

// BatchResult aggregates per-element outcomes of a batch forward pass.
type BatchResult = layer.BatchResult

// BatchGrads is the outcome of one batch element's backward pass.
type BatchGrads = layer.BatchGrads

// Error types raised by the layer.
type (
	// ShapeError reports a parameter or gradient whose shape does not
	// match its declaration.
	ShapeError = layer.ShapeError
	// SolverStatusError reports a non-optimal solve.
	SolverStatusError = layer.SolverStatusError
	// DifferentiationError reports an undifferentiable KKT linearization.
	DifferentiationError = layer.DifferentiationError
	// StateError reports forward/backward sequencing misuse.
	StateError = layer.StateError
	// CancelledError reports cooperative cancellation.
	CancelledError = layer.CancelledError
)

// New creates a layer over a built problem structure.
func New(s *problem.Structure, opts solver.Options) *Layer {
	return layer.New(s, opts)
}
