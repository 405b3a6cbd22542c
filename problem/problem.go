// Copyright 2026 The diffopt Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package problem defines parametric quadratic-program structures: named
// parameters, named variables, and the affine map from parameter values
// to standard-form solver data.
//
// A Structure is built once and reused across solves; only the numeric
// parameter values change per call:
//
//	b := problem.NewBuilder()
//	b.Variable("x", n)
//	q, _ := b.Parameter("q", dense.Shape{n})
//	b.Minimize(problem.Constant(dense.Eye(n)), q)
//	b.SubjectToIneq(problem.Constant(g), problem.Constant(h))
//	s, err := b.Build()
package problem

import (
	"github.com/diffopt-ml/diffopt/dense"
	"github.com/diffopt-ml/diffopt/internal/problem"
)

// Builder assembles a problem structure.
type Builder = problem.Builder

// Structure is an immutable canonicalized problem layout, safe to share
// across concurrent solves.
type Structure = problem.Structure

// Expr is an affine expression over named parameters.
type Expr = problem.Expr

// ParamRef is an expression referencing a declared parameter.
type ParamRef = problem.ParamRef

// DataGrads holds gradients with respect to standard-form data fields.
type DataGrads = problem.DataGrads

// NewBuilder creates an empty problem builder.
func NewBuilder() *Builder {
	return problem.NewBuilder()
}

// Constant wraps a fixed array as an expression. The array is copied.
func Constant(value *dense.Array) Expr {
	return problem.Constant(value)
}

// Scale multiplies an expression by a fixed coefficient.
func Scale(c float64, e Expr) Expr {
	return problem.Scale(c, e)
}

// Neg negates an expression.
func Neg(e Expr) Expr {
	return problem.Neg(e)
}

// Sum adds expressions of identical shape.
func Sum(terms ...Expr) Expr {
	return problem.Sum(terms...)
}
