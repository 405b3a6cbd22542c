// Copyright 2026 The diffopt Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package dense provides the shaped float64 arrays used throughout
// diffopt for parameter values, variable values, and gradients.
//
// Example:
//
//	t := dense.Vector([]float64{1, 2, 3})
//	m := dense.Eye(3)
package dense

import (
	"github.com/diffopt-ml/diffopt/internal/dense"
)

// Shape represents the dimensions of an array.
// Example: Shape{2, 3} is a 2×3 matrix; Shape{} is a scalar.
type Shape = dense.Shape

// Array is a shaped, row-major float64 array.
type Array = dense.Array

// NewArray creates a zero-filled array with the given shape.
func NewArray(shape Shape) (*Array, error) {
	return dense.NewArray(shape)
}

// FromSlice creates an array from a Go slice. The slice is copied.
func FromSlice(data []float64, shape Shape) (*Array, error) {
	return dense.FromSlice(data, shape)
}

// Zeros creates a zero-filled array. Panics on an invalid shape.
func Zeros(shape Shape) *Array {
	return dense.Zeros(shape)
}

// Full creates an array filled with value.
func Full(shape Shape, value float64) *Array {
	return dense.Full(shape, value)
}

// Eye creates an n×n identity matrix.
func Eye(n int) *Array {
	return dense.Eye(n)
}

// Vector creates a 1-D array from data. The slice is copied.
func Vector(data []float64) *Array {
	return dense.Vector(data)
}
