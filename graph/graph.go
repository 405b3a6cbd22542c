// Copyright 2026 The diffopt Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package graph provides a minimal gradient tape for composing an
// optimization layer with surrounding differentiable arithmetic.
//
// Operations executed through a recording tape are replayed in reverse
// by Backward, which returns accumulated gradients per input array:
//
//	tape := graph.NewTape()
//	tape.StartRecording()
//	out, _ := lay.Apply(ctx, tape, params, "x")
//	loss := tape.SumSquares(tape.Sub(out, target))
//	grads := tape.Backward(dense.Full(dense.Shape{}, 1))
package graph

import (
	"github.com/diffopt-ml/diffopt/internal/graph"
)

// Operation is one recorded differentiable step.
type Operation = graph.Operation

// Tape records operations for reverse-mode differentiation.
type Tape = graph.Tape

// NewTape creates an empty, non-recording tape.
func NewTape() *Tape {
	return graph.NewTape()
}
