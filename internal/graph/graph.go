// Package graph implements a small reverse-mode gradient tape over dense
// arrays. It exists so a surrounding computation can chain gradients
// through the optimization layer without knowing anything about the
// internal solve: the layer registers as a single Operation whose backward
// is the implicit-differentiation solve.
package graph

import (
	"fmt"

	"github.com/diffopt-ml/diffopt/internal/dense"
)

// Operation is one differentiable node recorded on the tape.
//
// Backward receives the gradient of the loss with respect to the
// operation's output and returns one gradient per input, aligned with
// Inputs(). A nil entry means no gradient flows to that input.
type Operation interface {
	Inputs() []*dense.Array
	Output() *dense.Array
	Backward(outputGrad *dense.Array) []*dense.Array
}

// Tape records operations during the forward pass and computes gradients
// by walking them in reverse.
type Tape struct {
	operations []Operation
	recording  bool
}

// NewTape creates a new gradient tape.
func NewTape() *Tape {
	return &Tape{operations: make([]Operation, 0, 16)}
}

// StartRecording enables operation recording.
func (t *Tape) StartRecording() { t.recording = true }

// StopRecording disables operation recording.
func (t *Tape) StopRecording() { t.recording = false }

// IsRecording returns true if the tape is currently recording.
func (t *Tape) IsRecording() bool { return t.recording }

// Record adds an operation to the tape if recording is enabled.
func (t *Tape) Record(op Operation) {
	if t.recording {
		t.operations = append(t.operations, op)
	}
}

// Clear resets the tape. Recording state is preserved.
func (t *Tape) Clear() {
	t.operations = t.operations[:0]
}

// NumOps returns the number of recorded operations.
func (t *Tape) NumOps() int { return len(t.operations) }

// Backward computes gradients for every array reachable from the last
// recorded operation, seeding its output with outputGrad. Gradients for
// arrays used by several operations are accumulated.
func (t *Tape) Backward(outputGrad *dense.Array) map[*dense.Array]*dense.Array {
	grads := make(map[*dense.Array]*dense.Array)
	if len(t.operations) == 0 {
		return grads
	}
	last := t.operations[len(t.operations)-1]
	grads[last.Output()] = outputGrad

	for i := len(t.operations) - 1; i >= 0; i-- {
		op := t.operations[i]
		outGrad, ok := grads[op.Output()]
		if !ok {
			continue
		}
		inputGrads := op.Backward(outGrad)
		inputs := op.Inputs()
		for j, input := range inputs {
			if j >= len(inputGrads) || inputGrads[j] == nil {
				continue
			}
			if existing, ok := grads[input]; ok {
				dense.Axpy(1, inputGrads[j].Data(), existing.Data())
			} else {
				grads[input] = inputGrads[j]
			}
		}
	}
	return grads
}

// Add records and evaluates element-wise a + b.
func (t *Tape) Add(a, b *dense.Array) *dense.Array {
	out := elementwise("graph: Add", a, b, func(x, y float64) float64 { return x + y })
	t.Record(&addOp{inputs: []*dense.Array{a, b}, output: out})
	return out
}

// Sub records and evaluates element-wise a - b.
func (t *Tape) Sub(a, b *dense.Array) *dense.Array {
	out := elementwise("graph: Sub", a, b, func(x, y float64) float64 { return x - y })
	t.Record(&subOp{inputs: []*dense.Array{a, b}, output: out})
	return out
}

// Scale records and evaluates c·a for a fixed scalar c.
func (t *Tape) Scale(c float64, a *dense.Array) *dense.Array {
	out := a.Clone()
	dense.Scal(c, out.Data())
	t.Record(&scaleOp{c: c, inputs: []*dense.Array{a}, output: out})
	return out
}

// SumSquares records and evaluates the scalar Σᵢ aᵢ².
func (t *Tape) SumSquares(a *dense.Array) *dense.Array {
	sum := 0.0
	for _, v := range a.Data() {
		sum += v * v
	}
	out := dense.Zeros(dense.Shape{})
	out.Data()[0] = sum
	t.Record(&sumSquaresOp{inputs: []*dense.Array{a}, output: out})
	return out
}

type addOp struct {
	inputs []*dense.Array
	output *dense.Array
}

func (op *addOp) Inputs() []*dense.Array { return op.inputs }
func (op *addOp) Output() *dense.Array   { return op.output }

func (op *addOp) Backward(outputGrad *dense.Array) []*dense.Array {
	return []*dense.Array{outputGrad.Clone(), outputGrad.Clone()}
}

type subOp struct {
	inputs []*dense.Array
	output *dense.Array
}

func (op *subOp) Inputs() []*dense.Array { return op.inputs }
func (op *subOp) Output() *dense.Array   { return op.output }

func (op *subOp) Backward(outputGrad *dense.Array) []*dense.Array {
	neg := outputGrad.Clone()
	dense.Scal(-1, neg.Data())
	return []*dense.Array{outputGrad.Clone(), neg}
}

type scaleOp struct {
	c      float64
	inputs []*dense.Array
	output *dense.Array
}

func (op *scaleOp) Inputs() []*dense.Array { return op.inputs }
func (op *scaleOp) Output() *dense.Array   { return op.output }

func (op *scaleOp) Backward(outputGrad *dense.Array) []*dense.Array {
	g := outputGrad.Clone()
	dense.Scal(op.c, g.Data())
	return []*dense.Array{g}
}

type sumSquaresOp struct {
	inputs []*dense.Array
	output *dense.Array
}

func (op *sumSquaresOp) Inputs() []*dense.Array { return op.inputs }
func (op *sumSquaresOp) Output() *dense.Array   { return op.output }

// Backward: d(Σ aᵢ²)/daᵢ = 2·aᵢ, scaled by the upstream scalar.
func (op *sumSquaresOp) Backward(outputGrad *dense.Array) []*dense.Array {
	scale := 2 * outputGrad.Data()[0]
	g := op.inputs[0].Clone()
	dense.Scal(scale, g.Data())
	return []*dense.Array{g}
}

func elementwise(what string, a, b *dense.Array, f func(x, y float64) float64) *dense.Array {
	if !a.Shape().Equal(b.Shape()) {
		panic(fmt.Sprintf("%s: shape mismatch %v vs %v", what, a.Shape(), b.Shape()))
	}
	out := dense.Zeros(a.Shape())
	ad, bd, od := a.Data(), b.Data(), out.Data()
	for i := range od {
		od[i] = f(ad[i], bd[i])
	}
	return out
}
