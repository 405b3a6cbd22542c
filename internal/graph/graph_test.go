package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diffopt-ml/diffopt/internal/dense"
)

func seed() *dense.Array {
	return dense.Full(dense.Shape{}, 1)
}

func TestTape_Recording(t *testing.T) {
	tape := NewTape()
	a := dense.Vector([]float64{1, 2})
	b := dense.Vector([]float64{3, 4})

	// Not recording: ops evaluate but are not retained.
	out := tape.Add(a, b)
	assert.Equal(t, []float64{4, 6}, out.Data())
	assert.Equal(t, 0, tape.NumOps())

	tape.StartRecording()
	assert.True(t, tape.IsRecording())
	tape.Add(a, b)
	assert.Equal(t, 1, tape.NumOps())

	tape.Clear()
	assert.Equal(t, 0, tape.NumOps())
	assert.True(t, tape.IsRecording())
}

func TestTape_OpValues(t *testing.T) {
	tape := NewTape()
	a := dense.Vector([]float64{1, -2})
	b := dense.Vector([]float64{0.5, 1})

	assert.Equal(t, []float64{1.5, -1}, tape.Add(a, b).Data())
	assert.Equal(t, []float64{0.5, -3}, tape.Sub(a, b).Data())
	assert.Equal(t, []float64{2, -4}, tape.Scale(2, a).Data())

	s := tape.SumSquares(a)
	assert.Equal(t, dense.Shape{}, s.Shape())
	assert.Equal(t, 5.0, s.At())
}

func TestTape_BackwardSumSquares(t *testing.T) {
	tape := NewTape()
	tape.StartRecording()

	a := dense.Vector([]float64{1, -2, 3})
	tape.SumSquares(a)

	grads := tape.Backward(seed())
	require.Contains(t, grads, a)
	assert.Equal(t, []float64{2, -4, 6}, grads[a].Data())
}

// loss = Σ (a − b)², so dl/da = 2(a−b) and dl/db = −2(a−b).
func TestTape_BackwardChain(t *testing.T) {
	tape := NewTape()
	tape.StartRecording()

	a := dense.Vector([]float64{2, 1})
	b := dense.Vector([]float64{0.5, 2})
	tape.SumSquares(tape.Sub(a, b))

	grads := tape.Backward(seed())
	assert.Equal(t, []float64{3, -2}, grads[a].Data())
	assert.Equal(t, []float64{-3, 2}, grads[b].Data())
}

// An array feeding two operations accumulates both contributions:
// loss = ΣΣ (a + a)² gives dl/da = 8a.
func TestTape_BackwardAccumulates(t *testing.T) {
	tape := NewTape()
	tape.StartRecording()

	a := dense.Vector([]float64{1, -1})
	tape.SumSquares(tape.Add(a, a))

	grads := tape.Backward(seed())
	assert.Equal(t, []float64{8, -8}, grads[a].Data())
}

func TestTape_BackwardScale(t *testing.T) {
	tape := NewTape()
	tape.StartRecording()

	a := dense.Vector([]float64{3})
	tape.SumSquares(tape.Scale(-2, a))

	// loss = (−2a)² = 4a², dl/da = 8a = 24.
	grads := tape.Backward(seed())
	assert.Equal(t, []float64{24}, grads[a].Data())
}

func TestTape_BackwardEmpty(t *testing.T) {
	tape := NewTape()
	grads := tape.Backward(seed())
	assert.Empty(t, grads)
}

func TestTape_AddShapeMismatchPanics(t *testing.T) {
	tape := NewTape()
	assert.Panics(t, func() {
		tape.Add(dense.Vector([]float64{1}), dense.Vector([]float64{1, 2}))
	})
}
