package layer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diffopt-ml/diffopt/internal/dense"
	"github.com/diffopt-ml/diffopt/internal/problem"
	"github.com/diffopt-ml/diffopt/internal/solver"
)

// boundedLayer builds min ½x² + qx subject to 0 ≤ x ≤ ub with parametric
// q and ub, so single assignments can be made infeasible (ub < 0).
func boundedLayer(t *testing.T) *Layer {
	t.Helper()
	b := problem.NewBuilder()
	require.NoError(t, b.Variable("x", 1))
	q, err := b.Parameter("q", dense.Shape{1})
	require.NoError(t, err)
	ub, err := b.Parameter("ub", dense.Shape{1})
	require.NoError(t, err)

	b.Minimize(problem.Constant(dense.Eye(1)), q)
	b.SubjectToIneq(problem.Constant(dense.Full(dense.Shape{1, 1}, 1)), ub)
	b.SubjectToIneq(problem.Constant(dense.Full(dense.Shape{1, 1}, -1)), problem.Constant(dense.Zeros(dense.Shape{1})))

	s, err := b.Build()
	require.NoError(t, err)
	return New(s, solver.DefaultOptions())
}

func assign(q, ub float64) Assignment {
	return Assignment{
		"q":  dense.Vector([]float64{q}),
		"ub": dense.Vector([]float64{ub}),
	}
}

func TestForwardBatch_IsolatesFailures(t *testing.T) {
	l := boundedLayer(t)
	assigns := []Assignment{
		assign(-1, 2),  // interior optimum x = 1
		assign(0, -3),  // infeasible: 0 ≤ x ≤ −3
		assign(-10, 2), // bound active: x = 2
	}

	batch := l.ForwardBatch(context.Background(), assigns, BatchOptions{Workers: 2})
	require.Len(t, batch.Elements, 3)

	assert.Equal(t, []int{1}, batch.Failed())

	e0 := batch.Elements[0]
	require.NoError(t, e0.Err)
	require.NotNil(t, e0.Result)
	assert.Equal(t, 0, e0.Index)
	assert.InDelta(t, 1, e0.Result.Values["x"].At(0), 1e-6)

	var statusErr *SolverStatusError
	require.ErrorAs(t, batch.Elements[1].Err, &statusErr)
	assert.Equal(t, solver.Infeasible, statusErr.Status)
	assert.Nil(t, batch.Elements[1].Result)

	e2 := batch.Elements[2]
	require.NoError(t, e2.Err)
	assert.InDelta(t, 2, e2.Result.Values["x"].At(0), 1e-6)

	// Every element carries its own context and identity.
	assert.NotEqual(t, e0.ID, e2.ID)
	assert.NotSame(t, e0.Result.Diff, e2.Result.Diff)
}

func TestForwardBatch_MatchesSequential(t *testing.T) {
	l := boundedLayer(t)
	assigns := []Assignment{
		assign(-0.5, 3),
		assign(-2.5, 3),
		assign(0.3, 1),
	}

	batch := l.ForwardBatch(context.Background(), assigns, BatchOptions{Workers: 3})
	for i, a := range assigns {
		seq, err := l.Forward(context.Background(), a)
		require.NoError(t, err)
		require.NoError(t, batch.Elements[i].Err)
		assert.Equal(t, seq.Values["x"].Data(), batch.Elements[i].Result.Values["x"].Data(), "element %d", i)
	}
}

func TestForwardBatch_Cancelled(t *testing.T) {
	l := boundedLayer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	batch := l.ForwardBatch(ctx, []Assignment{assign(-1, 2), assign(-2, 2)}, BatchOptions{})
	for _, e := range batch.Elements {
		var cancelErr *CancelledError
		assert.ErrorAs(t, e.Err, &cancelErr)
	}
}

func TestBackwardBatch(t *testing.T) {
	l := boundedLayer(t)
	assigns := []Assignment{
		assign(-1, 2), // interior: dx/dq = −1
		assign(0, -3), // infeasible
	}

	batch := l.ForwardBatch(context.Background(), assigns, BatchOptions{})
	gradVars := []map[string]*dense.Array{
		{"x": dense.Vector([]float64{1})},
		{"x": dense.Vector([]float64{1})},
	}
	grads := l.BackwardBatch(context.Background(), batch, gradVars, BatchOptions{})
	require.Len(t, grads, 2)

	require.NoError(t, grads[0].Err)
	assert.InDelta(t, -1, grads[0].Grads["q"].At(0), 1e-5)

	// The forward failure is carried through.
	var statusErr *SolverStatusError
	require.ErrorAs(t, grads[1].Err, &statusErr)
	assert.Nil(t, grads[1].Grads)
}

func TestBackwardBatch_ConsumesContexts(t *testing.T) {
	l := boundedLayer(t)
	batch := l.ForwardBatch(context.Background(), []Assignment{assign(-1, 2)}, BatchOptions{})
	gradVars := []map[string]*dense.Array{{"x": dense.Vector([]float64{1})}}

	first := l.BackwardBatch(context.Background(), batch, gradVars, BatchOptions{})
	require.NoError(t, first[0].Err)

	second := l.BackwardBatch(context.Background(), batch, gradVars, BatchOptions{})
	var stateErr *StateError
	require.ErrorAs(t, second[0].Err, &stateErr)
}
