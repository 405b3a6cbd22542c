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

// boxLayer builds min ½·‖x‖² − pointᵀx over −1 ≤ x ≤ 1. The solution is
// the Euclidean projection of point onto the box, so both the optimum and
// its derivative are known in closed form.
func boxLayer(t *testing.T, n int) *Layer {
	t.Helper()
	b := problem.NewBuilder()
	require.NoError(t, b.Variable("x", n))
	point, err := b.Parameter("point", dense.Shape{n})
	require.NoError(t, err)

	g := dense.Zeros(dense.Shape{2 * n, n})
	h := dense.Full(dense.Shape{2 * n}, 1)
	for i := 0; i < n; i++ {
		g.Set(1, i, i)
		g.Set(-1, n+i, i)
	}
	b.Minimize(problem.Constant(dense.Eye(n)), problem.Neg(point))
	b.SubjectToIneq(problem.Constant(g), problem.Constant(h))

	s, err := b.Build()
	require.NoError(t, err)
	return New(s, solver.DefaultOptions())
}

// infeasibleLayer builds a problem with contradictory bounds x ≤ 1, x ≥ 5.
func infeasibleLayer(t *testing.T) *Layer {
	t.Helper()
	b := problem.NewBuilder()
	require.NoError(t, b.Variable("x", 1))
	q, err := b.Parameter("q", dense.Shape{1})
	require.NoError(t, err)
	b.Minimize(problem.Constant(dense.Eye(1)), q)
	g, err := dense.FromSlice([]float64{1, -1}, dense.Shape{2, 1})
	require.NoError(t, err)
	b.SubjectToIneq(problem.Constant(g), problem.Constant(dense.Vector([]float64{1, -5})))

	s, err := b.Build()
	require.NoError(t, err)
	return New(s, solver.DefaultOptions())
}

func TestForward_Projection(t *testing.T) {
	l := boxLayer(t, 3)
	res, err := l.Forward(context.Background(), map[string]*dense.Array{
		"point": dense.Vector([]float64{2, -0.5, -3}),
	})
	require.NoError(t, err)

	x := res.Values["x"]
	require.NotNil(t, x)
	assert.InDelta(t, 1, x.At(0), 1e-6)
	assert.InDelta(t, -0.5, x.At(1), 1e-6)
	assert.InDelta(t, -1, x.At(2), 1e-6)

	assert.Len(t, res.DualsIneq, 6)
	assert.Empty(t, res.DualsEq)
	assert.False(t, res.Degraded)
	require.NotNil(t, res.Diff)
	assert.False(t, res.Diff.Degraded())
	assert.Greater(t, res.Iterations, 0)
}

func TestForward_Deterministic(t *testing.T) {
	l := boxLayer(t, 2)
	params := map[string]*dense.Array{"point": dense.Vector([]float64{0.4, 1.7})}

	r1, err := l.Forward(context.Background(), params)
	require.NoError(t, err)
	r2, err := l.Forward(context.Background(), params)
	require.NoError(t, err)

	assert.Equal(t, r1.Values["x"].Data(), r2.Values["x"].Data())
	assert.Equal(t, r1.DualsIneq, r2.DualsIneq)

	// Contexts are per-call, never shared.
	assert.NotEqual(t, r1.Diff.ID(), r2.Diff.ID())
}

func TestForward_ShapeErrors(t *testing.T) {
	l := boxLayer(t, 2)
	ctx := context.Background()

	// Missing parameter.
	_, err := l.Forward(ctx, map[string]*dense.Array{})
	var shapeErr *ShapeError
	require.ErrorAs(t, err, &shapeErr)
	assert.Equal(t, "point", shapeErr.Name)

	// Wrong shape.
	_, err = l.Forward(ctx, map[string]*dense.Array{"point": dense.Vector([]float64{1, 2, 3})})
	require.ErrorAs(t, err, &shapeErr)
	assert.Equal(t, dense.Shape{2}, shapeErr.Want)
	assert.Equal(t, dense.Shape{3}, shapeErr.Got)

	// Undeclared parameter alongside valid ones.
	_, err = l.Forward(ctx, map[string]*dense.Array{
		"point": dense.Vector([]float64{1, 2}),
		"extra": dense.Vector([]float64{0}),
	})
	require.ErrorAs(t, err, &shapeErr)
	assert.Equal(t, "extra", shapeErr.Name)
}

func TestForward_InfeasibleStatus(t *testing.T) {
	l := infeasibleLayer(t)
	_, err := l.Forward(context.Background(), map[string]*dense.Array{
		"q": dense.Vector([]float64{0}),
	})
	var statusErr *SolverStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, solver.Infeasible, statusErr.Status)
}

func TestForward_Cancelled(t *testing.T) {
	l := boxLayer(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Forward(ctx, map[string]*dense.Array{"point": dense.Vector([]float64{1, 2})})
	var cancelErr *CancelledError
	require.ErrorAs(t, err, &cancelErr)
	assert.ErrorIs(t, err, context.Canceled)
}

// Mutating a parameter array after Forward must not affect the retained
// differentiation state.
func TestForward_FreezesParameters(t *testing.T) {
	l := boxLayer(t, 2)
	point := dense.Vector([]float64{0.5, 0.5})
	upstream := map[string]*dense.Array{"x": dense.Vector([]float64{1, 1})}

	res, err := l.Forward(context.Background(), map[string]*dense.Array{"point": point})
	require.NoError(t, err)
	point.Fill(1e6)
	grads, err := l.Backward(res.Diff, upstream)
	require.NoError(t, err)

	// Same gradients as an untouched run.
	res2, err := l.Forward(context.Background(), map[string]*dense.Array{
		"point": dense.Vector([]float64{0.5, 0.5}),
	})
	require.NoError(t, err)
	grads2, err := l.Backward(res2.Diff, upstream)
	require.NoError(t, err)

	for i := range grads["point"].Data() {
		assert.InDelta(t, grads2["point"].Data()[i], grads["point"].Data()[i], 1e-9)
	}
}
