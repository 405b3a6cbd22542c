package layer

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diffopt-ml/diffopt/internal/dense"
	"github.com/diffopt-ml/diffopt/internal/problem"
	"github.com/diffopt-ml/diffopt/internal/solver"
)

// Interior solution: projection is the identity there, so dℓ/dpoint
// equals the upstream gradient exactly.
func TestBackward_InteriorIsIdentity(t *testing.T) {
	l := boxLayer(t, 3)
	res, err := l.Forward(context.Background(), map[string]*dense.Array{
		"point": dense.Vector([]float64{0.2, -0.3, 0.1}),
	})
	require.NoError(t, err)

	upstream := []float64{1, 2, -3}
	grads, err := l.Backward(res.Diff, map[string]*dense.Array{"x": dense.Vector(upstream)})
	require.NoError(t, err)

	g := grads["point"].Data()
	for i := range upstream {
		assert.InDelta(t, upstream[i], g[i], 1e-5, "grad[%d]", i)
	}
}

// Clamped coordinates have zero derivative: the projection is constant
// in the direction of a strictly active bound.
func TestBackward_ActiveBoundBlocksGradient(t *testing.T) {
	l := boxLayer(t, 2)
	res, err := l.Forward(context.Background(), map[string]*dense.Array{
		"point": dense.Vector([]float64{3, 0.5}),
	})
	require.NoError(t, err)

	grads, err := l.Backward(res.Diff, map[string]*dense.Array{
		"x": dense.Vector([]float64{1, 1}),
	})
	require.NoError(t, err)

	g := grads["point"].Data()
	assert.InDelta(t, 0, g[0], 1e-4)
	assert.InDelta(t, 1, g[1], 1e-5)
}

// Central finite differences over the full parameter vector, on a
// problem with an equality constraint and curvature in P.
func TestBackward_FiniteDifference(t *testing.T) {
	build := func() *Layer {
		b := problem.NewBuilder()
		require.NoError(t, b.Variable("x", 3))
		q, err := b.Parameter("q", dense.Shape{3})
		require.NoError(t, err)

		p, err := dense.FromSlice([]float64{
			3, 1, 0,
			1, 2, 0.5,
			0, 0.5, 4,
		}, dense.Shape{3, 3})
		require.NoError(t, err)
		a := dense.Full(dense.Shape{1, 3}, 1)
		g := dense.Zeros(dense.Shape{3, 3})
		for i := 0; i < 3; i++ {
			g.Set(-1, i, i)
		}
		b.Minimize(problem.Constant(p), q)
		b.SubjectToEq(problem.Constant(a), problem.Constant(dense.Vector([]float64{1})))
		b.SubjectToIneq(problem.Constant(g), problem.Constant(dense.Zeros(dense.Shape{3})))

		s, err := b.Build()
		require.NoError(t, err)
		return New(s, solver.DefaultOptions())
	}
	l := build()
	ctx := context.Background()

	qVals := []float64{0.3, -0.8, 0.5}
	w := []float64{1.5, -0.7, 0.4}

	loss := func(q []float64) float64 {
		res, err := l.Forward(ctx, map[string]*dense.Array{"q": dense.Vector(q)})
		require.NoError(t, err)
		x := res.Values["x"].Data()
		sum := 0.0
		for i := range x {
			sum += w[i] * x[i]
		}
		return sum
	}

	res, err := l.Forward(ctx, map[string]*dense.Array{"q": dense.Vector(qVals)})
	require.NoError(t, err)
	grads, err := l.Backward(res.Diff, map[string]*dense.Array{"x": dense.Vector(w)})
	require.NoError(t, err)
	analytic := grads["q"].Data()

	// Step large enough that solver tolerance noise does not dominate
	// the divided difference.
	eps := 1e-4
	for i := range qVals {
		plus := append([]float64(nil), qVals...)
		plus[i] += eps
		minus := append([]float64(nil), qVals...)
		minus[i] -= eps
		numeric := (loss(plus) - loss(minus)) / (2 * eps)
		assert.InDeltaf(t, numeric, analytic[i], 1e-4,
			"dq[%d]: numeric %g vs analytic %g", i, numeric, analytic[i])
	}
}

// Gradients flow through matrix-valued parameters too: here h is the
// parametric right-hand side of an active bound.
func TestBackward_RHSParameter(t *testing.T) {
	b := problem.NewBuilder()
	require.NoError(t, b.Variable("x", 1))
	h, err := b.Parameter("h", dense.Shape{1})
	require.NoError(t, err)
	b.Minimize(problem.Constant(dense.Eye(1)), problem.Constant(dense.Vector([]float64{-5})))
	b.SubjectToIneq(problem.Constant(dense.Full(dense.Shape{1, 1}, 1)), h)
	s, err := b.Build()
	require.NoError(t, err)
	l := New(s, solver.DefaultOptions())

	ctx := context.Background()
	// min ½x² − 5x s.t. x ≤ h. For h < 5 the bound is active: x* = h,
	// so dx*/dh = 1.
	res, err := l.Forward(ctx, map[string]*dense.Array{"h": dense.Vector([]float64{2})})
	require.NoError(t, err)
	assert.InDelta(t, 2, res.Values["x"].At(0), 1e-6)

	grads, err := l.Backward(res.Diff, map[string]*dense.Array{"x": dense.Vector([]float64{1})})
	require.NoError(t, err)
	assert.InDelta(t, 1, grads["h"].At(0), 1e-5)
}

func TestBackward_SingleUse(t *testing.T) {
	l := boxLayer(t, 2)
	res, err := l.Forward(context.Background(), map[string]*dense.Array{
		"point": dense.Vector([]float64{0.1, 0.2}),
	})
	require.NoError(t, err)

	upstream := map[string]*dense.Array{"x": dense.Vector([]float64{1, 0})}
	_, err = l.Backward(res.Diff, upstream)
	require.NoError(t, err)

	_, err = l.Backward(res.Diff, upstream)
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Contains(t, stateErr.Reason, "consumed")
}

func TestBackward_NilAndForeignContext(t *testing.T) {
	l := boxLayer(t, 2)
	upstream := map[string]*dense.Array{"x": dense.Vector([]float64{1, 0})}

	var stateErr *StateError
	_, err := l.Backward(nil, upstream)
	require.ErrorAs(t, err, &stateErr)

	// A context from a second layer over the same structure is rejected.
	other := New(l.Structure(), solver.DefaultOptions())
	res, err := other.Forward(context.Background(), map[string]*dense.Array{
		"point": dense.Vector([]float64{0.1, 0.2}),
	})
	require.NoError(t, err)
	_, err = l.Backward(res.Diff, upstream)
	require.ErrorAs(t, err, &stateErr)
}

// A rejected gradient shape must not consume the context.
func TestBackward_BadGradShapeLeavesContextUsable(t *testing.T) {
	l := boxLayer(t, 2)
	res, err := l.Forward(context.Background(), map[string]*dense.Array{
		"point": dense.Vector([]float64{0.1, 0.2}),
	})
	require.NoError(t, err)

	var shapeErr *ShapeError
	_, err = l.Backward(res.Diff, map[string]*dense.Array{"x": dense.Vector([]float64{1})})
	require.ErrorAs(t, err, &shapeErr)
	_, err = l.Backward(res.Diff, map[string]*dense.Array{"bogus": dense.Vector([]float64{1, 0})})
	require.ErrorAs(t, err, &shapeErr)

	_, err = l.Backward(res.Diff, map[string]*dense.Array{"x": dense.Vector([]float64{1, 0})})
	assert.NoError(t, err)
}

// Variables omitted from gradVars contribute zero upstream gradient.
func TestBackward_MissingVarGradIsZero(t *testing.T) {
	l := boxLayer(t, 2)
	res, err := l.Forward(context.Background(), map[string]*dense.Array{
		"point": dense.Vector([]float64{0.1, 0.2}),
	})
	require.NoError(t, err)

	grads, err := l.Backward(res.Diff, map[string]*dense.Array{})
	require.NoError(t, err)
	for _, v := range grads["point"].Data() {
		assert.InDelta(t, 0, v, 1e-9)
	}
}

// A point exactly on the bound makes the constraint weakly active
// (slack and multiplier both vanish), so the KKT linearization is
// singular. The regularized retry must still produce finite gradients.
func TestBackward_WeaklyActiveBound(t *testing.T) {
	l := boxLayer(t, 1)
	res, err := l.Forward(context.Background(), map[string]*dense.Array{
		"point": dense.Vector([]float64{1.0}),
	})
	require.NoError(t, err)

	grads, err := l.Backward(res.Diff, map[string]*dense.Array{
		"x": dense.Vector([]float64{1}),
	})
	require.NoError(t, err)
	g := grads["point"].At(0)
	assert.False(t, math.IsNaN(g))
	assert.False(t, math.IsInf(g, 0))
}

// Non-finite retained data defeats both the plain and the regularized
// factorization; the failure must surface as DifferentiationError
// rather than NaN gradients.
func TestSolveKKTAdjoint_NonFiniteData(t *testing.T) {
	data := &solver.FormData{
		P: dense.Full(dense.Shape{1, 1}, math.NaN()),
		Q: []float64{0},
	}
	sol := &solver.Solution{X: []float64{0}}

	_, _, _, err := solveKKTAdjoint(data, sol, []float64{1})
	var diffErr *DifferentiationError
	require.ErrorAs(t, err, &diffErr)
}

func TestDifferentiationError_Format(t *testing.T) {
	err := &DifferentiationError{Reason: "degenerate active set", RCond: 1e-15}
	assert.Contains(t, err.Error(), "degenerate active set")
	assert.Contains(t, err.Error(), "1.000e-15")
}
