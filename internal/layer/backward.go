package layer

import (
	"math"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/diffopt-ml/diffopt/internal/dense"
	"github.com/diffopt-ml/diffopt/internal/linalg"
	"github.com/diffopt-ml/diffopt/internal/problem"
	"github.com/diffopt-ml/diffopt/internal/solver"
)

// DiffContext captures everything one backward pass needs: the retained
// standard-form data, the primal-dual solution, and the degraded-accuracy
// tag. A context is valid only for the solution it was derived from and
// is consumed by exactly one Backward call.
type DiffContext struct {
	id       uuid.UUID
	layer    *Layer
	data     *solver.FormData
	sol      *solver.Solution
	degraded bool
	consumed atomic.Bool
}

// ID returns the context's unique identifier, useful for log correlation
// in batch runs.
func (c *DiffContext) ID() uuid.UUID { return c.id }

// Degraded reports whether the forward solve converged only to reduced
// accuracy.
func (c *DiffContext) Degraded() bool { return c.degraded }

// Backward computes gradients of the loss with respect to every declared
// parameter, given upstream gradients with respect to variables.
//
// The KKT conditions at the retained solution are linearized and the
// transposed (adjoint) system is solved with the packed variable
// gradients as right-hand side; the resulting data-space perturbation is
// pushed through the affine parameter map's adjoint. One linear solve, no
// re-optimization.
//
// The context is consumed: a second call fails with *StateError, as does
// a nil context or one produced by a different layer. Variables absent
// from gradVars contribute zero gradient; unknown names or wrong shapes
// fail with *ShapeError. An ill-conditioned linearization that survives
// regularization fails with *DifferentiationError.
func (l *Layer) Backward(dctx *DiffContext, gradVars map[string]*dense.Array) (map[string]*dense.Array, error) {
	if dctx == nil {
		return nil, &StateError{Op: "backward", Reason: "no forward context (call Forward first)"}
	}
	if dctx.layer != l {
		return nil, &StateError{Op: "backward", Reason: "context belongs to a different layer"}
	}
	if err := l.checkVarGrads(gradVars); err != nil {
		return nil, err
	}
	if !dctx.consumed.CompareAndSwap(false, true) {
		return nil, &StateError{Op: "backward", Reason: "context already consumed (one backward per forward)"}
	}

	dldx := l.structure.PackVarGrads(gradVars)
	dx, dz, dy, err := solveKKTAdjoint(dctx.data, dctx.sol, dldx)
	if err != nil {
		return nil, err
	}

	return l.structure.GradsToParams(dataGrads(dctx.data, dctx.sol, dx, dz, dy)), nil
}

func (l *Layer) checkVarGrads(gradVars map[string]*dense.Array) error {
	for name, g := range gradVars {
		want, ok := l.structure.VarShape(name)
		if !ok {
			return &ShapeError{Name: name}
		}
		if !g.Shape().Equal(want) {
			return &ShapeError{Name: name, Want: want, Got: g.Shape()}
		}
	}
	return nil
}

// solveKKTAdjoint builds the Jacobian of the KKT residual at the solution,
//
//	J = [ P       Gᵀ        Aᵀ ]
//	    [ D(z)·G  D(Gx−h)   0  ]
//	    [ A       0         0  ]
//
// and solves Jᵀ·[dx; dz; dy] = [−dℓ/dx; 0; 0]. At the solution Gx−h = −s,
// so the middle diagonal block uses the retained slacks directly.
func solveKKTAdjoint(data *solver.FormData, sol *solver.Solution, dldx []float64) (dx, dz, dy []float64, err error) {
	n, m, p := data.Dims()
	dim := n + m + p
	k := dense.Zeros(dense.Shape{dim, dim})

	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			k.Set(data.P.At(i, j), i, j)
		}
	}
	for r := 0; r < m; r++ {
		z := sol.Z[r]
		for j := 0; j < n; j++ {
			g := data.G.At(r, j)
			k.Set(g, j, n+r)     // Gᵀ block
			k.Set(z*g, n+r, j)   // D(z)·G block
		}
		k.Set(-sol.S[r], n+r, n+r)
	}
	for r := 0; r < p; r++ {
		for j := 0; j < n; j++ {
			a := data.A.At(r, j)
			k.Set(a, j, n+m+r)   // Aᵀ block
			k.Set(a, n+m+r, j)   // A block
		}
	}

	f, ferr := linalg.Factor(k)
	rcond := 0.0
	if ferr == nil {
		rcond = f.RCond()
	}
	if ferr != nil || rcond < linalg.RCondThreshold {
		// Weakly active constraints make J nearly singular; one
		// regularized retry, then give up loudly.
		delta := linalg.RegScale * math.Max(1, dense.MaxAbs(k))
		f, ferr = linalg.FactorRegularized(k, delta)
		if ferr != nil {
			return nil, nil, nil, &DifferentiationError{Reason: "singular KKT linearization", RCond: 0}
		}
		if rcond = f.RCond(); rcond < linalg.RCondThreshold {
			return nil, nil, nil, &DifferentiationError{
				Reason: "KKT linearization remains ill-conditioned after regularization",
				RCond:  rcond,
			}
		}
	}

	rhs := make([]float64, dim)
	for i := 0; i < n; i++ {
		rhs[i] = -dldx[i]
	}
	u, serr := f.SolveTranspose(rhs)
	if serr != nil {
		return nil, nil, nil, &DifferentiationError{Reason: serr.Error(), RCond: rcond}
	}
	return u[:n], u[n : n+m], u[n+m:], nil
}

// dataGrads evaluates the standard-form data gradients from the adjoint
// solution: ∇P = ½(dx·xᵀ + x·dxᵀ), ∇q = dx, ∇A = dy·xᵀ + y·dxᵀ,
// ∇b = −dy, ∇G = D(z)·dz·xᵀ + z·dxᵀ, ∇h = −z∘dz.
func dataGrads(data *solver.FormData, sol *solver.Solution, dx, dz, dy []float64) problem.DataGrads {
	n, m, p := data.Dims()

	dg := problem.DataGrads{
		P: dense.Zeros(dense.Shape{n, n}),
		Q: append([]float64(nil), dx...),
	}
	dense.AddOuter(dg.P, 0.5, dx, sol.X)
	dense.AddOuter(dg.P, 0.5, sol.X, dx)

	if m > 0 {
		dg.G = dense.Zeros(dense.Shape{m, n})
		zdz := make([]float64, m)
		for i := range zdz {
			zdz[i] = sol.Z[i] * dz[i]
		}
		dense.AddOuter(dg.G, 1, zdz, sol.X)
		dense.AddOuter(dg.G, 1, sol.Z, dx)
		dg.H = make([]float64, m)
		for i := range dg.H {
			dg.H[i] = -zdz[i]
		}
	}
	if p > 0 {
		dg.A = dense.Zeros(dense.Shape{p, n})
		dense.AddOuter(dg.A, 1, dy, sol.X)
		dense.AddOuter(dg.A, 1, sol.Y, dx)
		dg.B = make([]float64, p)
		for i := range dg.B {
			dg.B[i] = -dy[i]
		}
	}
	return dg
}
