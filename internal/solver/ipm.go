package solver

import (
	"context"
	"fmt"
	"math"

	"github.com/diffopt-ml/diffopt/internal/dense"
	"github.com/diffopt-ml/diffopt/internal/linalg"
)

// Divergence thresholds for the infeasibility and unboundedness
// certificates. An iterate whose multipliers pass dualBlowup is checked
// against the Farkas-type certificate below; a primal iterate passing
// primalBlowup is declared unbounded.
const (
	dualBlowup   = 1e6
	primalBlowup = 1e10
	certTol      = 1e-6
)

// Solve runs a Mehrotra predictor-corrector interior-point method on the
// standard-form data.
//
// Termination is reported through Solution.Status; a non-nil error is
// returned only for cooperative cancellation (wrapping ctx.Err()) and for
// malformed input. A cancelled solve never returns a Solution.
func Solve(ctx context.Context, data *FormData, opts Options) (*Solution, error) {
	opts = opts.withDefaults()
	if err := data.Validate(); err != nil {
		return nil, err
	}

	n, m, p := data.Dims()
	if m == 0 {
		return solveEquality(data, n, p)
	}

	it := newIterate(data, n, m, p)

	for iter := 0; iter < opts.MaxIter; iter++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("solve cancelled at iteration %d: %w", iter, ctx.Err())
		default:
		}

		it.computeResiduals()
		mu := dense.Dot(it.s, it.z) / float64(m)

		if it.relRes() <= opts.Tol && mu <= opts.Tol*it.dnorm {
			return it.solution(Optimal, iter, mu), nil
		}
		if st, ok := it.divergence(certTol); ok {
			return it.solution(st, iter, mu), nil
		}

		kkt, ok := it.factorReduced()
		if !ok {
			return it.solution(SolverError, iter, mu), nil
		}

		// Predictor: pure Newton step toward complementarity zero.
		// Only the slack and multiplier components feed the gap estimate.
		_, _, dsa, dza, err := it.step(kkt, nil)
		if err != nil {
			return it.solution(SolverError, iter, mu), nil
		}
		alphaAff := minStep(maxStep(it.s, dsa), maxStep(it.z, dza))
		muAff := affineGap(it.s, it.z, dsa, dza, alphaAff)

		// Centering parameter, Mehrotra's heuristic.
		sigma := math.Pow(muAff/mu, 3)

		// Corrector: recenter and compensate the predictor's
		// second-order complementarity error.
		ct := make([]float64, m)
		for i := range ct {
			ct[i] = sigma*mu - dsa[i]*dza[i]
		}
		dx, dy, ds, dz, err := it.step(kkt, ct)
		if err != nil {
			return it.solution(SolverError, iter, mu), nil
		}

		alpha := opts.StepScale * minStep(maxStep(it.s, ds), maxStep(it.z, dz))
		if alpha > 1 {
			alpha = 1
		}
		dense.Axpy(alpha, dx, it.x)
		dense.Axpy(alpha, dy, it.y)
		dense.Axpy(alpha, ds, it.s)
		dense.Axpy(alpha, dz, it.z)
	}

	it.computeResiduals()
	mu := dense.Dot(it.s, it.z) / float64(m)
	if it.relRes() <= opts.ReducedTol && mu <= opts.ReducedTol*it.dnorm {
		return it.solution(OptimalInaccurate, opts.MaxIter, mu), nil
	}
	// Relaxed final certificate: the iterate stalled, decide why.
	if st, ok := it.divergence(1e-4); ok {
		return it.solution(st, opts.MaxIter, mu), nil
	}
	return it.solution(SolverError, opts.MaxIter, mu), nil
}

// solveEquality handles m == 0: a single KKT solve, no barrier.
func solveEquality(data *FormData, n, p int) (*Solution, error) {
	dim := n + p
	k := dense.Zeros(dense.Shape{dim, dim})
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			k.Set(data.P.At(i, j), i, j)
		}
	}
	for r := 0; r < p; r++ {
		for j := 0; j < n; j++ {
			v := data.A.At(r, j)
			k.Set(v, n+r, j)
			k.Set(v, j, n+r)
		}
	}
	rhs := make([]float64, dim)
	for i := 0; i < n; i++ {
		rhs[i] = -data.Q[i]
	}
	for r := 0; r < p; r++ {
		rhs[n+r] = data.B[r]
	}

	f, err := linalg.Factor(k)
	if err != nil || f.RCond() < linalg.RCondThreshold {
		f, err = linalg.FactorRegularized(k, linalg.RegScale*math.Max(1, dense.MaxAbs(k)))
		if err != nil {
			return &Solution{Status: Unbounded}, nil
		}
	}
	sol, err := f.Solve(rhs)
	if err != nil {
		return &Solution{Status: SolverError}, nil
	}
	out := &Solution{
		X:      sol[:n],
		Y:      append([]float64(nil), sol[n:]...),
		Z:      []float64{},
		S:      []float64{},
		Status: Optimal,
	}
	return out, nil
}

// iterate holds the interior-point state for one solve.
type iterate struct {
	data    *FormData
	n, m, p int
	dnorm   float64

	x, y, s, z []float64
	rd, rp, rg []float64
}

func newIterate(data *FormData, n, m, p int) *iterate {
	it := &iterate{
		data: data,
		n:    n, m: m, p: p,
		x:  make([]float64, n),
		y:  make([]float64, p),
		s:  make([]float64, m),
		z:  make([]float64, m),
		rd: make([]float64, n),
		rp: make([]float64, p),
		rg: make([]float64, m),
	}
	for i := range it.s {
		it.s[i] = 1
		it.z[i] = 1
	}
	it.dnorm = 1 + dense.InfNorm(data.Q) + dense.MaxAbs(data.P)
	if m > 0 {
		it.dnorm = math.Max(it.dnorm, 1+dense.InfNorm(data.H)+dense.MaxAbs(data.G))
	}
	if p > 0 {
		it.dnorm = math.Max(it.dnorm, 1+dense.InfNorm(data.B)+dense.MaxAbs(data.A))
	}
	return it
}

// computeResiduals refreshes rd, rp, rg at the current iterate.
func (it *iterate) computeResiduals() {
	d := it.data

	// rd = Px + q + Aᵀy + Gᵀz
	dense.MatVec(it.rd, d.P, it.x)
	dense.Axpy(1, d.Q, it.rd)
	if it.p > 0 {
		tmp := make([]float64, it.n)
		dense.MatTVec(tmp, d.A, it.y)
		dense.Axpy(1, tmp, it.rd)
	}
	if it.m > 0 {
		tmp := make([]float64, it.n)
		dense.MatTVec(tmp, d.G, it.z)
		dense.Axpy(1, tmp, it.rd)
	}

	// rp = Ax − b
	if it.p > 0 {
		dense.MatVec(it.rp, d.A, it.x)
		dense.Axpy(-1, d.B, it.rp)
	}

	// rg = Gx + s − h
	if it.m > 0 {
		dense.MatVec(it.rg, d.G, it.x)
		dense.Axpy(1, it.s, it.rg)
		dense.Axpy(-1, d.H, it.rg)
	}
}

func (it *iterate) relRes() float64 {
	r := dense.InfNorm(it.rd)
	r = math.Max(r, dense.InfNorm(it.rp))
	r = math.Max(r, dense.InfNorm(it.rg))
	return r / it.dnorm
}

// divergence checks the Farkas-type infeasibility certificate and primal
// blowup. tol controls how exactly the certificate must hold.
func (it *iterate) divergence(tol float64) (Status, bool) {
	if dense.InfNorm(it.x) > primalBlowup {
		return Unbounded, true
	}
	nrm := dense.InfNorm(it.y) + dense.InfNorm(it.z)
	if nrm < dualBlowup {
		return 0, false
	}
	// Scale-free certificate: Aᵀy + Gᵀz ≈ 0 with bᵀy + hᵀz < 0 proves
	// there is no feasible point.
	res := make([]float64, it.n)
	if it.p > 0 {
		dense.MatTVec(res, it.data.A, it.y)
	}
	if it.m > 0 {
		tmp := make([]float64, it.n)
		dense.MatTVec(tmp, it.data.G, it.z)
		dense.Axpy(1, tmp, res)
	}
	resNorm := dense.InfNorm(res) / nrm
	val := 0.0
	if it.p > 0 {
		val += dense.Dot(it.data.B, it.y)
	}
	if it.m > 0 {
		val += dense.Dot(it.data.H, it.z)
	}
	val /= nrm
	if resNorm <= tol && val < -tol {
		return Infeasible, true
	}
	return 0, false
}

// factorReduced builds and factors the reduced KKT system
//
//	[ P + GᵀDG  Aᵀ ]        D = diag(z/s)
//	[ A          0 ]
//
// retrying once with diagonal regularization when near-singular.
func (it *iterate) factorReduced() (*linalg.LU, bool) {
	n, m, p := it.n, it.m, it.p
	d := it.data
	dim := n + p
	k := dense.Zeros(dense.Shape{dim, dim})

	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			k.Set(d.P.At(i, j), i, j)
		}
	}
	for r := 0; r < m; r++ {
		w := it.z[r] / it.s[r]
		for i := 0; i < n; i++ {
			gri := d.G.At(r, i)
			if gri == 0 {
				continue
			}
			for j := 0; j < n; j++ {
				k.Set(k.At(i, j)+w*gri*d.G.At(r, j), i, j)
			}
		}
	}
	for r := 0; r < p; r++ {
		for j := 0; j < n; j++ {
			v := d.A.At(r, j)
			k.Set(v, n+r, j)
			k.Set(v, j, n+r)
		}
	}

	f, err := linalg.Factor(k)
	if err != nil || f.RCond() < linalg.RCondThreshold {
		f, err = linalg.FactorRegularized(k, linalg.RegScale*math.Max(1, dense.MaxAbs(k)))
		if err != nil {
			return nil, false
		}
	}
	return f, true
}

// step solves the Newton system for a complementarity target ct
// (nil means zero, the affine predictor).
func (it *iterate) step(kkt *linalg.LU, ct []float64) (dx, dy, ds, dz []float64, err error) {
	n, m, p := it.n, it.m, it.p

	// w = S⁻¹(ct − s∘z + z∘rg), folded inequality rows.
	w := make([]float64, m)
	for i := 0; i < m; i++ {
		c := 0.0
		if ct != nil {
			c = ct[i]
		}
		w[i] = (c - it.s[i]*it.z[i] + it.z[i]*it.rg[i]) / it.s[i]
	}

	rhs := make([]float64, n+p)
	dense.MatTVec(rhs[:n], it.data.G, w)
	for i := 0; i < n; i++ {
		rhs[i] = -it.rd[i] - rhs[i]
	}
	for r := 0; r < p; r++ {
		rhs[n+r] = -it.rp[r]
	}

	sol, err := kkt.Solve(rhs)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	dx = sol[:n]
	dy = append([]float64(nil), sol[n:]...)

	gdx := make([]float64, m)
	dense.MatVec(gdx, it.data.G, dx)
	ds = make([]float64, m)
	dz = make([]float64, m)
	for i := 0; i < m; i++ {
		ds[i] = -it.rg[i] - gdx[i]
		dz[i] = w[i] + (it.z[i]/it.s[i])*gdx[i]
	}
	return dx, dy, ds, dz, nil
}

func (it *iterate) solution(st Status, iters int, mu float64) *Solution {
	return &Solution{
		X:          append([]float64(nil), it.x...),
		Y:          append([]float64(nil), it.y...),
		Z:          append([]float64(nil), it.z...),
		S:          append([]float64(nil), it.s...),
		Status:     st,
		Iterations: iters,
		Gap:        mu,
		PrimalRes:  math.Max(dense.InfNorm(it.rp), dense.InfNorm(it.rg)),
		DualRes:    dense.InfNorm(it.rd),
	}
}

// maxStep returns the largest alpha in (0, 1] with v + alpha·dv ≥ 0.
func maxStep(v, dv []float64) float64 {
	alpha := 1.0
	for i, d := range dv {
		if d < 0 {
			if a := -v[i] / d; a < alpha {
				alpha = a
			}
		}
	}
	return alpha
}

func minStep(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// affineGap evaluates the complementarity gap after the predictor step.
func affineGap(s, z, ds, dz []float64, alpha float64) float64 {
	sum := 0.0
	for i := range s {
		sum += (s[i] + alpha*ds[i]) * (z[i] + alpha*dz[i])
	}
	return sum / float64(len(s))
}
