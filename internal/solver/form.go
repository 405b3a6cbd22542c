// Package solver implements a primal-dual interior-point method for
// standard-form quadratic programs:
//
//	minimize    ½·xᵀPx + qᵀx
//	subject to  A·x = b
//	            G·x + s = h,  s ≥ 0
//
// This is the standard form the problem package canonicalizes into and the
// only contract the layer relies on: solve(data) -> (primal, dual, status).
package solver

import (
	"fmt"

	"github.com/diffopt-ml/diffopt/internal/dense"
)

// Status reports how a solve terminated.
type Status int

// Solver termination statuses.
const (
	Optimal Status = iota
	OptimalInaccurate
	Infeasible
	Unbounded
	SolverError
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case Optimal:
		return "optimal"
	case OptimalInaccurate:
		return "optimal_inaccurate"
	case Infeasible:
		return "infeasible"
	case Unbounded:
		return "unbounded"
	case SolverError:
		return "solver_error"
	default:
		return "unknown"
	}
}

// FormData is the numeric standard-form problem data for one solve.
//
// A/B and G/H may be nil/empty when the problem has no equality or
// inequality constraints. P must be symmetric positive semidefinite;
// the solver does not verify symmetry.
type FormData struct {
	P *dense.Array // (n, n) quadratic objective term
	Q []float64    // (n) linear objective term
	A *dense.Array // (p, n) equality constraint matrix, nil when p == 0
	B []float64    // (p) equality right-hand side
	G *dense.Array // (m, n) inequality constraint matrix, nil when m == 0
	H []float64    // (m) inequality right-hand side
}

// Dims returns (n, m, p): variables, inequality rows, equality rows.
func (d *FormData) Dims() (n, m, p int) {
	n = len(d.Q)
	if d.G != nil {
		m = d.G.Rows()
	}
	if d.A != nil {
		p = d.A.Rows()
	}
	return n, m, p
}

// Validate checks that all dimensions are mutually consistent.
func (d *FormData) Validate() error {
	n, m, p := d.Dims()
	if n == 0 {
		return fmt.Errorf("form: no variables")
	}
	if d.P == nil || d.P.Rows() != n || d.P.Cols() != n {
		return fmt.Errorf("form: P must be %dx%d", n, n)
	}
	if m > 0 {
		if d.G.Cols() != n {
			return fmt.Errorf("form: G has %d columns, want %d", d.G.Cols(), n)
		}
		if len(d.H) != m {
			return fmt.Errorf("form: h has length %d, want %d", len(d.H), m)
		}
	}
	if p > 0 {
		if d.A.Cols() != n {
			return fmt.Errorf("form: A has %d columns, want %d", d.A.Cols(), n)
		}
		if len(d.B) != p {
			return fmt.Errorf("form: b has length %d, want %d", len(d.B), p)
		}
	}
	return nil
}

// Clone deep-copies the problem data.
func (d *FormData) Clone() *FormData {
	out := &FormData{
		P: d.P.Clone(),
		Q: append([]float64(nil), d.Q...),
	}
	if d.A != nil {
		out.A = d.A.Clone()
		out.B = append([]float64(nil), d.B...)
	}
	if d.G != nil {
		out.G = d.G.Clone()
		out.H = append([]float64(nil), d.H...)
	}
	return out
}

// Solution is a primal-dual point returned by the solver.
type Solution struct {
	X []float64 // Primal variables (n)
	Y []float64 // Equality multipliers (p)
	Z []float64 // Inequality multipliers (m), nonnegative
	S []float64 // Inequality slacks (m), nonnegative

	Status     Status
	Iterations int
	Gap        float64 // Final average complementarity sᵀz/m
	PrimalRes  float64 // Final primal residual (inf norm)
	DualRes    float64 // Final dual residual (inf norm)
}
