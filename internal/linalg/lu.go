// Package linalg provides the dense factorizations behind the solver's
// Newton steps and the layer's implicit-differentiation solve.
//
// Everything here is plain LU with partial pivoting. The KKT linearization
// at an optimal point is square but unsymmetric (the complementarity rows
// are scaled by the duals), so a symmetric-indefinite factorization would
// not apply anyway.
package linalg

import (
	"fmt"
	"math"

	"github.com/diffopt-ml/diffopt/internal/dense"
)

// Conditioning policy for KKT linearizations.
//
// RCond is estimated from the LU diagonal as min|U[i,i]| / max|U[i,i]|.
// Factorizations below RCondThreshold are retried once with a Tikhonov
// shift of RegScale times the matrix max-norm on the diagonal; if the
// regularized factorization still falls below the threshold the caller
// must fail rather than return meaningless values.
const (
	RCondThreshold = 1e-12
	RegScale       = 1e-10
)

// LU is an LU factorization with partial pivoting: P·A = L·U.
type LU struct {
	lu  *dense.Array // Packed L (unit diagonal, below) and U (on and above)
	piv []int        // Row swap at each elimination step
	n   int
}

// Factor computes the LU factorization of a square matrix.
// The input is copied; a is not modified.
//
// A structurally singular matrix (zero pivot column) returns an error.
// Near-singularity does not: inspect RCond.
func Factor(a *dense.Array) (*LU, error) {
	n := a.Rows()
	if a.Cols() != n {
		return nil, fmt.Errorf("lu: matrix is %dx%d, want square", a.Rows(), a.Cols())
	}

	f := &LU{
		lu:  a.Clone(),
		piv: make([]int, n),
		n:   n,
	}
	m := f.lu.Data()

	for k := 0; k < n; k++ {
		// Partial pivoting: largest magnitude in column k at or below row k.
		p := k
		maxVal := math.Abs(m[k*n+k])
		for i := k + 1; i < n; i++ {
			if v := math.Abs(m[i*n+k]); v > maxVal {
				maxVal = v
				p = i
			}
		}
		f.piv[k] = p
		if p != k {
			swapRows(m, n, k, p)
		}

		pivot := m[k*n+k]
		if pivot == 0 {
			return nil, fmt.Errorf("lu: singular matrix (zero pivot at column %d)", k)
		}

		for i := k + 1; i < n; i++ {
			l := m[i*n+k] / pivot
			m[i*n+k] = l
			if l == 0 {
				continue
			}
			for j := k + 1; j < n; j++ {
				m[i*n+j] -= l * m[k*n+j]
			}
		}
	}

	return f, nil
}

// FactorRegularized factors a + delta·I. The input is not modified.
func FactorRegularized(a *dense.Array, delta float64) (*LU, error) {
	n := a.Rows()
	shifted := a.Clone()
	d := shifted.Data()
	for i := 0; i < n; i++ {
		d[i*n+i] += delta
	}
	return Factor(shifted)
}

// RCond returns the reciprocal condition estimate min|U[i,i]| / max|U[i,i]|.
// A cheap proxy, but it reliably flags the weakly-active-constraint
// degeneracy that makes KKT linearizations unusable.
func (f *LU) RCond() float64 {
	m := f.lu.Data()
	n := f.n
	minD, maxD := math.Inf(1), 0.0
	for i := 0; i < n; i++ {
		v := math.Abs(m[i*n+i])
		if v < minD {
			minD = v
		}
		if v > maxD {
			maxD = v
		}
	}
	if maxD == 0 {
		return 0
	}
	return minD / maxD
}

// Solve solves A·x = b. b is not modified.
func (f *LU) Solve(b []float64) ([]float64, error) {
	n := f.n
	if len(b) != n {
		return nil, fmt.Errorf("lu: rhs length %d, want %d", len(b), n)
	}
	m := f.lu.Data()

	x := make([]float64, n)
	copy(x, b)

	// Apply row swaps: x = P·b.
	for k := 0; k < n; k++ {
		if p := f.piv[k]; p != k {
			x[k], x[p] = x[p], x[k]
		}
	}

	// Forward substitution with unit-lower L.
	for i := 1; i < n; i++ {
		sum := x[i]
		for j := 0; j < i; j++ {
			sum -= m[i*n+j] * x[j]
		}
		x[i] = sum
	}

	// Back substitution with U.
	for i := n - 1; i >= 0; i-- {
		sum := x[i]
		for j := i + 1; j < n; j++ {
			sum -= m[i*n+j] * x[j]
		}
		x[i] = sum / m[i*n+i]
	}

	return x, nil
}

// SolveTranspose solves Aᵀ·x = b. b is not modified.
//
// With P·A = L·U we have Aᵀ = Uᵀ·Lᵀ·P, so the solve order is Uᵀ (forward,
// lower-triangular), Lᵀ (backward, unit diagonal), then the row swaps in
// reverse.
func (f *LU) SolveTranspose(b []float64) ([]float64, error) {
	n := f.n
	if len(b) != n {
		return nil, fmt.Errorf("lu: rhs length %d, want %d", len(b), n)
	}
	m := f.lu.Data()

	x := make([]float64, n)
	copy(x, b)

	// Forward substitution with Uᵀ.
	for i := 0; i < n; i++ {
		sum := x[i]
		for j := 0; j < i; j++ {
			sum -= m[j*n+i] * x[j]
		}
		x[i] = sum / m[i*n+i]
	}

	// Back substitution with Lᵀ (unit diagonal).
	for i := n - 2; i >= 0; i-- {
		sum := x[i]
		for j := i + 1; j < n; j++ {
			sum -= m[j*n+i] * x[j]
		}
		x[i] = sum
	}

	// Undo row swaps in reverse: x = Pᵀ·x.
	for k := n - 1; k >= 0; k-- {
		if p := f.piv[k]; p != k {
			x[k], x[p] = x[p], x[k]
		}
	}

	return x, nil
}

func swapRows(m []float64, n, i, j int) {
	ri := m[i*n : (i+1)*n]
	rj := m[j*n : (j+1)*n]
	for k := range ri {
		ri[k], rj[k] = rj[k], ri[k]
	}
}
