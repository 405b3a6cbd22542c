package dense

import (
	"fmt"
	"math"

	"github.com/diffopt-ml/diffopt/internal/parallel"
)

// par is the execution config for row-parallel kernels. Small systems stay
// sequential via MinChunkSize.
var par = parallel.DefaultConfig()

// MatVec computes dst = A·x for a 2-D matrix A.
// dst must have length A.Rows(), x must have length A.Cols().
func MatVec(dst []float64, a *Array, x []float64) {
	m, n := a.Rows(), a.Cols()
	checkLen("MatVec dst", dst, m)
	checkLen("MatVec x", x, n)
	ad := a.data
	parallel.For(m, func(i int) {
		sum := 0.0
		row := ad[i*n : (i+1)*n]
		for j, v := range row {
			sum += v * x[j]
		}
		dst[i] = sum
	}, par)
}

// MatTVec computes dst = Aᵀ·x for a 2-D matrix A.
// dst must have length A.Cols(), x must have length A.Rows().
func MatTVec(dst []float64, a *Array, x []float64) {
	m, n := a.Rows(), a.Cols()
	checkLen("MatTVec dst", dst, n)
	checkLen("MatTVec x", x, m)
	for j := range dst {
		dst[j] = 0
	}
	ad := a.data
	for i := 0; i < m; i++ {
		xi := x[i]
		if xi == 0 {
			continue
		}
		row := ad[i*n : (i+1)*n]
		for j, v := range row {
			dst[j] += v * xi
		}
	}
}

// AddOuter accumulates dst += alpha · x·yᵀ into a 2-D matrix.
// dst must be (len(x), len(y)).
func AddOuter(dst *Array, alpha float64, x, y []float64) {
	m, n := dst.Rows(), dst.Cols()
	checkLen("AddOuter x", x, m)
	checkLen("AddOuter y", y, n)
	dd := dst.data
	parallel.For(m, func(i int) {
		ax := alpha * x[i]
		if ax == 0 {
			return
		}
		row := dd[i*n : (i+1)*n]
		for j, v := range y {
			row[j] += ax * v
		}
	}, par)
}

// Axpy computes y += alpha·x element-wise.
func Axpy(alpha float64, x, y []float64) {
	checkLen("Axpy y", y, len(x))
	for i, v := range x {
		y[i] += alpha * v
	}
}

// Dot returns the inner product xᵀy.
func Dot(x, y []float64) float64 {
	checkLen("Dot y", y, len(x))
	sum := 0.0
	for i, v := range x {
		sum += v * y[i]
	}
	return sum
}

// Scal scales x by alpha in place.
func Scal(alpha float64, x []float64) {
	for i := range x {
		x[i] *= alpha
	}
}

// Nrm2 returns the Euclidean norm of x.
func Nrm2(x []float64) float64 {
	sum := 0.0
	for _, v := range x {
		sum += v * v
	}
	return math.Sqrt(sum)
}

// InfNorm returns the maximum absolute entry of x.
func InfNorm(x []float64) float64 {
	out := 0.0
	for _, v := range x {
		if a := math.Abs(v); a > out {
			out = a
		}
	}
	return out
}

// MaxAbs returns the maximum absolute entry of a 2-D array, or 0 for an
// all-zero matrix.
func MaxAbs(a *Array) float64 {
	return InfNorm(a.data)
}

func checkLen(what string, s []float64, want int) {
	if len(s) != want {
		panic(fmt.Sprintf("%s: length %d, want %d", what, len(s), want))
	}
}
