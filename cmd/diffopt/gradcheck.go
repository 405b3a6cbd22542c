package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"

	"github.com/diffopt-ml/diffopt/dense"
	"github.com/diffopt-ml/diffopt/layer"
	"github.com/diffopt-ml/diffopt/problem"
	"github.com/diffopt-ml/diffopt/solver"
	"github.com/spf13/cobra"
)

var (
	gcSize int
	gcSeed int64
	gcEps  float64
	gcTol  float64
)

var gradcheckCmd = &cobra.Command{
	Use:   "gradcheck",
	Short: "Verify layer gradients against finite differences",
	Long: `Builds a random box-constrained quadratic program with a parametric
linear cost, differentiates the solution map analytically, and compares
against central finite differences.`,
	RunE: runGradcheck,
}

func init() {
	gradcheckCmd.Flags().IntVar(&gcSize, "size", 4, "Number of variables")
	gradcheckCmd.Flags().Int64Var(&gcSeed, "seed", 42, "Random seed")
	gradcheckCmd.Flags().Float64Var(&gcEps, "eps", 1e-4, "Finite-difference step")
	gradcheckCmd.Flags().Float64Var(&gcTol, "tol", 1e-4, "Maximum allowed gradient error")

	rootCmd.AddCommand(gradcheckCmd)
}

func runGradcheck(cmd *cobra.Command, args []string) error {
	rng := rand.New(rand.NewSource(gcSeed))
	n := gcSize

	lay, err := boxLayer(n, rng)
	if err != nil {
		return err
	}

	qVals := make([]float64, n)
	w := make([]float64, n)
	for i := range qVals {
		qVals[i] = rng.NormFloat64()
		w[i] = rng.NormFloat64()
	}

	ctx := context.Background()
	params := map[string]*dense.Array{"q": dense.Vector(qVals)}

	res, err := lay.Forward(ctx, params)
	if err != nil {
		return fmt.Errorf("forward failed: %w", err)
	}
	grads, err := lay.Backward(res.Diff, map[string]*dense.Array{"x": dense.Vector(w)})
	if err != nil {
		return fmt.Errorf("backward failed: %w", err)
	}
	analytic := grads["q"].Data()

	// loss(q) = w'x*(q), differentiated by central differences.
	maxErr := 0.0
	for i := 0; i < n; i++ {
		plus, err := boxLoss(ctx, lay, qVals, w, i, gcEps)
		if err != nil {
			return err
		}
		minus, err := boxLoss(ctx, lay, qVals, w, i, -gcEps)
		if err != nil {
			return err
		}
		numeric := (plus - minus) / (2 * gcEps)
		if e := math.Abs(numeric - analytic[i]); e > maxErr {
			maxErr = e
		}
	}

	slog.Info("Gradient check complete", "size", n, "max_error", maxErr, "tol", gcTol)
	if maxErr > gcTol {
		return fmt.Errorf("gradient check failed: max error %g exceeds %g", maxErr, gcTol)
	}
	fmt.Printf("OK (max error %.3g)\n", maxErr)
	return nil
}

// boxLayer builds min 0.5*x'Px + q'x subject to -1 <= x <= 1 with a
// random positive-definite P and q as the layer parameter.
func boxLayer(n int, rng *rand.Rand) (*layer.Layer, error) {
	m := dense.Zeros(dense.Shape{n, n})
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			m.Set(rng.NormFloat64(), i, j)
		}
	}
	p := dense.Zeros(dense.Shape{n, n})
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			v := 0.0
			for k := 0; k < n; k++ {
				v += m.At(k, i) * m.At(k, j)
			}
			if i == j {
				v += 1
			}
			p.Set(v, i, j)
		}
	}

	g := dense.Zeros(dense.Shape{2 * n, n})
	h := dense.Zeros(dense.Shape{2 * n})
	for i := 0; i < n; i++ {
		g.Set(1, i, i)
		g.Set(-1, n+i, i)
		h.Set(1, i)
		h.Set(1, n+i)
	}

	b := problem.NewBuilder()
	if err := b.Variable("x", n); err != nil {
		return nil, err
	}
	q, err := b.Parameter("q", dense.Shape{n})
	if err != nil {
		return nil, err
	}
	b.Minimize(problem.Constant(p), q)
	b.SubjectToIneq(problem.Constant(g), problem.Constant(h))

	s, err := b.Build()
	if err != nil {
		return nil, err
	}
	return layer.New(s, solver.DefaultOptions()), nil
}

func boxLoss(ctx context.Context, lay *layer.Layer, qVals, w []float64, i int, eps float64) (float64, error) {
	q := append([]float64(nil), qVals...)
	q[i] += eps
	res, err := lay.Forward(ctx, map[string]*dense.Array{"q": dense.Vector(q)})
	if err != nil {
		return 0, err
	}
	x := res.Values["x"].Data()
	loss := 0.0
	for j := range x {
		loss += w[j] * x[j]
	}
	return loss, nil
}
