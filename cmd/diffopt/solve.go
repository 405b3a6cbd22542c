package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/diffopt-ml/diffopt/dense"
	"github.com/diffopt-ml/diffopt/solver"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	problemPath string
	maxIter     int
	tol         float64
)

var solveCmd = &cobra.Command{
	Use:   "solve",
	Short: "Solve a standard-form quadratic program from a YAML file",
	Long: `Reads a quadratic program in standard form

    minimize    0.5*x'Px + q'x
    subject to  Ax = b
                Gx <= h

from a YAML file and prints the solution.`,
	RunE: runSolve,
}

func init() {
	solveCmd.Flags().StringVar(&problemPath, "problem", "", "Problem file path (required)")
	solveCmd.Flags().IntVar(&maxIter, "max-iter", 100, "Maximum interior-point iterations")
	solveCmd.Flags().Float64Var(&tol, "tol", 1e-8, "Convergence tolerance")

	solveCmd.MarkFlagRequired("problem")
	rootCmd.AddCommand(solveCmd)
}

// problemFile is the on-disk YAML layout of a standard-form QP.
type problemFile struct {
	P [][]float64 `yaml:"p"`
	Q []float64   `yaml:"q"`
	A [][]float64 `yaml:"a"`
	B []float64   `yaml:"b"`
	G [][]float64 `yaml:"g"`
	H []float64   `yaml:"h"`
}

func runSolve(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(problemPath)
	if err != nil {
		return fmt.Errorf("failed to read problem: %w", err)
	}

	var pf problemFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return fmt.Errorf("failed to parse problem: %w", err)
	}

	data, err := pf.formData()
	if err != nil {
		return fmt.Errorf("invalid problem: %w", err)
	}

	n, m, p := data.Dims()
	slog.Info("Loaded problem", "vars", n, "ineq", m, "eq", p)

	opts := solver.DefaultOptions()
	opts.MaxIter = maxIter
	opts.Tol = tol

	start := time.Now()
	sol, err := solver.Solve(context.Background(), data, opts)
	if err != nil {
		return fmt.Errorf("solve failed: %w", err)
	}
	elapsed := time.Since(start)

	slog.Info("Solve complete",
		"status", sol.Status.String(),
		"iterations", sol.Iterations,
		"gap", sol.Gap,
		"elapsed", elapsed,
	)

	fmt.Printf("status: %s\n", sol.Status)
	fmt.Printf("iterations: %d\n", sol.Iterations)
	if sol.Status == solver.Optimal || sol.Status == solver.OptimalInaccurate {
		fmt.Printf("x: %v\n", sol.X)
		if p > 0 {
			fmt.Printf("y: %v\n", sol.Y)
		}
		if m > 0 {
			fmt.Printf("z: %v\n", sol.Z)
		}
	}
	return nil
}

func (pf *problemFile) formData() (*solver.FormData, error) {
	n := len(pf.Q)
	if n == 0 {
		return nil, fmt.Errorf("q must be non-empty")
	}

	pMat, err := matrix(pf.P, "p")
	if err != nil {
		return nil, err
	}
	data := &solver.FormData{P: pMat, Q: append([]float64(nil), pf.Q...)}

	if len(pf.A) > 0 {
		if data.A, err = matrix(pf.A, "a"); err != nil {
			return nil, err
		}
		data.B = append([]float64(nil), pf.B...)
	}
	if len(pf.G) > 0 {
		if data.G, err = matrix(pf.G, "g"); err != nil {
			return nil, err
		}
		data.H = append([]float64(nil), pf.H...)
	}

	if err := data.Validate(); err != nil {
		return nil, err
	}
	return data, nil
}

func matrix(rows [][]float64, name string) (*dense.Array, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s must be non-empty", name)
	}
	cols := len(rows[0])
	flat := make([]float64, 0, len(rows)*cols)
	for i, r := range rows {
		if len(r) != cols {
			return nil, fmt.Errorf("%s row %d has %d entries, want %d", name, i, len(r), cols)
		}
		flat = append(flat, r...)
	}
	return dense.FromSlice(flat, dense.Shape{len(rows), cols})
}
