package layer

import (
	"fmt"

	"github.com/diffopt-ml/diffopt/internal/dense"
	"github.com/diffopt-ml/diffopt/internal/solver"
)

// ShapeError reports a parameter or gradient array whose shape does not
// match its declaration. Raised before any solver work happens.
type ShapeError struct {
	Name string
	Want dense.Shape // nil when Name is not declared at all
	Got  dense.Shape
}

func (e *ShapeError) Error() string {
	if e.Want == nil {
		return fmt.Sprintf("shape error: %q is not declared on the problem structure", e.Name)
	}
	if e.Got == nil {
		return fmt.Sprintf("shape error: %q missing, want shape %v", e.Name, e.Want)
	}
	return fmt.Sprintf("shape error: %q has shape %v, want %v", e.Name, e.Got, e.Want)
}

// SolverStatusError reports a solve that terminated non-optimally.
// The layer never substitutes stale or zero values for a failed solve.
type SolverStatusError struct {
	Status     solver.Status
	Iterations int
}

func (e *SolverStatusError) Error() string {
	return fmt.Sprintf("solver terminated with status %s after %d iterations", e.Status, e.Iterations)
}

// DifferentiationError reports a KKT linearization too ill-conditioned to
// differentiate, even after regularization.
type DifferentiationError struct {
	Reason string
	RCond  float64
}

func (e *DifferentiationError) Error() string {
	return fmt.Sprintf("differentiation failed: %s (rcond=%.3e)", e.Reason, e.RCond)
}

// StateError reports misuse of the forward/backward call sequence, such
// as a second backward on a consumed context.
type StateError struct {
	Op     string
	Reason string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// CancelledError reports a solve interrupted by cooperative cancellation.
// It wraps the underlying context error, so errors.Is(err,
// context.Canceled) works through it.
type CancelledError struct {
	Err error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("solve cancelled: %v", e.Err)
}

func (e *CancelledError) Unwrap() error { return e.Err }
