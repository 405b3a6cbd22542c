package layer

import (
	"context"
	"runtime"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/diffopt-ml/diffopt/internal/dense"
)

// Assignment is one parameter assignment for a batch element.
type Assignment map[string]*dense.Array

// BatchOptions configures batch execution.
type BatchOptions struct {
	// Workers bounds concurrent solves; 0 means NumCPU.
	Workers int
}

// BatchElement is the outcome of one batch element's forward solve.
// Exactly one of Result and Err is set; Err attributes a failure to this
// element without affecting its siblings.
type BatchElement struct {
	Index  int
	ID     uuid.UUID
	Result *Result
	Err    error
}

// BatchResult aggregates per-element outcomes of a batch forward pass.
type BatchResult struct {
	Elements []BatchElement
}

// Failed returns the indices of elements that failed.
func (r *BatchResult) Failed() []int {
	var out []int
	for _, e := range r.Elements {
		if e.Err != nil {
			out = append(out, e.Index)
		}
	}
	return out
}

// ForwardBatch solves every assignment independently with bounded
// concurrency. Elements never share DiffContexts, and one element's
// failure (an infeasible instance, say) is reported on that element only.
// Cancelling ctx stops unstarted elements with *CancelledError.
func (l *Layer) ForwardBatch(ctx context.Context, assigns []Assignment, opts BatchOptions) *BatchResult {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	out := &BatchResult{Elements: make([]BatchElement, len(assigns))}

	var g errgroup.Group
	g.SetLimit(workers)
	for i := range assigns {
		i := i
		g.Go(func() error {
			elem := &out.Elements[i]
			elem.Index = i
			elem.ID = uuid.New()
			if err := ctx.Err(); err != nil {
				elem.Err = &CancelledError{Err: err}
				return nil
			}
			res, err := l.Forward(ctx, assigns[i])
			if err != nil {
				elem.Err = err
				return nil
			}
			elem.Result = res
			return nil
		})
	}
	g.Wait() //nolint:errcheck // workers report through Elements, never an error
	return out
}

// BatchGrads is the outcome of one batch element's backward pass.
type BatchGrads struct {
	Index int
	Grads map[string]*dense.Array
	Err   error
}

// BackwardBatch runs the backward pass for every successful element of a
// batch forward, consuming each element's DiffContext. gradVars[i] holds
// the upstream variable gradients for element i; elements that failed
// forward keep their forward error.
func (l *Layer) BackwardBatch(ctx context.Context, batch *BatchResult, gradVars []map[string]*dense.Array, opts BatchOptions) []BatchGrads {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	out := make([]BatchGrads, len(batch.Elements))

	var g errgroup.Group
	g.SetLimit(workers)
	for i := range batch.Elements {
		i := i
		g.Go(func() error {
			out[i].Index = i
			elem := &batch.Elements[i]
			if elem.Err != nil {
				out[i].Err = elem.Err
				return nil
			}
			if err := ctx.Err(); err != nil {
				out[i].Err = &CancelledError{Err: err}
				return nil
			}
			var gv map[string]*dense.Array
			if i < len(gradVars) {
				gv = gradVars[i]
			}
			grads, err := l.Backward(elem.Result.Diff, gv)
			if err != nil {
				out[i].Err = err
				return nil
			}
			out[i].Grads = grads
			return nil
		})
	}
	g.Wait() //nolint:errcheck // workers report through the result slice
	return out
}
