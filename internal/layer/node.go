package layer

import (
	"context"
	"fmt"

	"github.com/diffopt-ml/diffopt/internal/dense"
	"github.com/diffopt-ml/diffopt/internal/graph"
)

// Node adapts one forward solve as a single operation on a gradient tape:
// inputs are the parameter arrays (in declaration order), the output is
// one variable's optimal value, and Backward runs the
// implicit-differentiation solve. This is the integration point a host
// computation graph chains through without knowing about the solver.
type Node struct {
	layer   *Layer
	names   []string
	inputs  []*dense.Array
	varName string
	output  *dense.Array
	diff    *DiffContext
}

// Apply solves the layer at params, records the solve as a Node on the
// tape, and returns the named variable's optimal value. The tape's
// backward pass later consumes the node's DiffContext; like any forward
// context it supports exactly one backward.
func (l *Layer) Apply(ctx context.Context, tape *graph.Tape, params map[string]*dense.Array, varName string) (*dense.Array, error) {
	if _, ok := l.structure.VarShape(varName); !ok {
		return nil, &ShapeError{Name: varName}
	}
	res, err := l.Forward(ctx, params)
	if err != nil {
		return nil, err
	}

	names := l.structure.ParamNames()
	inputs := make([]*dense.Array, len(names))
	for i, name := range names {
		inputs[i] = params[name]
	}
	node := &Node{
		layer:   l,
		names:   names,
		inputs:  inputs,
		varName: varName,
		output:  res.Values[varName],
		diff:    res.Diff,
	}
	tape.Record(node)
	return node.output, nil
}

// Inputs returns the parameter arrays in declaration order.
func (n *Node) Inputs() []*dense.Array { return n.inputs }

// Output returns the variable's optimal value.
func (n *Node) Output() *dense.Array { return n.output }

// Backward runs the implicit-differentiation solve and returns parameter
// gradients aligned with Inputs(). The tape contract has no error path;
// a failed differentiation (ill-conditioned KKT system, reused context)
// panics, matching how unrecoverable numeric misuse is handled elsewhere.
func (n *Node) Backward(outputGrad *dense.Array) []*dense.Array {
	grads, err := n.layer.Backward(n.diff, map[string]*dense.Array{n.varName: outputGrad})
	if err != nil {
		panic(fmt.Sprintf("layer node backward: %v", err))
	}
	out := make([]*dense.Array, len(n.names))
	for i, name := range n.names {
		out[i] = grads[name]
	}
	return out
}
