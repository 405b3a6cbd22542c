package problem

import (
	"encoding/binary"
	"hash"
	"math"

	"github.com/diffopt-ml/diffopt/internal/dense"
)

// Expr is an affine expression over named parameters. Evaluating an Expr
// for a parameter assignment produces one piece of standard-form data;
// its adjoint pushes a data-space gradient back onto the parameters it
// references. Affinity is what makes the backward pass a plain transpose
// multiplication.
type Expr interface {
	// Shape returns the fixed shape the expression evaluates to.
	Shape() dense.Shape

	// eval accumulates alpha·value(params) into dst.
	eval(params map[string]*dense.Array, alpha float64, dst *dense.Array)

	// adjoint accumulates alpha·grad into the gradients of every
	// parameter the expression references.
	adjoint(grad *dense.Array, alpha float64, out map[string]*dense.Array)

	// describe feeds the expression's structure into a fingerprint hash.
	describe(h hash.Hash)

	// collectParams records every referenced parameter name.
	collectParams(set map[string]struct{})
}

// Constant wraps a fixed array as an expression. The array is copied.
func Constant(value *dense.Array) Expr {
	return &constExpr{value: value.Clone()}
}

// Scale multiplies an expression by a fixed coefficient.
func Scale(c float64, e Expr) Expr {
	return &scaleExpr{c: c, inner: e}
}

// Neg negates an expression.
func Neg(e Expr) Expr {
	return Scale(-1, e)
}

// Sum adds expressions of identical shape. Panics on a shape mismatch or
// an empty term list; expression trees are built by code, not input.
func Sum(terms ...Expr) Expr {
	if len(terms) == 0 {
		panic("problem: Sum of no terms")
	}
	shape := terms[0].Shape()
	for _, t := range terms[1:] {
		if !t.Shape().Equal(shape) {
			panic("problem: Sum terms have mismatched shapes")
		}
	}
	return &sumExpr{terms: terms}
}

// ParamRef is an expression referencing a declared parameter. Obtained
// from Builder.Parameter.
type ParamRef struct {
	name  string
	shape dense.Shape
}

// Name returns the parameter's declared name.
func (p *ParamRef) Name() string { return p.name }

// Shape returns the parameter's declared shape.
func (p *ParamRef) Shape() dense.Shape { return p.shape }

func (p *ParamRef) eval(params map[string]*dense.Array, alpha float64, dst *dense.Array) {
	dense.Axpy(alpha, params[p.name].Data(), dst.Data())
}

func (p *ParamRef) adjoint(grad *dense.Array, alpha float64, out map[string]*dense.Array) {
	dense.Axpy(alpha, grad.Data(), out[p.name].Data())
}

func (p *ParamRef) describe(h hash.Hash) {
	h.Write([]byte("param:"))
	h.Write([]byte(p.name))
	describeShape(h, p.shape)
}

func (p *ParamRef) collectParams(set map[string]struct{}) {
	set[p.name] = struct{}{}
}

type constExpr struct {
	value *dense.Array
}

func (c *constExpr) Shape() dense.Shape { return c.value.Shape() }

func (c *constExpr) eval(_ map[string]*dense.Array, alpha float64, dst *dense.Array) {
	dense.Axpy(alpha, c.value.Data(), dst.Data())
}

func (c *constExpr) adjoint(_ *dense.Array, _ float64, _ map[string]*dense.Array) {
	// Constants absorb no gradient.
}

func (c *constExpr) describe(h hash.Hash) {
	h.Write([]byte("const:"))
	describeShape(h, c.value.Shape())
	for _, v := range c.value.Data() {
		binary.Write(h, binary.LittleEndian, math.Float64bits(v))
	}
}

func (c *constExpr) collectParams(_ map[string]struct{}) {}

type scaleExpr struct {
	c     float64
	inner Expr
}

func (s *scaleExpr) Shape() dense.Shape { return s.inner.Shape() }

func (s *scaleExpr) eval(params map[string]*dense.Array, alpha float64, dst *dense.Array) {
	s.inner.eval(params, alpha*s.c, dst)
}

func (s *scaleExpr) adjoint(grad *dense.Array, alpha float64, out map[string]*dense.Array) {
	s.inner.adjoint(grad, alpha*s.c, out)
}

func (s *scaleExpr) describe(h hash.Hash) {
	h.Write([]byte("scale:"))
	binary.Write(h, binary.LittleEndian, math.Float64bits(s.c))
	s.inner.describe(h)
}

func (s *scaleExpr) collectParams(set map[string]struct{}) {
	s.inner.collectParams(set)
}

type sumExpr struct {
	terms []Expr
}

func (s *sumExpr) Shape() dense.Shape { return s.terms[0].Shape() }

func (s *sumExpr) eval(params map[string]*dense.Array, alpha float64, dst *dense.Array) {
	for _, t := range s.terms {
		t.eval(params, alpha, dst)
	}
}

func (s *sumExpr) adjoint(grad *dense.Array, alpha float64, out map[string]*dense.Array) {
	for _, t := range s.terms {
		t.adjoint(grad, alpha, out)
	}
}

func (s *sumExpr) describe(h hash.Hash) {
	h.Write([]byte("sum:"))
	for _, t := range s.terms {
		t.describe(h)
	}
}

func (s *sumExpr) collectParams(set map[string]struct{}) {
	for _, t := range s.terms {
		t.collectParams(set)
	}
}

func describeShape(h hash.Hash, s dense.Shape) {
	for _, dim := range s {
		binary.Write(h, binary.LittleEndian, int64(dim))
	}
	h.Write([]byte{';'})
}
