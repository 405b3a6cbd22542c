// Package problem defines the fixed structure of a parametric quadratic
// program: named parameters and variables, and the affine map from
// parameter values to standard-form solver data.
//
// A Structure is built once, is immutable afterwards, and is safe to share
// across concurrent solves. Per-solve numeric data is produced by
// Instantiate and owned by the caller.
package problem

import (
	"fmt"
	"hash"
	"hash/fnv"
	"sync"

	"github.com/diffopt-ml/diffopt/internal/dense"
	"github.com/diffopt-ml/diffopt/internal/solver"
)

// Builder assembles a problem structure. Not safe for concurrent use;
// the Structure it builds is.
type Builder struct {
	vars       []varDecl
	varIndex   map[string]int
	params     map[string]dense.Shape
	paramOrder []string

	objP Expr
	objQ Expr
	eqs  []block
	ins  []block
}

type varDecl struct {
	name   string
	size   int
	offset int
}

// block is one equality (A·x = b) or inequality (G·x ≤ h) constraint
// group: a matrix expression and its right-hand side.
type block struct {
	mat Expr
	rhs Expr
}

// NewBuilder creates an empty problem builder.
func NewBuilder() *Builder {
	return &Builder{
		varIndex: make(map[string]int),
		params:   make(map[string]dense.Shape),
	}
}

// Variable declares a named variable of the given scalar size. Variables
// are laid out in declaration order inside the standard-form vector.
func (b *Builder) Variable(name string, size int) error {
	if _, dup := b.varIndex[name]; dup {
		return fmt.Errorf("problem: duplicate variable %q", name)
	}
	if size <= 0 {
		return fmt.Errorf("problem: variable %q has size %d, must be positive", name, size)
	}
	offset := 0
	if len(b.vars) > 0 {
		last := b.vars[len(b.vars)-1]
		offset = last.offset + last.size
	}
	b.varIndex[name] = len(b.vars)
	b.vars = append(b.vars, varDecl{name: name, size: size, offset: offset})
	return nil
}

// Parameter declares a named parameter and returns an expression
// referencing it. Re-declaring a name with the same shape returns an
// equivalent reference; a different shape is an error.
func (b *Builder) Parameter(name string, shape dense.Shape) (*ParamRef, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("problem: parameter %q: %w", name, err)
	}
	if prev, dup := b.params[name]; dup {
		if !prev.Equal(shape) {
			return nil, fmt.Errorf("problem: parameter %q redeclared with shape %v, was %v", name, shape, prev)
		}
		return &ParamRef{name: name, shape: prev.Clone()}, nil
	}
	b.params[name] = shape.Clone()
	b.paramOrder = append(b.paramOrder, name)
	return &ParamRef{name: name, shape: shape.Clone()}, nil
}

// Minimize sets the objective ½·xᵀPx + qᵀx. P must evaluate to an
// (N, N) matrix and q to an (N) vector, N being the total variable size.
func (b *Builder) Minimize(p, q Expr) {
	b.objP = p
	b.objQ = q
}

// SubjectToEq appends an equality block A·x = rhs.
func (b *Builder) SubjectToEq(a, rhs Expr) {
	b.eqs = append(b.eqs, block{mat: a, rhs: rhs})
}

// SubjectToIneq appends an inequality block G·x ≤ rhs.
func (b *Builder) SubjectToIneq(g, rhs Expr) {
	b.ins = append(b.ins, block{mat: g, rhs: rhs})
}

// Build validates the assembled structure and returns it. Structures are
// cached process-wide by fingerprint, so rebuilding an identical layout
// returns the already-canonicalized instance.
func (b *Builder) Build() (*Structure, error) {
	if len(b.vars) == 0 {
		return nil, fmt.Errorf("problem: no variables declared")
	}
	if b.objP == nil || b.objQ == nil {
		return nil, fmt.Errorf("problem: objective not set")
	}

	n := 0
	for _, v := range b.vars {
		n += v.size
	}

	if !b.objP.Shape().Equal(dense.Shape{n, n}) {
		return nil, fmt.Errorf("problem: objective P has shape %v, want (%d, %d)", b.objP.Shape(), n, n)
	}
	if !b.objQ.Shape().Equal(dense.Shape{n}) {
		return nil, fmt.Errorf("problem: objective q has shape %v, want (%d)", b.objQ.Shape(), n)
	}

	eqRows, err := checkBlocks("equality", b.eqs, n)
	if err != nil {
		return nil, err
	}
	ineqRows, err := checkBlocks("inequality", b.ins, n)
	if err != nil {
		return nil, err
	}

	if err := b.checkParamsReferenced(); err != nil {
		return nil, err
	}

	s := &Structure{
		vars:     append([]varDecl(nil), b.vars...),
		varIndex: cloneIndex(b.varIndex),
		params:   cloneParams(b.params),
		order:    append([]string(nil), b.paramOrder...),
		numVars:  n,
		objP:     b.objP,
		objQ:     b.objQ,
		eqs:      append([]block(nil), b.eqs...),
		ins:      append([]block(nil), b.ins...),
		eqRows:   eqRows,
		ineqRows: ineqRows,
	}
	s.fp = s.fingerprint()

	return cacheIntern(s), nil
}

func checkBlocks(kind string, blocks []block, n int) (int, error) {
	rows := 0
	for i, blk := range blocks {
		ms := blk.mat.Shape()
		if len(ms) != 2 || ms[1] != n {
			return 0, fmt.Errorf("problem: %s block %d matrix has shape %v, want (k, %d)", kind, i, ms, n)
		}
		if !blk.rhs.Shape().Equal(dense.Shape{ms[0]}) {
			return 0, fmt.Errorf("problem: %s block %d rhs has shape %v, want (%d)", kind, i, blk.rhs.Shape(), ms[0])
		}
		rows += ms[0]
	}
	return rows, nil
}

// checkParamsReferenced rejects declared-but-unused parameters: their
// gradients would silently be zero, which hides wiring bugs in callers.
func (b *Builder) checkParamsReferenced() error {
	used := make(map[string]struct{})
	b.objP.collectParams(used)
	b.objQ.collectParams(used)
	for _, blk := range append(append([]block(nil), b.eqs...), b.ins...) {
		blk.mat.collectParams(used)
		blk.rhs.collectParams(used)
	}
	for _, name := range b.paramOrder {
		if _, ok := used[name]; !ok {
			return fmt.Errorf("problem: parameter %q declared but not used", name)
		}
	}
	return nil
}

// Structure is an immutable canonicalized problem layout: variable
// offsets, parameter declarations, and the affine data map.
type Structure struct {
	vars     []varDecl
	varIndex map[string]int
	params   map[string]dense.Shape
	order    []string
	numVars  int
	objP     Expr
	objQ     Expr
	eqs      []block
	ins      []block
	eqRows   int
	ineqRows int
	fp       uint64
}

// NumVars returns the total scalar size of the variable vector.
func (s *Structure) NumVars() int { return s.numVars }

// EqRows returns the number of stacked equality rows.
func (s *Structure) EqRows() int { return s.eqRows }

// IneqRows returns the number of stacked inequality rows.
func (s *Structure) IneqRows() int { return s.ineqRows }

// Fingerprint returns the structural identity used by the cache.
func (s *Structure) Fingerprint() uint64 { return s.fp }

// Parameters returns a copy of the declared parameter shapes.
func (s *Structure) Parameters() map[string]dense.Shape {
	return cloneParams(s.params)
}

// ParamNames returns parameter names in declaration order.
func (s *Structure) ParamNames() []string {
	return append([]string(nil), s.order...)
}

// Variables returns the declared variable names in layout order.
func (s *Structure) Variables() []string {
	names := make([]string, len(s.vars))
	for i, v := range s.vars {
		names[i] = v.name
	}
	return names
}

// VarShape returns the shape of a declared variable and whether it exists.
func (s *Structure) VarShape(name string) (dense.Shape, bool) {
	i, ok := s.varIndex[name]
	if !ok {
		return nil, false
	}
	return dense.Shape{s.vars[i].size}, true
}

// ParamShape returns the declared shape of a parameter and whether it
// exists.
func (s *Structure) ParamShape(name string) (dense.Shape, bool) {
	shape, ok := s.params[name]
	if !ok {
		return nil, false
	}
	return shape.Clone(), true
}

// Instantiate substitutes parameter values into the affine data map,
// producing fresh standard-form numeric data. Callers must have validated
// parameter shapes; this is the hot path and does not re-check.
func (s *Structure) Instantiate(params map[string]*dense.Array) *solver.FormData {
	n := s.numVars
	data := &solver.FormData{
		P: dense.Zeros(dense.Shape{n, n}),
		Q: make([]float64, n),
	}
	s.objP.eval(params, 1, data.P)
	qArr := dense.Zeros(dense.Shape{n})
	s.objQ.eval(params, 1, qArr)
	copy(data.Q, qArr.Data())

	if s.eqRows > 0 {
		data.A, data.B = s.stackBlocks(s.eqs, s.eqRows, params)
	}
	if s.ineqRows > 0 {
		data.G, data.H = s.stackBlocks(s.ins, s.ineqRows, params)
	}
	return data
}

func (s *Structure) stackBlocks(blocks []block, rows int, params map[string]*dense.Array) (*dense.Array, []float64) {
	n := s.numVars
	mat := dense.Zeros(dense.Shape{rows, n})
	rhs := make([]float64, rows)
	row := 0
	for _, blk := range blocks {
		k := blk.mat.Shape()[0]
		tmpM := dense.Zeros(dense.Shape{k, n})
		blk.mat.eval(params, 1, tmpM)
		copy(mat.Data()[row*n:(row+k)*n], tmpM.Data())

		tmpV := dense.Zeros(dense.Shape{k})
		blk.rhs.eval(params, 1, tmpV)
		copy(rhs[row:row+k], tmpV.Data())
		row += k
	}
	return mat, rhs
}

// ExtractVars maps a standard-form primal vector back to named variable
// arrays.
func (s *Structure) ExtractVars(x []float64) map[string]*dense.Array {
	out := make(map[string]*dense.Array, len(s.vars))
	for _, v := range s.vars {
		out[v.name] = dense.Vector(x[v.offset : v.offset+v.size])
	}
	return out
}

// PackVarGrads assembles named per-variable gradients into a single
// standard-form vector. Missing variables contribute zeros.
func (s *Structure) PackVarGrads(grads map[string]*dense.Array) []float64 {
	out := make([]float64, s.numVars)
	for _, v := range s.vars {
		g, ok := grads[v.name]
		if !ok {
			continue
		}
		copy(out[v.offset:v.offset+v.size], g.Data())
	}
	return out
}

// DataGrads holds gradients with respect to the standard-form data
// fields. Nil matrix / empty vector entries are treated as zero.
type DataGrads struct {
	P *dense.Array
	Q []float64
	A *dense.Array
	B []float64
	G *dense.Array
	H []float64
}

// GradsToParams pushes standard-form data gradients back through the
// affine map's adjoint, producing one gradient per declared parameter
// (zero-filled where no gradient flows).
func (s *Structure) GradsToParams(dg DataGrads) map[string]*dense.Array {
	out := make(map[string]*dense.Array, len(s.params))
	for name, shape := range s.params {
		out[name] = dense.Zeros(shape)
	}

	if dg.P != nil {
		s.objP.adjoint(dg.P, 1, out)
	}
	if dg.Q != nil {
		s.objQ.adjoint(dense.Vector(dg.Q), 1, out)
	}
	if dg.A != nil || dg.B != nil {
		s.unstackAdjoint(s.eqs, dg.A, dg.B, out)
	}
	if dg.G != nil || dg.H != nil {
		s.unstackAdjoint(s.ins, dg.G, dg.H, out)
	}
	return out
}

func (s *Structure) unstackAdjoint(blocks []block, mat *dense.Array, rhs []float64, out map[string]*dense.Array) {
	n := s.numVars
	row := 0
	for _, blk := range blocks {
		k := blk.mat.Shape()[0]
		if mat != nil {
			gBlk := dense.Zeros(dense.Shape{k, n})
			copy(gBlk.Data(), mat.Data()[row*n:(row+k)*n])
			blk.mat.adjoint(gBlk, 1, out)
		}
		if rhs != nil {
			blk.rhs.adjoint(dense.Vector(rhs[row:row+k]), 1, out)
		}
		row += k
	}
}

func (s *Structure) fingerprint() uint64 {
	h := fnv.New64a()
	for _, v := range s.vars {
		fmt.Fprintf(h, "var:%s:%d;", v.name, v.size)
	}
	for _, name := range s.order {
		fmt.Fprintf(h, "param:%s", name)
		describeShape(h, s.params[name])
	}
	h.Write([]byte("P:"))
	s.objP.describe(h)
	h.Write([]byte("q:"))
	s.objQ.describe(h)
	describeBlocks(h, "eq", s.eqs)
	describeBlocks(h, "ineq", s.ins)
	return h.Sum64()
}

func describeBlocks(h hash.Hash, kind string, blocks []block) {
	for _, blk := range blocks {
		h.Write([]byte(kind + ":"))
		blk.mat.describe(h)
		blk.rhs.describe(h)
	}
}

// Process-wide structure cache, keyed by fingerprint. Rebuilding an
// identical structure returns the shared canonicalized instance; a
// changed layout changes the fingerprint and misses the cache.
var (
	cacheMu sync.RWMutex
	cache   = make(map[uint64]*Structure)
)

func cacheIntern(s *Structure) *Structure {
	cacheMu.RLock()
	cached, ok := cache[s.fp]
	cacheMu.RUnlock()
	if ok {
		return cached
	}
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if cached, ok := cache[s.fp]; ok {
		return cached
	}
	cache[s.fp] = s
	return s
}

func cloneIndex(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneParams(in map[string]dense.Shape) map[string]dense.Shape {
	out := make(map[string]dense.Shape, len(in))
	for k, v := range in {
		out[k] = v.Clone()
	}
	return out
}
