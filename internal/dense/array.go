// Package dense provides shaped float64 arrays and the dense linear algebra
// kernels used by the solver and the implicit-differentiation backward pass.
//
// Arrays are row-major and always own their buffer. The package is
// deliberately float64-only: every consumer in this repository is a numeric
// solve where float32 round-off is not acceptable.
package dense

import "fmt"

// Array is a shaped, row-major float64 array.
type Array struct {
	shape Shape
	data  []float64
}

// NewArray creates a zero-filled array with the given shape.
func NewArray(shape Shape) (*Array, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	return &Array{
		shape: shape.Clone(),
		data:  make([]float64, shape.NumElements()),
	}, nil
}

// FromSlice creates an array from a Go slice. The slice is copied.
func FromSlice(data []float64, shape Shape) (*Array, error) {
	if shape.NumElements() != len(data) {
		return nil, fmt.Errorf("shape %v requires %d elements, but got %d",
			shape, shape.NumElements(), len(data))
	}
	a, err := NewArray(shape)
	if err != nil {
		return nil, err
	}
	copy(a.data, data)
	return a, nil
}

// Zeros creates a zero-filled array. Panics on an invalid shape; use
// NewArray when the shape comes from untrusted input.
func Zeros(shape Shape) *Array {
	a, err := NewArray(shape)
	if err != nil {
		panic(err)
	}
	return a
}

// Full creates an array filled with value.
func Full(shape Shape, value float64) *Array {
	a := Zeros(shape)
	for i := range a.data {
		a.data[i] = value
	}
	return a
}

// Eye creates an n×n identity matrix.
func Eye(n int) *Array {
	a := Zeros(Shape{n, n})
	for i := 0; i < n; i++ {
		a.data[i*n+i] = 1
	}
	return a
}

// Vector creates a 1-D array from data. The slice is copied.
func Vector(data []float64) *Array {
	a, err := FromSlice(data, Shape{len(data)})
	if err != nil {
		panic(err) // unreachable: shape always matches
	}
	return a
}

// Shape returns the array's shape.
func (a *Array) Shape() Shape {
	return a.shape
}

// NumElements returns the total number of elements.
func (a *Array) NumElements() int {
	return a.shape.NumElements()
}

// Data returns the backing slice (zero-copy).
//
// WARNING: Modifications to the returned slice modify the array.
func (a *Array) Data() []float64 {
	return a.data
}

// Rows returns the first dimension of a 2-D array.
// Panics if the array is not 2-D.
func (a *Array) Rows() int {
	a.mustRank(2)
	return a.shape[0]
}

// Cols returns the second dimension of a 2-D array.
// Panics if the array is not 2-D.
func (a *Array) Cols() int {
	a.mustRank(2)
	return a.shape[1]
}

// At returns the element at the given indices.
func (a *Array) At(indices ...int) float64 {
	return a.data[a.offset(indices)]
}

// Set sets the element at the given indices.
func (a *Array) Set(value float64, indices ...int) {
	a.data[a.offset(indices)] = value
}

// Clone creates a deep copy of the array.
func (a *Array) Clone() *Array {
	out := &Array{
		shape: a.shape.Clone(),
		data:  make([]float64, len(a.data)),
	}
	copy(out.data, a.data)
	return out
}

// Fill sets every element to value.
func (a *Array) Fill(value float64) {
	for i := range a.data {
		a.data[i] = value
	}
}

// String returns a human-readable representation of the array.
func (a *Array) String() string {
	return fmt.Sprintf("Array%v", a.shape)
}

func (a *Array) mustRank(rank int) {
	if len(a.shape) != rank {
		panic(fmt.Sprintf("expected %d-D array, got shape %v", rank, a.shape))
	}
}

func (a *Array) offset(indices []int) int {
	if len(indices) != len(a.shape) {
		panic(fmt.Sprintf("expected %d indices, got %d", len(a.shape), len(indices)))
	}
	offset := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		idx := indices[i]
		if idx < 0 || idx >= a.shape[i] {
			panic(fmt.Sprintf("index %d out of bounds for dimension %d (size %d)", idx, i, a.shape[i]))
		}
		offset += idx * stride
		stride *= a.shape[i]
	}
	return offset
}
