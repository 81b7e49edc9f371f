package rasternn

import (
	"fmt"
	"sync/atomic"
)

// DataType identifies the element type of a tensor.
type DataType int

// Supported element types.
const (
	// Float32 is 32-bit IEEE floating point, the native GPU element type.
	Float32 DataType = iota

	// Int32 is 32-bit signed integer.
	Int32

	// String is a string-typed tensor. String tensors cannot be uploaded
	// to the GPU; operators reject them during input validation.
	String
)

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Int32:
		return "int32"
	case String:
		return "string"
	default:
		return fmt.Sprintf("DataType(%d)", int(dt))
	}
}

// tensorID is a process-wide monotonic counter for tensor identities.
var tensorID atomic.Uint64

// Tensor is an N-dimensional array: a dimension list, an element type, and
// a contiguous backing buffer. Tensors are owned by the graph executor;
// operators borrow them for the duration of a run and never mutate them.
//
// Each tensor carries a process-unique identity assigned at construction.
// Execution handlers key their texture-data caches on this identity, so a
// weight tensor that is reused across runs is uploaded (and repacked) once.
type Tensor struct {
	id    uint64
	dims  []int
	dtype DataType

	floats  []float32
	strings []string
}

// NewTensor creates a float32 tensor with the given dimensions backed by
// data. The data slice is adopted, not copied; len(data) must equal the
// product of dims.
func NewTensor(dims []int, data []float32) *Tensor {
	return &Tensor{
		id:     tensorID.Add(1),
		dims:   dims,
		dtype:  Float32,
		floats: data,
	}
}

// NewStringTensor creates a string-typed tensor. String tensors exist only
// to be rejected by GPU operators; they are carried for graph-loader
// compatibility.
func NewStringTensor(dims []int, data []string) *Tensor {
	return &Tensor{
		id:      tensorID.Add(1),
		dims:    dims,
		dtype:   String,
		strings: data,
	}
}

// ID returns the tensor's process-unique identity.
func (t *Tensor) ID() uint64 { return t.id }

// Dims returns the tensor's dimension list. The returned slice is the
// tensor's own; callers must not modify it.
func (t *Tensor) Dims() []int { return t.dims }

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.dims) }

// DType returns the element type.
func (t *Tensor) DType() DataType { return t.dtype }

// Size returns the total number of elements (product of dims).
func (t *Tensor) Size() int {
	n := 1
	for _, d := range t.dims {
		n *= d
	}
	return n
}

// Floats returns the contiguous float32 backing buffer. Nil for string
// tensors. Callers must not modify the returned slice.
func (t *Tensor) Floats() []float32 { return t.floats }

// Strings returns the backing buffer of a string tensor, or nil.
func (t *Tensor) Strings() []string { return t.strings }
