// Package tensors implements the minimal dense tensor used to move batches of
// data and model parameters around the trainer.
//
// It is deliberately small: the trainer only needs contiguous float32 storage,
// shape bookkeeping and row access. Anything resembling a computation graph
// lives behind the nn.Module collaborator instead.
package tensors

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
)

// Tensor is a dense float32 tensor in row-major order.
//
// The zero value is not usable, create them with FromShape or FromFlat.
type Tensor struct {
	dims []int
	data []float32
}

// FromShape creates a zero-initialized Tensor with the given dimensions.
func FromShape(dims ...int) *Tensor {
	size := checkDims(dims)
	return &Tensor{
		dims: slices.Clone(dims),
		data: make([]float32, size),
	}
}

// FromFlat creates a Tensor wrapping (not copying) the given flat data.
// The length of data must match the product of dims.
func FromFlat(data []float32, dims ...int) *Tensor {
	size := checkDims(dims)
	if len(data) != size {
		exceptions.Panicf("tensors.FromFlat: data has %d elements, dimensions %v require %d",
			len(data), dims, size)
	}
	return &Tensor{dims: slices.Clone(dims), data: data}
}

func checkDims(dims []int) int {
	if len(dims) == 0 {
		exceptions.Panicf("tensors: at least one dimension required")
	}
	size := 1
	for _, dim := range dims {
		if dim <= 0 {
			exceptions.Panicf("tensors: invalid dimensions %v, they must all be positive", dims)
		}
		size *= dim
	}
	return size
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.dims) }

// Dims returns a copy of the tensor dimensions.
func (t *Tensor) Dims() []int { return slices.Clone(t.dims) }

// Dim returns the size of dimension i.
func (t *Tensor) Dim(i int) int { return t.dims[i] }

// Size returns the total number of elements.
func (t *Tensor) Size() int { return len(t.data) }

// Flat returns the underlying storage, mutable, in row-major order.
func (t *Tensor) Flat() []float32 { return t.data }

// Row returns a mutable view of row i of a rank-2 tensor.
func (t *Tensor) Row(i int) []float32 {
	if len(t.dims) != 2 {
		exceptions.Panicf("Tensor.Row: requires rank-2 tensor, got rank %d", t.Rank())
	}
	cols := t.dims[1]
	return t.data[i*cols : (i+1)*cols]
}

// Rows returns a rank-2 view of rows [from, to) of the tensor's first
// dimension. The storage is shared with t.
func (t *Tensor) Rows(from, to int) *Tensor {
	if len(t.dims) < 2 {
		exceptions.Panicf("Tensor.Rows: requires rank >= 2 tensor, got rank %d", t.Rank())
	}
	if from < 0 || to > t.dims[0] || from >= to {
		exceptions.Panicf("Tensor.Rows: invalid range [%d, %d) for first dimension of size %d",
			from, to, t.dims[0])
	}
	stride := len(t.data) / t.dims[0]
	dims := slices.Clone(t.dims)
	dims[0] = to - from
	return &Tensor{dims: dims, data: t.data[from*stride : to*stride]}
}

// Gather returns a new tensor with the rows of t selected by indices, in order.
func (t *Tensor) Gather(indices []int) *Tensor {
	if len(t.dims) < 2 {
		exceptions.Panicf("Tensor.Gather: requires rank >= 2 tensor, got rank %d", t.Rank())
	}
	stride := len(t.data) / t.dims[0]
	dims := slices.Clone(t.dims)
	dims[0] = len(indices)
	out := FromShape(dims...)
	for i, idx := range indices {
		if idx < 0 || idx >= t.dims[0] {
			exceptions.Panicf("Tensor.Gather: index %d out of range [0, %d)", idx, t.dims[0])
		}
		copy(out.data[i*stride:(i+1)*stride], t.data[idx*stride:(idx+1)*stride])
	}
	return out
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		dims: slices.Clone(t.dims),
		data: slices.Clone(t.data),
	}
}

// Zeros resets all elements to zero, in place.
func (t *Tensor) Zeros() {
	clear(t.data)
}

// EqualDims reports whether t and o have identical dimensions.
func (t *Tensor) EqualDims(o *Tensor) bool {
	return slices.Equal(t.dims, o.dims)
}

// String implements fmt.Stringer with a short description, not the values.
func (t *Tensor) String() string {
	parts := make([]string, len(t.dims))
	for i, dim := range t.dims {
		parts[i] = fmt.Sprintf("%d", dim)
	}
	return fmt.Sprintf("Tensor[%s]", strings.Join(parts, ", "))
}
