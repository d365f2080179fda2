package tensors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromShape(t *testing.T) {
	x := FromShape(2, 3)
	assert.Equal(t, 2, x.Rank())
	assert.Equal(t, []int{2, 3}, x.Dims())
	assert.Equal(t, 6, x.Size())
	assert.Equal(t, make([]float32, 6), x.Flat())
	assert.Equal(t, "Tensor[2, 3]", x.String())

	require.Panics(t, func() { FromShape() })
	require.Panics(t, func() { FromShape(2, 0) })
	require.Panics(t, func() { FromShape(-1) })
}

func TestFromFlat(t *testing.T) {
	data := []float32{1, 2, 3, 4, 5, 6}
	x := FromFlat(data, 2, 3)
	assert.Equal(t, []int{2, 3}, x.Dims())

	// FromFlat wraps, it does not copy.
	data[0] = 42
	assert.Equal(t, float32(42), x.Flat()[0])

	require.Panics(t, func() { FromFlat(data, 2, 2) })
}

func TestRowAndRows(t *testing.T) {
	x := FromFlat([]float32{1, 2, 3, 4, 5, 6, 7, 8}, 4, 2)
	assert.Equal(t, []float32{3, 4}, x.Row(1))

	view := x.Rows(1, 3)
	assert.Equal(t, []int{2, 2}, view.Dims())
	assert.Equal(t, []float32{3, 4, 5, 6}, view.Flat())

	// Views share storage with the parent.
	view.Row(0)[0] = -1
	assert.Equal(t, float32(-1), x.Row(1)[0])

	require.Panics(t, func() { FromFlat([]float32{1, 2}, 2).Row(0) })
	require.Panics(t, func() { x.Rows(3, 3) })
	require.Panics(t, func() { x.Rows(0, 5) })
}

func TestGather(t *testing.T) {
	x := FromFlat([]float32{1, 2, 3, 4, 5, 6}, 3, 2)
	picked := x.Gather([]int{2, 0, 2})
	assert.Equal(t, []int{3, 2}, picked.Dims())
	assert.Equal(t, []float32{5, 6, 1, 2, 5, 6}, picked.Flat())

	// Gather copies.
	picked.Flat()[0] = 99
	assert.Equal(t, float32(5), x.Row(2)[0])

	require.Panics(t, func() { x.Gather([]int{3}) })
}

func TestCloneAndZeros(t *testing.T) {
	x := FromFlat([]float32{1, 2, 3, 4}, 2, 2)
	y := x.Clone()
	require.True(t, x.EqualDims(y))
	y.Flat()[0] = 7
	assert.Equal(t, float32(1), x.Flat()[0])

	x.Zeros()
	assert.Equal(t, []float32{0, 0, 0, 0}, x.Flat())
	assert.Equal(t, []float32{7, 2, 3, 4}, y.Flat())
}
