// Package tensor provides basic tensor operations for the language model.
// This is a simplified implementation focused on the needs of transformer models.
// Dense matrix products are delegated to gonum's float32 BLAS.
package tensor

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// MaskValue is added to attention scores at masked positions before softmax.
// It is large enough that exp(MaskValue - max) underflows to exactly zero.
const MaskValue = -1e9

// Tensor represents a multi-dimensional array of float32 values.
// It stores data in a flat slice with shape information for indexing.
type Tensor struct {
	Data    []float32 // Flattened data storage
	Shape   []int     // Dimensions (e.g., [batch, heads, seq, dim])
	Strides []int     // Precomputed strides for indexing
}

// NewTensor creates a new tensor with the given shape, initialized to zeros.
func NewTensor(shape []int) *Tensor {
	size := 1
	for _, dim := range shape {
		size *= dim
	}

	return &Tensor{
		Data:    make([]float32, size),
		Shape:   copyShape(shape),
		Strides: computeStrides(shape),
	}
}

// FromSlice creates a tensor from existing data with the given shape.
// Returns an error if data size doesn't match the shape.
func FromSlice(data []float32, shape []int) (*Tensor, error) {
	expectedSize := 1
	for _, dim := range shape {
		if dim < 0 {
			return nil, fmt.Errorf("invalid dimension %d in shape %v", dim, shape)
		}
		expectedSize *= dim
	}
	if len(data) != expectedSize {
		return nil, fmt.Errorf("data size %d does not match shape %v (expected %d elements)",
			len(data), shape, expectedSize)
	}

	dataCopy := make([]float32, len(data))
	copy(dataCopy, data)

	return &Tensor{
		Data:    dataCopy,
		Shape:   copyShape(shape),
		Strides: computeStrides(shape),
	}, nil
}

// ZerosLike returns a zero tensor with the same shape as t.
func ZerosLike(t *Tensor) *Tensor {
	return NewTensor(t.Shape)
}

// View returns a new tensor with a different shape but sharing the same underlying data.
// Returns an error if total size doesn't match.
func (t *Tensor) View(newShape []int) (*Tensor, error) {
	newSize := 1
	for _, dim := range newShape {
		if dim < 0 {
			return nil, fmt.Errorf("invalid dimension %d in shape %v", dim, newShape)
		}
		newSize *= dim
	}

	if newSize != len(t.Data) {
		return nil, fmt.Errorf("cannot view tensor of size %d as shape %v (total size %d)",
			len(t.Data), newShape, newSize)
	}

	return &Tensor{
		Data:    t.Data,
		Shape:   copyShape(newShape),
		Strides: computeStrides(newShape),
	}, nil
}

// Transpose exchanges two dimensions of the tensor. The result owns its data.
func (t *Tensor) Transpose(dim1, dim2 int) (*Tensor, error) {
	rank := len(t.Shape)
	if dim1 < 0 || dim1 >= rank || dim2 < 0 || dim2 >= rank {
		return nil, fmt.Errorf("invalid transpose dimensions %d and %d for tensor with %d dimensions",
			dim1, dim2, rank)
	}

	if dim1 == dim2 {
		return t.Clone(), nil
	}

	newShape := copyShape(t.Shape)
	newShape[dim1], newShape[dim2] = newShape[dim2], newShape[dim1]
	result := NewTensor(newShape)

	// Destination stride for each source dimension.
	dstStrides := copyShape(result.Strides)
	dstStrides[dim1], dstStrides[dim2] = result.Strides[dim2], result.Strides[dim1]

	idx := make([]int, rank)
	dst := 0
	for src := range t.Data {
		result.Data[dst] = t.Data[src]

		// Odometer increment over source indices.
		for d := rank - 1; d >= 0; d-- {
			idx[d]++
			dst += dstStrides[d]
			if idx[d] < t.Shape[d] {
				break
			}
			dst -= idx[d] * dstStrides[d]
			idx[d] = 0
		}
	}

	return result, nil
}

// Clone creates a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	return NewTensorFromData(t.Data, t.Shape)
}

// NewTensorFromData creates a tensor from existing data with the given shape.
// It copies the data to ensure the tensor owns its memory.
func NewTensorFromData(data []float32, shape []int) *Tensor {
	result, err := FromSlice(data, shape)
	if err != nil {
		panic(err)
	}
	return result
}

// Equals checks if two tensors have the same shape and approximately equal values.
func (t *Tensor) Equals(other *Tensor, tolerance float32) bool {
	if !t.ShapeEquals(other) {
		return false
	}
	for i := range t.Data {
		if math.Abs(float64(t.Data[i]-other.Data[i])) > float64(tolerance) {
			return false
		}
	}
	return true
}

// ShapeEquals checks if two tensors have the same shape.
func (t *Tensor) ShapeEquals(other *Tensor) bool {
	return SameShape(t.Shape, other.Shape)
}

// SameShape reports whether two shapes are identical.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Matmul performs matrix multiplication on the last two dimensions.
// For tensors of shape (..., m, n) and (..., n, p), returns (..., m, p).
// Supports broadcasting: if one operand is 2D and the other has batch dims,
// the 2D operand is shared across the batch.
func Matmul(a, b *Tensor) (*Tensor, error) {
	return MatmulT(a, b, false, false)
}

// MatmulT is Matmul with optional transposition of the last two dimensions of
// either operand. No transposed copy is materialized.
func MatmulT(a, b *Tensor, transA, transB bool) (*Tensor, error) {
	if len(a.Shape) < 2 || len(b.Shape) < 2 {
		return nil, fmt.Errorf("matmul requires at least 2D tensors, got %dD and %dD",
			len(a.Shape), len(b.Shape))
	}

	aRows, aCols := a.Shape[len(a.Shape)-2], a.Shape[len(a.Shape)-1]
	bRows, bCols := b.Shape[len(b.Shape)-2], b.Shape[len(b.Shape)-1]

	m, k := aRows, aCols
	if transA {
		m, k = aCols, aRows
	}
	k2, p := bRows, bCols
	if transB {
		k2, p = bCols, bRows
	}

	if k != k2 {
		return nil, fmt.Errorf("incompatible shapes for matmul: %v and %v (inner dimensions %d and %d don't match)",
			a.Shape, b.Shape, k, k2)
	}

	aBatch := a.Shape[:len(a.Shape)-2]
	bBatch := b.Shape[:len(b.Shape)-2]

	var batchDims []int
	switch {
	case len(bBatch) == 0:
		batchDims = aBatch
	case len(aBatch) == 0:
		batchDims = bBatch
	case SameShape(aBatch, bBatch):
		batchDims = aBatch
	default:
		return nil, fmt.Errorf("incompatible batch dimensions for matmul: %v and %v", a.Shape, b.Shape)
	}

	batchSize := 1
	for _, dim := range batchDims {
		batchSize *= dim
	}

	resultShape := append(copyShape(batchDims), m, p)
	result := NewTensor(resultShape)
	if m == 0 || p == 0 || k == 0 {
		return result, nil
	}

	aStep, bStep := aRows*aCols, bRows*bCols
	if len(aBatch) == 0 {
		aStep = 0
	}
	if len(bBatch) == 0 {
		bStep = 0
	}

	// A shared right operand lets a non-transposed left operand be folded
	// into one tall matrix product.
	if bStep == 0 && !transA && batchSize > 1 {
		gemm(a.Data, batchSize*aRows, aCols, false, b.Data, bRows, bCols, transB, result.Data, batchSize*m, p)
		return result, nil
	}

	for bi := 0; bi < batchSize; bi++ {
		gemm(
			a.Data[bi*aStep:bi*aStep+aRows*aCols], aRows, aCols, transA,
			b.Data[bi*bStep:bi*bStep+bRows*bCols], bRows, bCols, transB,
			result.Data[bi*m*p:(bi+1)*m*p], m, p,
		)
	}

	return result, nil
}

// gemm computes c = op(a) @ op(b) for row-major matrices.
func gemm(a []float32, aRows, aCols int, transA bool, b []float32, bRows, bCols int, transB bool, c []float32, cRows, cCols int) {
	tA, tB := blas.NoTrans, blas.NoTrans
	if transA {
		tA = blas.Trans
	}
	if transB {
		tB = blas.Trans
	}
	blas32.Gemm(tA, tB, 1,
		blas32.General{Rows: aRows, Cols: aCols, Stride: aCols, Data: a},
		blas32.General{Rows: bRows, Cols: bCols, Stride: bCols, Data: b},
		0,
		blas32.General{Rows: cRows, Cols: cCols, Stride: cCols, Data: c},
	)
}

// Scale multiplies all elements by a scalar.
func Scale(t *Tensor, scalar float32) *Tensor {
	result := NewTensor(t.Shape)
	for i := range t.Data {
		result.Data[i] = t.Data[i] * scalar
	}
	return result
}

// Scale multiplies all elements by a scalar (tensor method version).
func (t *Tensor) Scale(s float32) *Tensor {
	return Scale(t, s)
}

// Softmax applies softmax along the specified dimension.
// The maximum of each slice is subtracted before exponentiation.
func Softmax(t *Tensor, dim int) (*Tensor, error) {
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("invalid dimension %d for tensor with %d dimensions", dim, len(t.Shape))
	}

	result := NewTensor(t.Shape)
	sliceSize := t.Shape[dim]
	if sliceSize == 0 || len(t.Data) == 0 {
		return result, nil
	}

	// Elements along dim are Strides[dim] apart; slices are grouped by outer index.
	stride := t.Strides[dim]
	outer := len(t.Data) / (sliceSize * stride)
	expVals := make([]float64, sliceSize)

	for o := 0; o < outer; o++ {
		for in := 0; in < stride; in++ {
			base := o*sliceSize*stride + in

			maxVal := math.Inf(-1)
			for i := 0; i < sliceSize; i++ {
				if v := float64(t.Data[base+i*stride]); v > maxVal {
					maxVal = v
				}
			}

			expSum := 0.0
			for i := 0; i < sliceSize; i++ {
				expVals[i] = math.Exp(float64(t.Data[base+i*stride]) - maxVal)
				expSum += expVals[i]
			}

			for i := 0; i < sliceSize; i++ {
				result.Data[base+i*stride] = float32(expVals[i] / expSum)
			}
		}
	}

	return result, nil
}

// Add performs element-wise addition with broadcasting.
func Add(a, b *Tensor) (*Tensor, error) {
	return elementWiseOp(a, b, func(x, y float32) float32 { return x + y })
}

// AddInPlace accumulates src into dst. Shapes must match exactly.
func AddInPlace(dst, src *Tensor) error {
	if !dst.ShapeEquals(src) {
		return fmt.Errorf("cannot accumulate shape %v into %v", src.Shape, dst.Shape)
	}
	for i, v := range src.Data {
		dst.Data[i] += v
	}
	return nil
}

// elementWiseOp performs an element-wise operation with broadcasting
func elementWiseOp(a, b *Tensor, op func(float32, float32) float32) (*Tensor, error) {
	if a.ShapeEquals(b) {
		result := NewTensor(a.Shape)
		for i := range a.Data {
			result.Data[i] = op(a.Data[i], b.Data[i])
		}
		return result, nil
	}

	outShape, err := broadcastShapes(a.Shape, b.Shape)
	if err != nil {
		return nil, fmt.Errorf("cannot broadcast shapes %v and %v: %w", a.Shape, b.Shape, err)
	}

	result := NewTensor(outShape)
	aStrides := broadcastStrides(a.Shape, outShape)
	bStrides := broadcastStrides(b.Shape, outShape)

	indices := make([]int, len(outShape))
	for out := range result.Data {
		aIdx, bIdx := 0, 0
		for d := range outShape {
			aIdx += indices[d] * aStrides[d]
			bIdx += indices[d] * bStrides[d]
		}
		result.Data[out] = op(a.Data[aIdx], b.Data[bIdx])

		for d := len(outShape) - 1; d >= 0; d-- {
			indices[d]++
			if indices[d] < outShape[d] {
				break
			}
			indices[d] = 0
		}
	}

	return result, nil
}

// broadcastShapes computes the broadcasted shape of two shapes
func broadcastShapes(a, b []int) ([]int, error) {
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}

	result := make([]int, maxLen)

	for i := 0; i < maxLen; i++ {
		dimA := 1
		if i < len(a) {
			dimA = a[len(a)-1-i]
		}
		dimB := 1
		if i < len(b) {
			dimB = b[len(b)-1-i]
		}

		if dimA != dimB && dimA != 1 && dimB != 1 {
			return nil, fmt.Errorf("incompatible dimensions %d and %d", dimA, dimB)
		}

		if dimA > dimB {
			result[maxLen-1-i] = dimA
		} else {
			result[maxLen-1-i] = dimB
		}
	}

	return result, nil
}

// broadcastStrides returns strides of inShape aligned to outShape, with zero
// stride on broadcast dimensions.
func broadcastStrides(inShape, outShape []int) []int {
	inStrides := computeStrides(inShape)
	diff := len(outShape) - len(inShape)
	strides := make([]int, len(outShape))
	for i := range inShape {
		if inShape[i] != 1 {
			strides[i+diff] = inStrides[i]
		}
	}
	return strides
}

// ApplyMask adds MaskValue to every element whose mask entry is 0.
// The mask covers the trailing dimensions of t and is broadcast over the
// leading ones, so a (seq, seq) mask applies to every (batch, head) slice.
func ApplyMask(t, mask *Tensor) *Tensor {
	result := t.Clone()
	if len(mask.Data) == 0 {
		return result
	}

	for i := range result.Data {
		if mask.Data[i%len(mask.Data)] == 0 {
			result.Data[i] += MaskValue
		}
	}

	return result
}

// CreateOffsetCausalMask builds a (queries, keys) mask for queries that sit at
// the end of a key sequence, as happens when new tokens attend over cached keys.
// Query i has absolute position keys-queries+i and sees keys up to that position.
func CreateOffsetCausalMask(queries, keys int) *Tensor {
	mask := NewTensor([]int{queries, keys})
	offset := keys - queries
	for i := 0; i < queries; i++ {
		for j := 0; j <= i+offset && j < keys; j++ {
			mask.Data[i*keys+j] = 1
		}
	}
	return mask
}

// AllFinite reports whether every element is neither NaN nor infinite.
func (t *Tensor) AllFinite() bool {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// String returns a string representation of the tensor.
func (t *Tensor) String() string {
	var sb strings.Builder
	sb.WriteString("Tensor[")
	for i, dim := range t.Shape {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%d", dim))
	}
	sb.WriteString("]")

	if len(t.Data) == 0 {
		return sb.String()
	}
	sb.WriteString(": ")
	sb.WriteString(t.formatData(t.Shape, t.Data, 0))

	return sb.String()
}

// formatData recursively formats tensor data
func (t *Tensor) formatData(shape []int, data []float32, offset int) string {
	if len(shape) == 0 {
		return fmt.Sprintf("%g", data[offset])
	}

	var sb strings.Builder
	sb.WriteString("[")
	if len(shape) == 1 {
		for i := 0; i < shape[0] && i < 6; i++ {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%g", data[offset+i]))
		}
		if shape[0] > 6 {
			sb.WriteString(", ...")
		}
		sb.WriteString("]")
		return sb.String()
	}

	subSize := 1
	for i := 1; i < len(shape); i++ {
		subSize *= shape[i]
	}

	for i := 0; i < shape[0] && i < 3; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(t.formatData(shape[1:], data, offset+i*subSize))
	}
	if shape[0] > 3 {
		sb.WriteString(", ...")
	}
	sb.WriteString("]")
	return sb.String()
}

// computeStrides returns row-major strides for shape.
func computeStrides(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

// copyShape creates a copy of a shape slice
func copyShape(shape []int) []int {
	result := make([]int, len(shape))
	copy(result, shape)
	return result
}
