package attention

import (
	"fmt"

	"headlinegpt/pkg/tensor"
)

// KVCache stores the keys and values one attention layer has produced so far
// during a generation call, so each step only projects the newest token.
//
// Shapes:
//   - K, V: (batch, num_heads, max_length, head_dim), preallocated
//   - returned views: (batch, num_heads, Len(), head_dim)
//
// Keys are stored after the rotary rotation (if any), so cached entries keep
// the absolute position they were computed at.
type KVCache struct {
	K         *tensor.Tensor
	V         *tensor.Tensor
	pos       int
	maxLength int
	batchSize int
	numHeads  int
	headDim   int
}

// NewKVCache creates a cache with capacity for maxLength positions.
func NewKVCache(batchSize, numHeads, maxLength, headDim int) *KVCache {
	shape := []int{batchSize, numHeads, maxLength, headDim}
	return &KVCache{
		K:         tensor.NewTensor(shape),
		V:         tensor.NewTensor(shape),
		maxLength: maxLength,
		batchSize: batchSize,
		numHeads:  numHeads,
		headDim:   headDim,
	}
}

// Update appends (batch, num_heads, new_tokens, head_dim) keys and values and
// returns the full cached prefix.
func (c *KVCache) Update(newK, newV *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if len(newK.Shape) != 4 || len(newV.Shape) != 4 {
		return nil, nil, fmt.Errorf("expected 4D tensors, got K=%dD, V=%dD", len(newK.Shape), len(newV.Shape))
	}
	if !newK.ShapeEquals(newV) {
		return nil, nil, fmt.Errorf("newK and newV must have same shape, got K=%v, V=%v", newK.Shape, newV.Shape)
	}

	batchSize, numHeads, newTokens, headDim := newK.Shape[0], newK.Shape[1], newK.Shape[2], newK.Shape[3]
	if batchSize != c.batchSize || numHeads != c.numHeads || headDim != c.headDim {
		return nil, nil, fmt.Errorf("cache holds (%d, %d, *, %d), got %v",
			c.batchSize, c.numHeads, c.headDim, newK.Shape)
	}
	if c.pos+newTokens > c.maxLength {
		return nil, nil, fmt.Errorf("cache overflow: cannot add %d tokens at position %d (max %d)",
			newTokens, c.pos, c.maxLength)
	}

	// Each (batch, head) pair owns a contiguous run of max_length rows.
	span := newTokens * headDim
	for bh := 0; bh < batchSize*numHeads; bh++ {
		dst := (bh*c.maxLength + c.pos) * headDim
		src := bh * span
		copy(c.K.Data[dst:dst+span], newK.Data[src:src+span])
		copy(c.V.Data[dst:dst+span], newV.Data[src:src+span])
	}
	c.pos += newTokens

	k, v, _ := c.GetKV()
	return k, v, nil
}

// GetKV returns copies of the cached keys and values and the cached length.
func (c *KVCache) GetKV() (k, v *tensor.Tensor, seqLen int) {
	return c.prefix(c.K), c.prefix(c.V), c.pos
}

func (c *KVCache) prefix(t *tensor.Tensor) *tensor.Tensor {
	out := tensor.NewTensor([]int{c.batchSize, c.numHeads, c.pos, c.headDim})
	span := c.pos * c.headDim
	for bh := 0; bh < c.batchSize*c.numHeads; bh++ {
		src := bh * c.maxLength * c.headDim
		copy(out.Data[bh*span:(bh+1)*span], t.Data[src:src+span])
	}
	return out
}

// Len returns the number of cached positions, which is also the absolute
// position of the next token.
func (c *KVCache) Len() int {
	return c.pos
}

// MaxLength returns the cache capacity.
func (c *KVCache) MaxLength() int {
	return c.maxLength
}

// SizeBytes returns the memory held by the K and V buffers.
func (c *KVCache) SizeBytes() int {
	return 2 * 4 * c.batchSize * c.numHeads * c.maxLength * c.headDim
}

// Clear empties the cache and zeroes its buffers.
func (c *KVCache) Clear() {
	c.pos = 0
	clear(c.K.Data)
	clear(c.V.Data)
}
