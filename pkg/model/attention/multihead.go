// Package attention implements causal multi-head self-attention and the
// pre-norm transformer block built around it.
package attention

import (
	"fmt"
	"math"

	"headlinegpt/pkg/model/layers"
	"headlinegpt/pkg/tensor"
)

// MultiHeadAttentionConfig configures a MultiHeadAttention layer.
type MultiHeadAttentionConfig struct {
	NumHeads int
	DIn      int
	DOut     int
}

// MultiHeadAttention implements causal multi-head self-attention.
//
// Queries, keys and values are linear projections of the input split into
// NumHeads heads of HeadDim columns. For each head:
//
//	weights = softmax(mask(Q @ K^T / sqrt(head_dim)))
//	context = weights @ V
//
// Heads are concatenated and projected back with OutProj. No projection has
// a bias.
type MultiHeadAttention struct {
	NumHeads int
	HeadDim  int
	DIn      int
	DOut     int

	WQuery  *tensor.Tensor // (d_in, d_out)
	WKey    *tensor.Tensor // (d_in, d_out)
	WValue  *tensor.Tensor // (d_in, d_out)
	OutProj *tensor.Tensor // (d_out, d_out)
}

// AttentionTrace keeps the activations of a training forward pass.
type AttentionTrace struct {
	Input   *tensor.Tensor // (batch, seq, d_in)
	Q, K, V *tensor.Tensor // (batch, heads, seq, head_dim), Q and K rotated
	Weights *tensor.Tensor // (batch, heads, seq, seq)
	Context *tensor.Tensor // (batch, seq, d_out), heads merged
}

// AttentionGrads holds the weight gradients of one attention layer.
type AttentionGrads struct {
	WQuery, WKey, WValue, OutProj *tensor.Tensor
}

// NewMultiHeadAttention allocates zeroed projection weights.
func NewMultiHeadAttention(config MultiHeadAttentionConfig) (*MultiHeadAttention, error) {
	if config.NumHeads <= 0 || config.DIn <= 0 || config.DOut <= 0 {
		return nil, fmt.Errorf("attention dimensions must be positive, got heads=%d d_in=%d d_out=%d",
			config.NumHeads, config.DIn, config.DOut)
	}
	if config.DOut%config.NumHeads != 0 {
		return nil, fmt.Errorf("d_out (%d) must be divisible by num_heads (%d)", config.DOut, config.NumHeads)
	}

	return &MultiHeadAttention{
		NumHeads: config.NumHeads,
		HeadDim:  config.DOut / config.NumHeads,
		DIn:      config.DIn,
		DOut:     config.DOut,
		WQuery:   tensor.NewTensor([]int{config.DIn, config.DOut}),
		WKey:     tensor.NewTensor([]int{config.DIn, config.DOut}),
		WValue:   tensor.NewTensor([]int{config.DIn, config.DOut}),
		OutProj:  tensor.NewTensor([]int{config.DOut, config.DOut}),
	}, nil
}

// Forward computes causal attention over x of shape (batch, seq, d_in).
//
// rope may be nil for models with learned positions. When cache is non-nil
// the new keys and values are appended to it and the queries attend over the
// whole cached prefix; the queries sit at absolute positions
// cache.Len() .. cache.Len()+seq-1.
func (m *MultiHeadAttention) Forward(x *tensor.Tensor, rope *layers.RoPEParams, cache *KVCache) (*tensor.Tensor, error) {
	out, _, err := m.forward(x, rope, cache)
	return out, err
}

// ForwardTrain is Forward without a cache that also returns the trace
// Backward consumes.
func (m *MultiHeadAttention) ForwardTrain(x *tensor.Tensor, rope *layers.RoPEParams) (*tensor.Tensor, *AttentionTrace, error) {
	return m.forward(x, rope, nil)
}

func (m *MultiHeadAttention) forward(x *tensor.Tensor, rope *layers.RoPEParams, cache *KVCache) (*tensor.Tensor, *AttentionTrace, error) {
	if len(x.Shape) != 3 {
		return nil, nil, fmt.Errorf("expected 3D input (batch, seq, d_in), got %dD with shape %v",
			len(x.Shape), x.Shape)
	}
	if x.Shape[2] != m.DIn {
		return nil, nil, fmt.Errorf("input dimension %d doesn't match expected %d", x.Shape[2], m.DIn)
	}

	// Step 1: project and split into heads -> (batch, heads, seq, head_dim)
	Q, err := m.project(x, m.WQuery)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute Q: %w", err)
	}
	K, err := m.project(x, m.WKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute K: %w", err)
	}
	V, err := m.project(x, m.WValue)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute V: %w", err)
	}

	offset := 0
	if cache != nil {
		offset = cache.Len()
	}

	// Step 2: rotary positions
	if rope != nil {
		if Q, err = layers.ApplyRoPE(Q, rope, offset); err != nil {
			return nil, nil, fmt.Errorf("failed to rotate Q: %w", err)
		}
		if K, err = layers.ApplyRoPE(K, rope, offset); err != nil {
			return nil, nil, fmt.Errorf("failed to rotate K: %w", err)
		}
	}

	// Step 3: extend with cached keys and values
	if cache != nil {
		if K, V, err = cache.Update(K, V); err != nil {
			return nil, nil, fmt.Errorf("failed to update KV cache: %w", err)
		}
	}

	// Step 4: scaled scores (batch, heads, seq, keys)
	scores, err := tensor.MatmulT(Q, K, false, true)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute attention scores: %w", err)
	}
	scores = scores.Scale(float32(1.0 / math.Sqrt(float64(m.HeadDim))))

	// Step 5: causal mask and softmax
	seqLen, keyLen := Q.Shape[2], K.Shape[2]
	scores = tensor.ApplyMask(scores, tensor.CreateOffsetCausalMask(seqLen, keyLen))
	weights, err := tensor.Softmax(scores, 3)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to apply softmax: %w", err)
	}

	// Step 6: weighted values, merged heads, output projection
	ctx, err := tensor.Matmul(weights, V)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to apply attention to V: %w", err)
	}
	merged, err := m.mergeHeads(ctx)
	if err != nil {
		return nil, nil, err
	}
	output, err := tensor.Matmul(merged, m.OutProj)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to apply output projection: %w", err)
	}

	trace := &AttentionTrace{Input: x, Q: Q, K: K, V: V, Weights: weights, Context: merged}
	return output, trace, nil
}

// Backward propagates dout (batch, seq, d_out) through a traced forward pass.
func (m *MultiHeadAttention) Backward(trace *AttentionTrace, rope *layers.RoPEParams, dout *tensor.Tensor) (*tensor.Tensor, AttentionGrads, error) {
	var grads AttentionGrads
	if trace == nil {
		return nil, grads, fmt.Errorf("attention backward requires a forward trace")
	}

	dMerged, dOutProj, err := layers.LinearBackward(trace.Context, m.OutProj, dout)
	if err != nil {
		return nil, grads, fmt.Errorf("output projection backward: %w", err)
	}
	grads.OutProj = dOutProj

	dCtx, err := m.splitHeads(dMerged)
	if err != nil {
		return nil, grads, err
	}

	// context = weights @ V
	dWeights, err := tensor.MatmulT(dCtx, trace.V, false, true)
	if err != nil {
		return nil, grads, fmt.Errorf("weights backward: %w", err)
	}
	dV, err := tensor.MatmulT(trace.Weights, dCtx, true, false)
	if err != nil {
		return nil, grads, fmt.Errorf("values backward: %w", err)
	}

	dScores := softmaxBackward(trace.Weights, dWeights, float32(1.0/math.Sqrt(float64(m.HeadDim))))

	// scores = Q @ K^T
	dQ, err := tensor.Matmul(dScores, trace.K)
	if err != nil {
		return nil, grads, fmt.Errorf("query backward: %w", err)
	}
	dK, err := tensor.MatmulT(dScores, trace.Q, true, false)
	if err != nil {
		return nil, grads, fmt.Errorf("key backward: %w", err)
	}

	if rope != nil {
		if dQ, err = layers.RoPEBackward(dQ, rope, 0); err != nil {
			return nil, grads, err
		}
		if dK, err = layers.RoPEBackward(dK, rope, 0); err != nil {
			return nil, grads, err
		}
	}

	dx := tensor.NewTensor(trace.Input.Shape)
	for _, p := range []struct {
		grad *tensor.Tensor
		w    *tensor.Tensor
		dst  **tensor.Tensor
	}{
		{dQ, m.WQuery, &grads.WQuery},
		{dK, m.WKey, &grads.WKey},
		{dV, m.WValue, &grads.WValue},
	} {
		merged, err := m.mergeHeads(p.grad)
		if err != nil {
			return nil, grads, err
		}
		dIn, dW, err := layers.LinearBackward(trace.Input, p.w, merged)
		if err != nil {
			return nil, grads, fmt.Errorf("projection backward: %w", err)
		}
		*p.dst = dW
		if err := tensor.AddInPlace(dx, dIn); err != nil {
			return nil, grads, err
		}
	}

	return dx, grads, nil
}

// softmaxBackward maps the gradient of softmax weights back to the scaled
// scores and through the 1/sqrt(head_dim) scale:
//
//	dS = scale * w * (dW - sum(w * dW))
//
// Masked entries have w = 0 and receive no gradient.
func softmaxBackward(weights, dWeights *tensor.Tensor, scale float32) *tensor.Tensor {
	n := weights.Shape[len(weights.Shape)-1]
	out := tensor.NewTensor(weights.Shape)

	for off := 0; off < len(weights.Data); off += n {
		w := weights.Data[off : off+n]
		g := dWeights.Data[off : off+n]

		dotWG := 0.0
		for i := range w {
			dotWG += float64(w[i]) * float64(g[i])
		}
		for i := range w {
			out.Data[off+i] = scale * w[i] * (g[i] - float32(dotWG))
		}
	}

	return out
}

// project computes x @ w and splits the result into heads.
func (m *MultiHeadAttention) project(x, w *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := tensor.Matmul(x, w)
	if err != nil {
		return nil, err
	}
	return m.splitHeads(y)
}

// splitHeads turns (batch, seq, d_out) into (batch, heads, seq, head_dim).
func (m *MultiHeadAttention) splitHeads(x *tensor.Tensor) (*tensor.Tensor, error) {
	batchSize, seqLen := x.Shape[0], x.Shape[1]
	v, err := x.View([]int{batchSize, seqLen, m.NumHeads, m.HeadDim})
	if err != nil {
		return nil, fmt.Errorf("failed to split heads: %w", err)
	}
	return v.Transpose(1, 2)
}

// mergeHeads turns (batch, heads, seq, head_dim) into (batch, seq, d_out).
func (m *MultiHeadAttention) mergeHeads(x *tensor.Tensor) (*tensor.Tensor, error) {
	t, err := x.Transpose(1, 2)
	if err != nil {
		return nil, fmt.Errorf("failed to merge heads: %w", err)
	}
	return t.View([]int{x.Shape[0], x.Shape[2], m.DOut})
}
