package attention

import (
	"fmt"
	"math/rand/v2"

	"headlinegpt/pkg/model/layers"
	"headlinegpt/pkg/tensor"
)

// TransformerBlock implements one pre-norm transformer block.
//
// Architecture (per block):
//  1. shortcut = x
//  2. x = Norm1(x)           # Pre-attention layer norm
//  3. x = Attn(x)            # Causal multi-head attention
//  4. x = Dropout(x)         # Training only
//  5. x = x + shortcut       # Residual connection
//  6. shortcut = x
//  7. x = Norm2(x)           # Pre-FFN layer norm
//  8. x = FF(x)              # Feed-forward network
//  9. x = Dropout(x)         # Training only
//  10. x = x + shortcut      # Residual connection
type TransformerBlock struct {
	Attn    *MultiHeadAttention
	FF      *layers.FeedForward
	Norm1   *layers.LayerNorm // Pre-attention
	Norm2   *layers.LayerNorm // Pre-FFN
	Dropout float32
}

// BlockTrace is everything Backward needs from one training forward pass.
type BlockTrace struct {
	Norm1    *layers.LayerNormCache
	Attn     *AttentionTrace
	AttnMask *tensor.Tensor // nil when dropout was not applied
	Norm2    *layers.LayerNormCache
	FF       *layers.FeedForwardCache
	FFMask   *tensor.Tensor
}

// BlockGrads holds the parameter gradients of one block.
type BlockGrads struct {
	Attn       AttentionGrads
	FC1, FC2   *tensor.Tensor
	Norm1Scale *tensor.Tensor
	Norm1Shift *tensor.Tensor
	Norm2Scale *tensor.Tensor
	Norm2Shift *tensor.Tensor
}

// NewTransformerBlock assembles a block from its layers.
func NewTransformerBlock(attn *MultiHeadAttention, ff *layers.FeedForward, norm1, norm2 *layers.LayerNorm, dropout float32) *TransformerBlock {
	return &TransformerBlock{
		Attn:    attn,
		FF:      ff,
		Norm1:   norm1,
		Norm2:   norm2,
		Dropout: dropout,
	}
}

// Forward computes the block in inference mode (no dropout). cache may be nil.
func (b *TransformerBlock) Forward(x *tensor.Tensor, rope *layers.RoPEParams, cache *KVCache) (*tensor.Tensor, error) {
	normed, err := b.Norm1.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("failed to apply Norm1: %w", err)
	}

	attnOut, err := b.Attn.Forward(normed, rope, cache)
	if err != nil {
		return nil, fmt.Errorf("failed to compute attention: %w", err)
	}

	x, err = tensor.Add(attnOut, x)
	if err != nil {
		return nil, fmt.Errorf("failed to add attention residual: %w", err)
	}

	normed, err = b.Norm2.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("failed to apply Norm2: %w", err)
	}

	ffOut, err := b.FF.Forward(normed)
	if err != nil {
		return nil, fmt.Errorf("failed to compute feed-forward: %w", err)
	}

	output, err := tensor.Add(ffOut, x)
	if err != nil {
		return nil, fmt.Errorf("failed to add feed-forward residual: %w", err)
	}

	return output, nil
}

// ForwardTrain computes the block with dropout drawn from rng and records a
// trace for Backward. A nil rng disables dropout.
func (b *TransformerBlock) ForwardTrain(x *tensor.Tensor, rope *layers.RoPEParams, rng *rand.Rand) (*tensor.Tensor, *BlockTrace, error) {
	trace := &BlockTrace{}

	normed, norm1, err := b.Norm1.ForwardCached(x)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to apply Norm1: %w", err)
	}
	trace.Norm1 = norm1

	attnOut, attnTrace, err := b.Attn.ForwardTrain(normed, rope)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute attention: %w", err)
	}
	trace.Attn = attnTrace

	attnOut, trace.AttnMask, err = attnOut.Dropout(b.Dropout, rng)
	if err != nil {
		return nil, nil, err
	}

	x, err = tensor.Add(attnOut, x)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to add attention residual: %w", err)
	}

	normed, norm2, err := b.Norm2.ForwardCached(x)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to apply Norm2: %w", err)
	}
	trace.Norm2 = norm2

	ffOut, ffCache, err := b.FF.ForwardCached(normed)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute feed-forward: %w", err)
	}
	trace.FF = ffCache

	ffOut, trace.FFMask, err = ffOut.Dropout(b.Dropout, rng)
	if err != nil {
		return nil, nil, err
	}

	output, err := tensor.Add(ffOut, x)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to add feed-forward residual: %w", err)
	}

	return output, trace, nil
}

// Backward propagates dout through a traced block and returns the input
// gradient together with the block's parameter gradients.
func (b *TransformerBlock) Backward(trace *BlockTrace, rope *layers.RoPEParams, dout *tensor.Tensor) (*tensor.Tensor, *BlockGrads, error) {
	if trace == nil {
		return nil, nil, fmt.Errorf("block backward requires a forward trace")
	}
	grads := &BlockGrads{}

	// Feed-forward branch.
	dNormed2, dFC1, dFC2, err := b.FF.Backward(trace.FF, tensor.ApplyDropoutMask(dout, trace.FFMask))
	if err != nil {
		return nil, nil, err
	}
	grads.FC1, grads.FC2 = dFC1, dFC2

	dMid, dScale2, dShift2, err := b.Norm2.Backward(trace.Norm2, dNormed2)
	if err != nil {
		return nil, nil, fmt.Errorf("Norm2 backward: %w", err)
	}
	grads.Norm2Scale, grads.Norm2Shift = dScale2, dShift2
	if err := tensor.AddInPlace(dMid, dout); err != nil {
		return nil, nil, err
	}

	// Attention branch.
	dNormed1, attnGrads, err := b.Attn.Backward(trace.Attn, rope, tensor.ApplyDropoutMask(dMid, trace.AttnMask))
	if err != nil {
		return nil, nil, err
	}
	grads.Attn = attnGrads

	dx, dScale1, dShift1, err := b.Norm1.Backward(trace.Norm1, dNormed1)
	if err != nil {
		return nil, nil, fmt.Errorf("Norm1 backward: %w", err)
	}
	grads.Norm1Scale, grads.Norm1Shift = dScale1, dShift1
	if err := tensor.AddInPlace(dx, dMid); err != nil {
		return nil, nil, err
	}

	return dx, grads, nil
}
