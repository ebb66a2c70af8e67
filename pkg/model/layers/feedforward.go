package layers

import (
	"fmt"

	"headlinegpt/pkg/tensor"
)

// FeedForward is the position-wise network of a transformer block.
//
// Architecture:
//  1. Linear projection: x @ FC1 -> (batch, seq, hidden_dim)
//  2. GELU activation
//  3. Linear projection: @ FC2 -> (batch, seq, emb_dim)
type FeedForward struct {
	FC1 *tensor.Tensor // (emb_dim, hidden_dim)
	FC2 *tensor.Tensor // (hidden_dim, emb_dim)
}

// FeedForwardCache holds the activations of one training forward pass.
type FeedForwardCache struct {
	Input     *tensor.Tensor
	Hidden    *tensor.Tensor // pre-activation
	Activated *tensor.Tensor
}

// NewFeedForward allocates zeroed weights; the model initializes them.
func NewFeedForward(embDim, hiddenDim int) *FeedForward {
	return &FeedForward{
		FC1: tensor.NewTensor([]int{embDim, hiddenDim}),
		FC2: tensor.NewTensor([]int{hiddenDim, embDim}),
	}
}

// Forward computes GELU(x @ FC1) @ FC2.
func (ff *FeedForward) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, _, err := ff.forward(x)
	return out, err
}

// ForwardCached is Forward that keeps the intermediate activations.
func (ff *FeedForward) ForwardCached(x *tensor.Tensor) (*tensor.Tensor, *FeedForwardCache, error) {
	return ff.forward(x)
}

func (ff *FeedForward) forward(x *tensor.Tensor) (*tensor.Tensor, *FeedForwardCache, error) {
	if len(x.Shape) < 2 {
		return nil, nil, fmt.Errorf("expected at least 2D input, got %dD", len(x.Shape))
	}

	lastDim := x.Shape[len(x.Shape)-1]
	if lastDim != ff.FC1.Shape[0] {
		return nil, nil, fmt.Errorf("input dimension %d doesn't match FC1 input dimension %d",
			lastDim, ff.FC1.Shape[0])
	}

	hidden, err := tensor.Matmul(x, ff.FC1)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute FC1 projection: %w", err)
	}

	activated := hidden.GELU()

	output, err := tensor.Matmul(activated, ff.FC2)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute FC2 projection: %w", err)
	}

	return output, &FeedForwardCache{Input: x, Hidden: hidden, Activated: activated}, nil
}

// Backward returns the input gradient and the FC1 and FC2 weight gradients.
func (ff *FeedForward) Backward(cache *FeedForwardCache, dout *tensor.Tensor) (dx, dFC1, dFC2 *tensor.Tensor, err error) {
	if cache == nil {
		return nil, nil, nil, fmt.Errorf("feed-forward backward requires a forward cache")
	}

	dAct, dFC2, err := LinearBackward(cache.Activated, ff.FC2, dout)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("FC2 backward: %w", err)
	}

	dHidden := tensor.GELUBackward(cache.Hidden, dAct)

	dx, dFC1, err = LinearBackward(cache.Input, ff.FC1, dHidden)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("FC1 backward: %w", err)
	}

	return dx, dFC1, dFC2, nil
}
