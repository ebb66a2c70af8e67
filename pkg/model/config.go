// Package model provides the decoder-only transformer language model: token
// and position embeddings, a stack of pre-norm transformer blocks, the final
// projection to vocabulary logits, the training forward/backward pass and the
// autoregressive sampler.
//
// Architecture:
//   - LayerNorm with scale (gamma) and shift (beta)
//   - Causal multi-head attention without biases
//   - GELU feed-forward network expanded by a configurable factor
//   - Learned positional embeddings, or rotary embeddings (RoPE)
package model

import (
	"fmt"
	"math"
)

// Positional encoding schemes.
const (
	PositionalLearned = "learned"
	PositionalRoPE    = "rope"
)

const (
	defaultLayerNormEps = 1e-5
	defaultRoPETheta    = 10000
)

// Config holds the hyperparameters that fix the model architecture. The JSON
// names are the ones stored in configuration files and checkpoints.
type Config struct {
	// ContextLength is the maximum number of positions in one forward pass.
	ContextLength int `json:"context_length"`

	// VocabSize is the number of token ids; valid ids are [0, VocabSize).
	VocabSize int `json:"vocab_size"`

	// EmbeddingDim is the model width.
	EmbeddingDim int `json:"embedding_dim"`

	NumLayers int `json:"num_layers"`
	NumHeads  int `json:"num_heads"`

	// FeedForwardExpansion multiplies EmbeddingDim to give the hidden width
	// of each feed-forward network.
	FeedForwardExpansion int `json:"feed_forward_expansion_factor"`

	// DropoutRate is applied to embeddings and residual branches during
	// training only.
	DropoutRate float32 `json:"dropout_rate"`

	// Positional selects "learned" (default when empty) or "rope".
	Positional string `json:"positional,omitempty"`

	// RoPETheta is the rotary frequency base; 0 means 10000.
	RoPETheta float32 `json:"rope_theta,omitempty"`

	// LayerNormEps is added to the variance; 0 means 1e-5.
	LayerNormEps float32 `json:"layer_norm_eps,omitempty"`
}

// DefaultConfig returns a small configuration suited to headline-length
// text. VocabSize is normally replaced by the size of the compacted
// tokenizer vocabulary.
func DefaultConfig() Config {
	return Config{
		ContextLength:        64,
		VocabSize:            4096,
		EmbeddingDim:         128,
		NumLayers:            4,
		NumHeads:             4,
		FeedForwardExpansion: 4,
		DropoutRate:          0.1,
		Positional:           PositionalLearned,
		LayerNormEps:         defaultLayerNormEps,
	}
}

// Validate checks that the configuration describes a buildable model. All
// failures wrap ErrConfiguration.
func (c Config) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"context_length", c.ContextLength},
		{"vocab_size", c.VocabSize},
		{"embedding_dim", c.EmbeddingDim},
		{"num_layers", c.NumLayers},
		{"num_heads", c.NumHeads},
		{"feed_forward_expansion_factor", c.FeedForwardExpansion},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrConfiguration, p.name, p.value)
		}
	}

	if c.EmbeddingDim%c.NumHeads != 0 {
		return fmt.Errorf("%w: embedding_dim (%d) must be divisible by num_heads (%d)",
			ErrConfiguration, c.EmbeddingDim, c.NumHeads)
	}
	if c.DropoutRate < 0 || c.DropoutRate >= 1 || math.IsNaN(float64(c.DropoutRate)) {
		return fmt.Errorf("%w: dropout_rate must be in [0, 1), got %v", ErrConfiguration, c.DropoutRate)
	}
	if c.LayerNormEps < 0 {
		return fmt.Errorf("%w: layer_norm_eps must not be negative, got %v", ErrConfiguration, c.LayerNormEps)
	}

	switch c.Positional {
	case "", PositionalLearned:
	case PositionalRoPE:
		if c.HeadDim()%2 != 0 {
			return fmt.Errorf("%w: rope needs an even head dimension, got %d", ErrConfiguration, c.HeadDim())
		}
		if c.RoPETheta < 0 {
			return fmt.Errorf("%w: rope_theta must be positive, got %v", ErrConfiguration, c.RoPETheta)
		}
	default:
		return fmt.Errorf("%w: unknown positional scheme %q", ErrConfiguration, c.Positional)
	}

	return nil
}

// HeadDim returns the width of one attention head.
func (c Config) HeadDim() int {
	return c.EmbeddingDim / c.NumHeads
}

// HiddenDim returns the feed-forward hidden width.
func (c Config) HiddenDim() int {
	return c.EmbeddingDim * c.FeedForwardExpansion
}

// UsesRoPE reports whether positions are encoded by rotation.
func (c Config) UsesRoPE() bool {
	return c.Positional == PositionalRoPE
}

// SameArchitecture reports whether two configurations produce parameter
// sets of identical names and shapes. Dropout is a training setting and is
// ignored.
func (c Config) SameArchitecture(other Config) bool {
	return c.ContextLength == other.ContextLength &&
		c.VocabSize == other.VocabSize &&
		c.EmbeddingDim == other.EmbeddingDim &&
		c.NumLayers == other.NumLayers &&
		c.NumHeads == other.NumHeads &&
		c.FeedForwardExpansion == other.FeedForwardExpansion &&
		c.UsesRoPE() == other.UsesRoPE()
}

func (c Config) layerNormEps() float32 {
	if c.LayerNormEps == 0 {
		return defaultLayerNormEps
	}
	return c.LayerNormEps
}

func (c Config) ropeTheta() float32 {
	if c.RoPETheta == 0 {
		return defaultRoPETheta
	}
	return c.RoPETheta
}
