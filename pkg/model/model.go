package model

import (
	"fmt"
	"math/rand/v2"

	"headlinegpt/pkg/model/attention"
	"headlinegpt/pkg/model/layers"
	"headlinegpt/pkg/tensor"
)

// GPTModel is a decoder-only transformer language model. Each instance owns
// its parameters; Forward only reads them.
//
// Architecture:
//  1. Token embeddings: lookup table (vocab_size, emb_dim)
//  2. Positional embeddings: learned (context_length, emb_dim), or RoPE
//     applied inside attention
//  3. Transformer blocks: stack of NumLayers pre-norm blocks
//  4. Final layer norm
//  5. Output projection: (emb_dim, vocab_size)
type GPTModel struct {
	Config    Config
	TokEmb    *tensor.Tensor // (vocab_size, emb_dim)
	PosEmb    *tensor.Tensor // (context_length, emb_dim), nil with RoPE
	Blocks    []*attention.TransformerBlock
	FinalNorm *layers.LayerNorm
	OutHead   *tensor.Tensor // (emb_dim, vocab_size)

	rope *layers.RoPEParams
}

// NewGPTModel validates config and builds a model whose parameters are drawn
// from a source seeded with seed.
func NewGPTModel(config Config, seed uint64) (*GPTModel, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	eps := config.layerNormEps()
	m := &GPTModel{
		Config:    config,
		TokEmb:    tensor.NewTensor([]int{config.VocabSize, config.EmbeddingDim}),
		Blocks:    make([]*attention.TransformerBlock, config.NumLayers),
		FinalNorm: layers.NewLayerNorm(config.EmbeddingDim, eps),
		OutHead:   tensor.NewTensor([]int{config.EmbeddingDim, config.VocabSize}),
	}

	if config.UsesRoPE() {
		rope, err := layers.ComputeRoPE(config.HeadDim(), config.ContextLength, config.ropeTheta())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
		m.rope = rope
	} else {
		m.PosEmb = tensor.NewTensor([]int{config.ContextLength, config.EmbeddingDim})
	}

	for i := range m.Blocks {
		attn, err := attention.NewMultiHeadAttention(attention.MultiHeadAttentionConfig{
			NumHeads: config.NumHeads,
			DIn:      config.EmbeddingDim,
			DOut:     config.EmbeddingDim,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: block %d: %v", ErrConfiguration, i, err)
		}

		m.Blocks[i] = attention.NewTransformerBlock(
			attn,
			layers.NewFeedForward(config.EmbeddingDim, config.HiddenDim()),
			layers.NewLayerNorm(config.EmbeddingDim, eps),
			layers.NewLayerNorm(config.EmbeddingDim, eps),
			config.DropoutRate,
		)
	}

	m.initializeWeights(rand.New(rand.NewPCG(seed, seed)))

	return m, nil
}

// initializeWeights follows GPT-2: N(0, 0.02) embeddings, Xavier uniform
// projections, LayerNorm at scale=1 and shift=0.
func (m *GPTModel) initializeWeights(rng *rand.Rand) {
	layers.NormalInit(m.TokEmb, 0.02, rng)
	if m.PosEmb != nil {
		layers.NormalInit(m.PosEmb, 0.02, rng)
	}

	for _, block := range m.Blocks {
		layers.XavierUniformInit(block.Attn.WQuery, rng)
		layers.XavierUniformInit(block.Attn.WKey, rng)
		layers.XavierUniformInit(block.Attn.WValue, rng)
		layers.XavierUniformInit(block.Attn.OutProj, rng)
		layers.XavierUniformInit(block.FF.FC1, rng)
		layers.XavierUniformInit(block.FF.FC2, rng)
	}

	layers.XavierUniformInit(m.OutHead, rng)
}

// Forward maps a batch of token-id sequences to logits of shape
// (batch, seq, vocab_size).
//
// All sequences must have the same length, at most ContextLength, and every
// id must lie in [0, VocabSize). Nothing is truncated or clamped: violations
// return ErrSequenceLength or ErrVocabularyRange. Non-finite logits return
// ErrNumericInstability.
func (m *GPTModel) Forward(batch [][]int) (*tensor.Tensor, error) {
	return m.ForwardWithCache(batch, nil)
}

// ForwardWithCache is Forward over tokens that continue the sequence already
// held in cache. The tokens take absolute positions cache.Len() onward and the
// cache is extended with their keys and values. A nil cache behaves like
// Forward. On error the cache is reset so its layers never disagree in length.
func (m *GPTModel) ForwardWithCache(batch [][]int, cache *Cache) (*tensor.Tensor, error) {
	offset := 0
	if cache != nil {
		offset = cache.Len()
	}

	logits, err := m.forward(batch, offset, cache)
	if err != nil && cache != nil {
		cache.Reset()
	}
	return logits, err
}

func (m *GPTModel) forward(batch [][]int, offset int, cache *Cache) (*tensor.Tensor, error) {
	x, err := m.embed(batch, offset)
	if err != nil {
		return nil, err
	}

	for i, block := range m.Blocks {
		var kv *attention.KVCache
		if cache != nil {
			kv = cache.layers[i]
		}
		x, err = block.Forward(x, m.rope, kv)
		if err != nil {
			return nil, fmt.Errorf("failed in transformer block %d: %w", i, err)
		}
	}

	x, err = m.FinalNorm.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("failed to apply final layer norm: %w", err)
	}

	logits, err := tensor.Matmul(x, m.OutHead)
	if err != nil {
		return nil, fmt.Errorf("failed to compute output logits: %w", err)
	}

	if !logits.AllFinite() {
		return nil, fmt.Errorf("%w: forward pass produced NaN or Inf logits", ErrNumericInstability)
	}

	return logits, nil
}

// embed validates the batch and returns token plus positional embeddings,
// shape (batch, seq, emb_dim), for positions offset .. offset+seq-1.
func (m *GPTModel) embed(batch [][]int, offset int) (*tensor.Tensor, error) {
	seqLen, err := m.validateBatch(batch, offset)
	if err != nil {
		return nil, err
	}

	embDim := m.Config.EmbeddingDim
	output := tensor.NewTensor([]int{len(batch), seqLen, embDim})

	for b, seq := range batch {
		for s, tokenID := range seq {
			dst := output.Data[(b*seqLen+s)*embDim : (b*seqLen+s+1)*embDim]
			copy(dst, m.TokEmb.Data[tokenID*embDim:(tokenID+1)*embDim])

			if m.PosEmb != nil {
				pos := m.PosEmb.Data[(offset+s)*embDim : (offset+s+1)*embDim]
				for d := range dst {
					dst[d] += pos[d]
				}
			}
		}
	}

	return output, nil
}

func (m *GPTModel) validateBatch(batch [][]int, offset int) (int, error) {
	if len(batch) == 0 {
		return 0, fmt.Errorf("%w: empty batch", ErrSequenceLength)
	}

	seqLen := len(batch[0])
	if seqLen == 0 {
		return 0, fmt.Errorf("%w: sequences must contain at least one token", ErrSequenceLength)
	}
	if offset+seqLen > m.Config.ContextLength {
		return 0, fmt.Errorf("%w: %d positions (offset %d + length %d) exceed context length %d",
			ErrSequenceLength, offset+seqLen, offset, seqLen, m.Config.ContextLength)
	}

	for b, seq := range batch {
		if len(seq) != seqLen {
			return 0, fmt.Errorf("%w: sequence %d has length %d, expected %d",
				ErrSequenceLength, b, len(seq), seqLen)
		}
		for s, id := range seq {
			if id < 0 || id >= m.Config.VocabSize {
				return 0, fmt.Errorf("%w: token id %d at position (%d, %d), vocab size is %d",
					ErrVocabularyRange, id, b, s, m.Config.VocabSize)
			}
		}
	}

	return seqLen, nil
}
