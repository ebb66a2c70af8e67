package model

import (
	"fmt"
	"math/rand/v2"

	"headlinegpt/pkg/model/attention"
	"headlinegpt/pkg/model/layers"
	"headlinegpt/pkg/tensor"
)

// Trace records the activations of one training forward pass.
type Trace struct {
	batch   [][]int
	embMask *tensor.Tensor
	blocks  []*attention.BlockTrace
	final   *layers.LayerNormCache
	normed  *tensor.Tensor // final LayerNorm output, input of OutHead
}

// ForwardTrain runs the forward pass in training mode: dropout masks are drawn
// from rng (nil disables dropout) and every activation Backward needs is kept.
// Input validation is the same as Forward.
func (m *GPTModel) ForwardTrain(batch [][]int, rng *rand.Rand) (*tensor.Tensor, *Trace, error) {
	x, err := m.embed(batch, 0)
	if err != nil {
		return nil, nil, err
	}

	trace := &Trace{batch: batch, blocks: make([]*attention.BlockTrace, len(m.Blocks))}

	x, trace.embMask, err = x.Dropout(m.Config.DropoutRate, rng)
	if err != nil {
		return nil, nil, err
	}

	for i, block := range m.Blocks {
		x, trace.blocks[i], err = block.ForwardTrain(x, m.rope, rng)
		if err != nil {
			return nil, nil, fmt.Errorf("failed in transformer block %d: %w", i, err)
		}
	}

	trace.normed, trace.final, err = m.FinalNorm.ForwardCached(x)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to apply final layer norm: %w", err)
	}

	logits, err := tensor.Matmul(trace.normed, m.OutHead)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute output logits: %w", err)
	}
	if !logits.AllFinite() {
		return nil, nil, fmt.Errorf("%w: training forward produced NaN or Inf logits", ErrNumericInstability)
	}

	return logits, trace, nil
}

// Backward propagates dlogits (batch, seq, vocab_size) through a traced
// forward pass and returns a gradient for every entry of Parameters.
func (m *GPTModel) Backward(trace *Trace, dlogits *tensor.Tensor) (Gradients, error) {
	if trace == nil {
		return nil, fmt.Errorf("backward requires a forward trace")
	}
	grads := make(Gradients, 4+10*len(m.Blocks))

	dNormed, dOutHead, err := layers.LinearBackward(trace.normed, m.OutHead, dlogits)
	if err != nil {
		return nil, fmt.Errorf("output head backward: %w", err)
	}
	grads["out_head"] = dOutHead

	dx, dScale, dShift, err := m.FinalNorm.Backward(trace.final, dNormed)
	if err != nil {
		return nil, fmt.Errorf("final norm backward: %w", err)
	}
	grads["final_norm.scale"], grads["final_norm.shift"] = dScale, dShift

	for i := len(m.Blocks) - 1; i >= 0; i-- {
		var bg *attention.BlockGrads
		dx, bg, err = m.Blocks[i].Backward(trace.blocks[i], m.rope, dx)
		if err != nil {
			return nil, fmt.Errorf("block %d backward: %w", i, err)
		}
		grads.addBlock(i, bg)
	}

	dx = tensor.ApplyDropoutMask(dx, trace.embMask)

	// Embedding rows receive the sum of the gradients at every position
	// where they were used.
	embDim := m.Config.EmbeddingDim
	seqLen := len(trace.batch[0])
	dTok := tensor.ZerosLike(m.TokEmb)
	var dPos *tensor.Tensor
	if m.PosEmb != nil {
		dPos = tensor.ZerosLike(m.PosEmb)
	}

	for b, seq := range trace.batch {
		for s, id := range seq {
			src := dx.Data[(b*seqLen+s)*embDim : (b*seqLen+s+1)*embDim]
			tok := dTok.Data[id*embDim : (id+1)*embDim]
			for d, g := range src {
				tok[d] += g
			}
			if dPos != nil {
				pos := dPos.Data[s*embDim : (s+1)*embDim]
				for d, g := range src {
					pos[d] += g
				}
			}
		}
	}

	grads["tok_emb"] = dTok
	if dPos != nil {
		grads["pos_emb"] = dPos
	}

	return grads, nil
}
