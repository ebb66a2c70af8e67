package layers

import (
	"fmt"
	"math"

	"headlinegpt/pkg/tensor"
)

// RoPEParams holds precomputed cosine and sine tables for rotary position
// embeddings, laid out as (max_seq_len, head_dim).
//
// The "split-halves" convention is used: dimension i is paired with
// dimension i+head_dim/2, and both halves share the same angle.
type RoPEParams struct {
	Cos       []float32
	Sin       []float32
	MaxSeqLen int
	HeadDim   int
}

// ComputeRoPE precomputes the rotation tables for positions [0, maxSeqLen).
//
//	inv_freq[i] = 1 / theta^(2i / head_dim)   for i in [0, head_dim/2)
//	angle[m][i] = angle[m][i+head_dim/2] = m * inv_freq[i]
func ComputeRoPE(headDim, maxSeqLen int, thetaBase float32) (*RoPEParams, error) {
	if headDim <= 0 || headDim%2 != 0 {
		return nil, fmt.Errorf("head_dim must be positive and even, got %d", headDim)
	}
	if maxSeqLen <= 0 {
		return nil, fmt.Errorf("max_seq_len must be positive, got %d", maxSeqLen)
	}
	if thetaBase <= 0 {
		return nil, fmt.Errorf("theta_base must be positive, got %f", thetaBase)
	}

	numFreqs := headDim / 2
	cosValues := make([]float32, maxSeqLen*headDim)
	sinValues := make([]float32, maxSeqLen*headDim)

	invFreq := make([]float64, numFreqs)
	for i := range invFreq {
		invFreq[i] = math.Exp(-math.Log(float64(thetaBase)) * float64(2*i) / float64(headDim))
	}

	for pos := 0; pos < maxSeqLen; pos++ {
		base := pos * headDim
		for i, f := range invFreq {
			s, c := math.Sincos(float64(pos) * f)
			cosValues[base+i], cosValues[base+i+numFreqs] = float32(c), float32(c)
			sinValues[base+i], sinValues[base+i+numFreqs] = float32(s), float32(s)
		}
	}

	return &RoPEParams{
		Cos:       cosValues,
		Sin:       sinValues,
		MaxSeqLen: maxSeqLen,
		HeadDim:   headDim,
	}, nil
}

// ApplyRoPE rotates a (batch, heads, seq, head_dim) tensor. Sequence index s
// is placed at absolute position offset+s, which lets cached decoding rotate
// only the newest tokens.
//
//	x1' = x1*cos - x2*sin
//	x2' = x2*cos + x1*sin
func ApplyRoPE(x *tensor.Tensor, rope *RoPEParams, offset int) (*tensor.Tensor, error) {
	return rotate(x, rope, offset, 1)
}

// RoPEBackward maps the gradient of a rotated tensor back to its input. The
// rotation is orthogonal, so this is the rotation by the negated angle.
func RoPEBackward(dout *tensor.Tensor, rope *RoPEParams, offset int) (*tensor.Tensor, error) {
	return rotate(dout, rope, offset, -1)
}

func rotate(x *tensor.Tensor, rope *RoPEParams, offset int, sign float32) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("expected 4D tensor (batch, heads, seq, head_dim), got shape %v", x.Shape)
	}

	seqLen, headDim := x.Shape[2], x.Shape[3]
	if headDim != rope.HeadDim {
		return nil, fmt.Errorf("head_dim mismatch: tensor has %d, RoPE expects %d", headDim, rope.HeadDim)
	}
	if offset < 0 || offset+seqLen > rope.MaxSeqLen {
		return nil, fmt.Errorf("offset+seq_len (%d+%d=%d) exceeds max_seq_len (%d)",
			offset, seqLen, offset+seqLen, rope.MaxSeqLen)
	}

	output := tensor.NewTensor(x.Shape)
	halfDim := headDim / 2
	rows := len(x.Data) / headDim

	for r := 0; r < rows; r++ {
		base := r * headDim
		ropeBase := (offset + r%seqLen) * headDim

		for i := 0; i < halfDim; i++ {
			x1, x2 := x.Data[base+i], x.Data[base+i+halfDim]
			c, s := rope.Cos[ropeBase+i], sign*rope.Sin[ropeBase+i]

			output.Data[base+i] = x1*c - x2*s
			output.Data[base+i+halfDim] = x2*c + x1*s
		}
	}

	return output, nil
}
