package tensor

import (
	"fmt"
	"math/rand/v2"
)

// Dropout randomly zeros out elements with probability p and scales the
// survivors by 1/(1-p) (inverted dropout). The returned mask holds the
// per-element multiplier (0 or 1/(1-p)) so the backward pass can replay it.
//
// Randomness comes only from rng; a nil rng or p == 0 returns a copy of t and
// a nil mask.
func (t *Tensor) Dropout(p float32, rng *rand.Rand) (*Tensor, *Tensor, error) {
	if p < 0 || p >= 1 {
		return nil, nil, fmt.Errorf("dropout probability must be in [0, 1), got %v", p)
	}
	if p == 0 || rng == nil {
		return t.Clone(), nil, nil
	}

	result := NewTensor(t.Shape)
	mask := NewTensor(t.Shape)
	scale := 1 / (1 - p)

	for i := range t.Data {
		if rng.Float32() >= p {
			mask.Data[i] = scale
			result.Data[i] = t.Data[i] * scale
		}
	}

	return result, mask, nil
}

// ApplyDropoutMask multiplies t element-wise by a mask produced by Dropout.
// A nil mask means dropout was not applied and t is returned unchanged.
func ApplyDropoutMask(t, mask *Tensor) *Tensor {
	if mask == nil {
		return t
	}
	result := NewTensor(t.Shape)
	for i := range t.Data {
		result.Data[i] = t.Data[i] * mask.Data[i]
	}
	return result
}
