// Package layers holds the parameterized building blocks shared by the
// attention blocks and the top-level model: layer normalization, the
// position-wise feed-forward network, rotary position embeddings and the
// linear-projection gradient helper. Every layer has a Forward for inference
// and a cached forward plus Backward pair for training.
package layers

import (
	"fmt"
	"math"

	"headlinegpt/pkg/tensor"
)

// LayerNorm implements layer normalization with learnable scale and shift.
//
// Formula:
//
//	mean = mean(x, dim=-1)
//	var = var(x, dim=-1)
//	x_norm = (x - mean) / sqrt(var + eps)
//	output = x_norm * scale + shift
type LayerNorm struct {
	Scale *tensor.Tensor // (emb_dim,) - gamma parameter
	Shift *tensor.Tensor // (emb_dim,) - beta parameter
	Eps   float32
}

// LayerNormCache keeps what Backward needs from a forward call.
type LayerNormCache struct {
	Normed *tensor.Tensor // x_norm, same shape as the input
	RStd   []float32      // 1/sqrt(var+eps) per normalized row
}

// NewLayerNorm creates a LayerNorm with scale=1 and shift=0.
func NewLayerNorm(embDim int, eps float32) *LayerNorm {
	scale := tensor.NewTensor([]int{embDim})
	for i := range scale.Data {
		scale.Data[i] = 1.0
	}

	return &LayerNorm{
		Scale: scale,
		Shift: tensor.NewTensor([]int{embDim}),
		Eps:   eps,
	}
}

// Forward applies layer normalization over the last dimension.
func (ln *LayerNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, _, err := ln.forward(x, false)
	return out, err
}

// ForwardCached is Forward that also returns the statistics needed by Backward.
func (ln *LayerNorm) ForwardCached(x *tensor.Tensor) (*tensor.Tensor, *LayerNormCache, error) {
	return ln.forward(x, true)
}

func (ln *LayerNorm) forward(x *tensor.Tensor, keep bool) (*tensor.Tensor, *LayerNormCache, error) {
	if len(x.Shape) == 0 {
		return nil, nil, fmt.Errorf("cannot apply LayerNorm to 0D tensor")
	}

	sliceSize := x.Shape[len(x.Shape)-1]
	if sliceSize != len(ln.Scale.Data) {
		return nil, nil, fmt.Errorf("input last dimension %d doesn't match LayerNorm dimension %d",
			sliceSize, len(ln.Scale.Data))
	}
	numSlices := len(x.Data) / max(sliceSize, 1)

	result := tensor.NewTensor(x.Shape)
	var cache *LayerNormCache
	if keep {
		cache = &LayerNormCache{
			Normed: tensor.NewTensor(x.Shape),
			RStd:   make([]float32, numSlices),
		}
	}

	for s := 0; s < numSlices; s++ {
		offset := s * sliceSize
		row := x.Data[offset : offset+sliceSize]

		// Statistics are accumulated in float64.
		mean := 0.0
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(sliceSize)

		variance := 0.0
		for _, v := range row {
			diff := float64(v) - mean
			variance += diff * diff
		}
		variance /= float64(sliceSize)

		rstd := 1.0 / math.Sqrt(variance+float64(ln.Eps))

		for i, v := range row {
			xNorm := float32((float64(v) - mean) * rstd)
			result.Data[offset+i] = xNorm*ln.Scale.Data[i] + ln.Shift.Data[i]
			if keep {
				cache.Normed.Data[offset+i] = xNorm
			}
		}
		if keep {
			cache.RStd[s] = float32(rstd)
		}
	}

	return result, cache, nil
}

// Backward returns the input gradient and the scale and shift gradients.
//
//	dx = rstd * (dxhat - mean(dxhat) - xhat * mean(dxhat * xhat))
//
// where dxhat = dout * scale.
func (ln *LayerNorm) Backward(cache *LayerNormCache, dout *tensor.Tensor) (dx, dScale, dShift *tensor.Tensor, err error) {
	if cache == nil {
		return nil, nil, nil, fmt.Errorf("LayerNorm backward requires a forward cache")
	}
	if !dout.ShapeEquals(cache.Normed) {
		return nil, nil, nil, fmt.Errorf("gradient shape %v doesn't match forward shape %v",
			dout.Shape, cache.Normed.Shape)
	}

	n := len(ln.Scale.Data)
	dx = tensor.NewTensor(dout.Shape)
	dScale = tensor.NewTensor(ln.Scale.Shape)
	dShift = tensor.NewTensor(ln.Shift.Shape)
	dxhat := make([]float64, n)

	for s, rstd := range cache.RStd {
		offset := s * n
		g := dout.Data[offset : offset+n]
		xhat := cache.Normed.Data[offset : offset+n]

		meanD, meanDX := 0.0, 0.0
		for i := 0; i < n; i++ {
			dScale.Data[i] += g[i] * xhat[i]
			dShift.Data[i] += g[i]

			dxhat[i] = float64(g[i]) * float64(ln.Scale.Data[i])
			meanD += dxhat[i]
			meanDX += dxhat[i] * float64(xhat[i])
		}
		meanD /= float64(n)
		meanDX /= float64(n)

		for i := 0; i < n; i++ {
			dx.Data[offset+i] = float32(float64(rstd) * (dxhat[i] - meanD - float64(xhat[i])*meanDX))
		}
	}

	return dx, dScale, dShift, nil
}
