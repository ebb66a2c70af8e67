package tensor

import "math"

// GELU approximation constants.
const (
	sqrt2OverPi = 0.7978845608 // sqrt(2/π)
	geluCoeff   = 0.044715
)

// GELU applies the Gaussian Error Linear Unit activation function.
//
// The GELU function is defined as:
//
//	GELU(x) = 0.5 * x * (1 + tanh(sqrt(2/π) * (x + 0.044715 * x^3)))
//
// This is the tanh approximation used by GPT-2.
//
// Reference: https://arxiv.org/abs/1606.08415
//
// Input: tensor of any shape
// Output: tensor of the same shape with GELU applied element-wise
func (t *Tensor) GELU() *Tensor {
	result := NewTensor(t.Shape)

	for i, x := range t.Data {
		inner := sqrt2OverPi * (x + geluCoeff*x*x*x)
		tanhVal := float32(math.Tanh(float64(inner)))
		result.Data[i] = 0.5 * x * (1 + tanhVal)
	}

	return result
}

// GELU is a standalone function that applies GELU to a tensor.
// This is a convenience wrapper around the Tensor.GELU method.
func GELU(t *Tensor) *Tensor {
	return t.GELU()
}

// GELUBackward returns dL/dx given the pre-activation input x and dL/dy.
//
//	d/dx GELU(x) = 0.5 * (1 + tanh(u)) + 0.5 * x * sech²(u) * sqrt(2/π) * (1 + 3*0.044715*x²)
//
// where u = sqrt(2/π) * (x + 0.044715 * x^3).
func GELUBackward(x, gradOut *Tensor) *Tensor {
	result := NewTensor(x.Shape)

	for i, v := range x.Data {
		u := float64(sqrt2OverPi * (v + geluCoeff*v*v*v))
		tanhU := math.Tanh(u)
		sech2 := 1 - tanhU*tanhU
		du := sqrt2OverPi * (1 + 3*geluCoeff*float64(v)*float64(v))
		local := 0.5*(1+tanhU) + 0.5*float64(v)*sech2*du
		result.Data[i] = float32(local) * gradOut.Data[i]
	}

	return result
}
