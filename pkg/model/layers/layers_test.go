package layers

import (
	"math"
	"math/rand/v2"
	"testing"

	"headlinegpt/pkg/tensor"
)

// randomTensor fills a tensor with N(0, 1) values from a fixed seed.
func randomTensor(shape []int, seed uint64) *tensor.Tensor {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	t := tensor.NewTensor(shape)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64())
	}
	return t
}

// dot is the scalar probe loss sum(out * probe) used by gradient checks.
func dot(out, probe *tensor.Tensor) float64 {
	sum := 0.0
	for i := range out.Data {
		sum += float64(out.Data[i]) * float64(probe.Data[i])
	}
	return sum
}

// checkGradient compares an analytic gradient with central differences of
// f on a handful of coordinates of param.
func checkGradient(t *testing.T, name string, param, analytic *tensor.Tensor, f func() float64) {
	t.Helper()
	const eps = 1e-2

	step := max(len(param.Data)/7, 1)
	for i := 0; i < len(param.Data); i += step {
		orig := param.Data[i]
		param.Data[i] = orig + eps
		plus := f()
		param.Data[i] = orig - eps
		minus := f()
		param.Data[i] = orig

		numeric := (plus - minus) / (2 * eps)
		got := float64(analytic.Data[i])
		if math.Abs(numeric-got) > 1e-2+5e-2*math.Abs(numeric) {
			t.Errorf("%s[%d]: analytic %g, numeric %g", name, i, got, numeric)
		}
	}
}

// TestNewLayerNorm tests the creation of LayerNorm.
func TestNewLayerNorm(t *testing.T) {
	ln := NewLayerNorm(16, 1e-5)

	if ln.Eps != 1e-5 {
		t.Errorf("Expected Eps=1e-5, got %v", ln.Eps)
	}
	for i, v := range ln.Scale.Data {
		if v != 1.0 {
			t.Errorf("Scale[%d] = %v, expected 1.0", i, v)
		}
	}
	for i, v := range ln.Shift.Data {
		if v != 0.0 {
			t.Errorf("Shift[%d] = %v, expected 0.0", i, v)
		}
	}
}

// TestLayerNorm_Forward tests the forward pass against a hand computation.
func TestLayerNorm_Forward(t *testing.T) {
	ln := NewLayerNorm(4, 1e-5)
	input := tensor.NewTensorFromData([]float32{1, 2, 3, 4, 2, 4, 6, 8}, []int{1, 2, 4})

	output, err := ln.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	// mean = 2.5, var = 1.25, (1 - 2.5) / sqrt(1.25) = -1.3416
	if got := output.Data[0]; math.Abs(float64(got)+1.3416407865) > 1e-5 {
		t.Errorf("First element = %v, expected -1.3416", got)
	}

	// Both rows are affine images of each other, so they normalize alike.
	for d := 0; d < 4; d++ {
		a, b := output.Data[d], output.Data[4+d]
		if math.Abs(float64(a-b)) > 1e-4 {
			t.Errorf("dim %d: rows differ, %v vs %v", d, a, b)
		}
	}
}

// TestLayerNorm_NormalizationProperty tests zero mean and unit variance.
func TestLayerNorm_NormalizationProperty(t *testing.T) {
	embDim := 8
	ln := NewLayerNorm(embDim, 1e-5)

	input := tensor.NewTensor([]int{1, 1, embDim})
	for d := 0; d < embDim; d++ {
		input.Data[d] = float32(d*10 + 100)
	}

	output, err := ln.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	mean, variance := 0.0, 0.0
	for _, v := range output.Data {
		mean += float64(v)
	}
	mean /= float64(embDim)
	for _, v := range output.Data {
		variance += (float64(v) - mean) * (float64(v) - mean)
	}
	variance /= float64(embDim)

	if math.Abs(mean) > 1e-5 {
		t.Errorf("Output mean = %v, expected ~0", mean)
	}
	if math.Abs(variance-1.0) > 1e-4 {
		t.Errorf("Output variance = %v, expected ~1", variance)
	}
}

// TestLayerNorm_InvalidInput tests error handling for invalid inputs.
func TestLayerNorm_InvalidInput(t *testing.T) {
	ln := NewLayerNorm(32, 1e-5)

	if _, err := ln.Forward(tensor.NewTensor([]int{})); err == nil {
		t.Error("Expected error for 0D tensor")
	}
	if _, err := ln.Forward(tensor.NewTensor([]int{2, 10, 16})); err == nil {
		t.Error("Expected error for wrong embedding dimension")
	}
	if _, _, _, err := ln.Backward(nil, tensor.NewTensor([]int{1, 32})); err == nil {
		t.Error("Expected error for missing cache")
	}
}

// TestLayerNorm_Backward checks all three gradients numerically.
func TestLayerNorm_Backward(t *testing.T) {
	ln := NewLayerNorm(6, 1e-5)
	copy(ln.Scale.Data, randomTensor([]int{6}, 1).Data)
	copy(ln.Shift.Data, randomTensor([]int{6}, 2).Data)

	x := randomTensor([]int{2, 3, 6}, 3)
	probe := randomTensor([]int{2, 3, 6}, 4)

	_, cache, err := ln.ForwardCached(x)
	if err != nil {
		t.Fatalf("ForwardCached failed: %v", err)
	}
	dx, dScale, dShift, err := ln.Backward(cache, probe)
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	loss := func() float64 {
		out, err := ln.Forward(x)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		return dot(out, probe)
	}

	checkGradient(t, "dx", x, dx, loss)
	checkGradient(t, "dScale", ln.Scale, dScale, loss)
	checkGradient(t, "dShift", ln.Shift, dShift, loss)
}

// TestFeedForward_Shape tests that the block maps emb_dim back to emb_dim.
func TestFeedForward_Shape(t *testing.T) {
	ff := NewFeedForward(8, 32)
	if !tensor.SameShape(ff.FC1.Shape, []int{8, 32}) || !tensor.SameShape(ff.FC2.Shape, []int{32, 8}) {
		t.Fatalf("Unexpected weight shapes %v and %v", ff.FC1.Shape, ff.FC2.Shape)
	}

	out, err := ff.Forward(tensor.NewTensor([]int{2, 5, 8}))
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !tensor.SameShape(out.Shape, []int{2, 5, 8}) {
		t.Errorf("Expected shape [2 5 8], got %v", out.Shape)
	}

	if _, err := ff.Forward(tensor.NewTensor([]int{2, 5, 7})); err == nil {
		t.Error("Expected error for wrong input dimension")
	}
}

// TestFeedForward_Backward checks input and weight gradients numerically.
func TestFeedForward_Backward(t *testing.T) {
	ff := NewFeedForward(4, 8)
	ff.FC1 = randomTensor([]int{4, 8}, 5).Scale(0.5)
	ff.FC2 = randomTensor([]int{8, 4}, 6).Scale(0.5)

	x := randomTensor([]int{2, 3, 4}, 7)
	probe := randomTensor([]int{2, 3, 4}, 8)

	_, cache, err := ff.ForwardCached(x)
	if err != nil {
		t.Fatalf("ForwardCached failed: %v", err)
	}
	dx, dFC1, dFC2, err := ff.Backward(cache, probe)
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	loss := func() float64 {
		out, err := ff.Forward(x)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		return dot(out, probe)
	}

	checkGradient(t, "dx", x, dx, loss)
	checkGradient(t, "dFC1", ff.FC1, dFC1, loss)
	checkGradient(t, "dFC2", ff.FC2, dFC2, loss)
}

// TestLinearBackward_ShapeErrors tests rejection of mismatched operands.
func TestLinearBackward_ShapeErrors(t *testing.T) {
	w := tensor.NewTensor([]int{4, 3})
	if _, _, err := LinearBackward(tensor.NewTensor([]int{2, 5}), w, tensor.NewTensor([]int{2, 3})); err == nil {
		t.Error("Expected error for input width mismatch")
	}
	if _, _, err := LinearBackward(tensor.NewTensor([]int{2, 4}), w, tensor.NewTensor([]int{3, 3})); err == nil {
		t.Error("Expected error for row count mismatch")
	}
	if _, _, err := LinearBackward(tensor.NewTensor([]int{2, 4}), tensor.NewTensor([]int{12}), tensor.NewTensor([]int{2, 3})); err == nil {
		t.Error("Expected error for 1D weight")
	}
}

// TestInit_Reproducible tests that seeded initializers are deterministic.
func TestInit_Reproducible(t *testing.T) {
	a := tensor.NewTensor([]int{16, 8})
	b := tensor.NewTensor([]int{16, 8})

	NormalInit(a, 0.02, rand.New(rand.NewPCG(7, 7)))
	NormalInit(b, 0.02, rand.New(rand.NewPCG(7, 7)))
	if !a.Equals(b, 0) {
		t.Error("NormalInit with equal seeds produced different tensors")
	}

	XavierUniformInit(a, rand.New(rand.NewPCG(9, 9)))
	limit := float32(math.Sqrt(6.0 / 24.0))
	for i, v := range a.Data {
		if v < -limit || v > limit {
			t.Fatalf("Xavier value %v at %d outside [-%v, %v]", v, i, limit, limit)
		}
	}
	if !a.AllFinite() {
		t.Error("Initializer produced non-finite values")
	}
}
