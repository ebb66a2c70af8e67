package layers

import (
	"math"
	"testing"

	"headlinegpt/pkg/tensor"
)

// TestComputeRoPE_Validation tests parameter validation
func TestComputeRoPE_Validation(t *testing.T) {
	tests := []struct {
		name      string
		headDim   int
		maxSeqLen int
		theta     float32
		wantErr   bool
	}{
		{"valid", 8, 16, 10000, false},
		{"odd head dim", 7, 16, 10000, true},
		{"zero head dim", 0, 16, 10000, true},
		{"zero seq len", 8, 0, 10000, true},
		{"negative theta", 8, 16, -1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ComputeRoPE(tt.headDim, tt.maxSeqLen, tt.theta)
			if (err != nil) != tt.wantErr {
				t.Errorf("ComputeRoPE() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestComputeRoPE_Values tests the first frequency and the halves layout
func TestComputeRoPE_Values(t *testing.T) {
	rope, err := ComputeRoPE(4, 8, 10000)
	if err != nil {
		t.Fatalf("ComputeRoPE() error: %v", err)
	}

	if len(rope.Cos) != 32 || len(rope.Sin) != 32 {
		t.Fatalf("Expected 32 entries, got %d and %d", len(rope.Cos), len(rope.Sin))
	}

	// inv_freq[0] = 1, so position 3 has angle 3 in dims 0 and 2.
	cos3, sin3 := rope.Cos[3*4:4*4], rope.Sin[3*4:4*4]
	if math.Abs(float64(cos3[0])-math.Cos(3)) > 1e-6 || math.Abs(float64(sin3[0])-math.Sin(3)) > 1e-6 {
		t.Errorf("Position 3 dim 0: got cos=%v sin=%v", cos3[0], sin3[0])
	}
	if cos3[0] != cos3[2] || sin3[1] != sin3[3] {
		t.Errorf("Halves should share angles: cos %v, sin %v", cos3, sin3)
	}
}

// TestApplyRoPE_PositionZeroUnchanged tests that position 0 is the identity
func TestApplyRoPE_PositionZeroUnchanged(t *testing.T) {
	rope, _ := ComputeRoPE(8, 16, 10000)
	x := randomTensor([]int{2, 3, 1, 8}, 11)

	result, err := ApplyRoPE(x, rope, 0)
	if err != nil {
		t.Fatalf("ApplyRoPE() error: %v", err)
	}
	if !result.Equals(x, 1e-6) {
		t.Error("Position 0 should be unchanged")
	}
}

// TestApplyRoPE_Offset tests that offset selects absolute positions
func TestApplyRoPE_Offset(t *testing.T) {
	headDim := 8
	rope, _ := ComputeRoPE(headDim, 16, 10000)

	data := []float32{
		1, 2, 3, 4, 5, 6, 7, 8,
		1, 2, 3, 4, 5, 6, 7, 8,
	}
	full, err := ApplyRoPE(tensor.NewTensorFromData(data, []int{1, 1, 2, headDim}), rope, 0)
	if err != nil {
		t.Fatalf("ApplyRoPE() with offset=0 error: %v", err)
	}
	single, err := ApplyRoPE(tensor.NewTensorFromData(data[:headDim], []int{1, 1, 1, headDim}), rope, 1)
	if err != nil {
		t.Fatalf("ApplyRoPE() with offset=1 error: %v", err)
	}

	for i := 0; i < headDim; i++ {
		if math.Abs(float64(full.Data[headDim+i]-single.Data[i])) > 1e-6 {
			t.Errorf("dim %d: offset=0 gives %f, offset=1 gives %f", i, full.Data[headDim+i], single.Data[i])
		}
	}
}

// TestApplyRoPE_ManualCalculation tests against a manual calculation
func TestApplyRoPE_ManualCalculation(t *testing.T) {
	rope, _ := ComputeRoPE(4, 8, 10000)
	x := tensor.NewTensorFromData([]float32{1, 2, 3, 4}, []int{1, 1, 1, 4})

	result, err := ApplyRoPE(x, rope, 1)
	if err != nil {
		t.Fatalf("ApplyRoPE() error: %v", err)
	}

	cosVals, sinVals := rope.Cos[4:8], rope.Sin[4:8]
	expected := []float64{
		1*float64(cosVals[0]) - 3*float64(sinVals[0]),
		2*float64(cosVals[1]) - 4*float64(sinVals[1]),
		3*float64(cosVals[0]) + 1*float64(sinVals[0]),
		4*float64(cosVals[1]) + 2*float64(sinVals[1]),
	}
	for i, want := range expected {
		if math.Abs(float64(result.Data[i])-want) > 1e-6 {
			t.Errorf("dim %d: expected %f, got %f", i, want, result.Data[i])
		}
	}
}

// TestApplyRoPE_InvalidShape tests rejection of bad inputs
func TestApplyRoPE_InvalidShape(t *testing.T) {
	rope, _ := ComputeRoPE(8, 4, 10000)

	tests := []struct {
		name   string
		shape  []int
		offset int
	}{
		{"3D input", []int{1, 4, 8}, 0},
		{"wrong head dim", []int{1, 1, 2, 6}, 0},
		{"past max length", []int{1, 1, 3, 8}, 2},
		{"negative offset", []int{1, 1, 1, 8}, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ApplyRoPE(tensor.NewTensor(tt.shape), rope, tt.offset); err == nil {
				t.Errorf("Expected error for shape %v, offset %d", tt.shape, tt.offset)
			}
		})
	}
}

// TestApplyRoPE_PreservesNorm tests that each rotated pair keeps its length
func TestApplyRoPE_PreservesNorm(t *testing.T) {
	rope, _ := ComputeRoPE(8, 16, 10000)
	x := randomTensor([]int{2, 2, 5, 8}, 12)

	result, err := ApplyRoPE(x, rope, 3)
	if err != nil {
		t.Fatalf("ApplyRoPE() error: %v", err)
	}

	for r := 0; r < len(x.Data)/8; r++ {
		for i := 0; i < 4; i++ {
			a, b := x.Data[r*8+i], x.Data[r*8+i+4]
			c, d := result.Data[r*8+i], result.Data[r*8+i+4]
			if math.Abs(float64(a*a+b*b-c*c-d*d)) > 1e-4 {
				t.Fatalf("row %d pair %d: norm changed", r, i)
			}
		}
	}
}

// TestRoPEBackward_InvertsRotation tests that the backward rotation undoes the forward one
func TestRoPEBackward_InvertsRotation(t *testing.T) {
	rope, _ := ComputeRoPE(8, 16, 10000)
	x := randomTensor([]int{1, 2, 6, 8}, 13)

	rotated, err := ApplyRoPE(x, rope, 2)
	if err != nil {
		t.Fatalf("ApplyRoPE() error: %v", err)
	}
	back, err := RoPEBackward(rotated, rope, 2)
	if err != nil {
		t.Fatalf("RoPEBackward() error: %v", err)
	}
	if !back.Equals(x, 1e-5) {
		t.Error("RoPEBackward(ApplyRoPE(x)) should return x")
	}
}

func BenchmarkApplyRoPE(b *testing.B) {
	rope, _ := ComputeRoPE(64, 256, 10000)
	x := tensor.NewTensor([]int{4, 8, 256, 64})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := ApplyRoPE(x, rope, 0); err != nil {
			b.Fatal(err)
		}
	}
}
