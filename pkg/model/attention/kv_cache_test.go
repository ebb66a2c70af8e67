package attention

import (
	"strings"
	"testing"

	"headlinegpt/pkg/tensor"
)

// TestNewKVCache_Preallocation tests that buffers are allocated up front.
func TestNewKVCache_Preallocation(t *testing.T) {
	cache := NewKVCache(2, 4, 16, 8)

	expected := []int{2, 4, 16, 8}
	if !tensor.SameShape(cache.K.Shape, expected) || !tensor.SameShape(cache.V.Shape, expected) {
		t.Errorf("Expected K/V shape %v, got %v and %v", expected, cache.K.Shape, cache.V.Shape)
	}
	if cache.Len() != 0 {
		t.Errorf("Expected empty cache, got length %d", cache.Len())
	}
	if cache.MaxLength() != 16 {
		t.Errorf("Expected max length 16, got %d", cache.MaxLength())
	}
	if cache.SizeBytes() != 2*4*2*4*16*8 {
		t.Errorf("Unexpected size %d", cache.SizeBytes())
	}
}

// TestUpdate_AppendTokens tests appending single and multiple tokens.
func TestUpdate_AppendTokens(t *testing.T) {
	cache := NewKVCache(2, 2, 8, 3)

	first := randomTensor([]int{2, 2, 3, 3}, 1, 1)
	k, v, err := cache.Update(first, first.Scale(2))
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if !k.Equals(first, 0) || !v.Equals(first.Scale(2), 0) {
		t.Error("First update should return exactly the appended tensors")
	}

	second := randomTensor([]int{2, 2, 1, 3}, 2, 1)
	k, _, err = cache.Update(second, second)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if cache.Len() != 4 || !tensor.SameShape(k.Shape, []int{2, 2, 4, 3}) {
		t.Fatalf("Expected length 4 and shape [2 2 4 3], got %d and %v", cache.Len(), k.Shape)
	}

	// (batch 1, head 1) keeps the first three rows and then the new one.
	// It is the fourth (batch, head) run in every tensor.
	for pos := 0; pos < 4; pos++ {
		for d := 0; d < 3; d++ {
			want := second.Data[3*3+d]
			if pos < 3 {
				want = first.Data[(3*3+pos)*3+d]
			}
			if got := k.Data[(3*4+pos)*3+d]; got != want {
				t.Errorf("K[1,1,%d,%d] = %v, expected %v", pos, d, got, want)
			}
		}
	}
}

// TestUpdate_Errors tests overflow and shape validation.
func TestUpdate_Errors(t *testing.T) {
	tests := []struct {
		name      string
		k, v      []int
		errString string
	}{
		{"overflow", []int{1, 2, 5, 4}, []int{1, 2, 5, 4}, "cache overflow"},
		{"kv mismatch", []int{1, 2, 1, 4}, []int{1, 2, 2, 4}, "same shape"},
		{"wrong heads", []int{1, 3, 1, 4}, []int{1, 3, 1, 4}, "cache holds"},
		{"3D input", []int{2, 1, 4}, []int{2, 1, 4}, "expected 4D"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := NewKVCache(1, 2, 4, 4)
			_, _, err := cache.Update(tensor.NewTensor(tt.k), tensor.NewTensor(tt.v))
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.errString) {
				t.Errorf("Expected error containing %q, got %q", tt.errString, err.Error())
			}
			if cache.Len() != 0 {
				t.Errorf("Failed update must not advance the cache, got length %d", cache.Len())
			}
		})
	}
}

// TestClear_Reset tests that Clear empties the cache for reuse.
func TestClear_Reset(t *testing.T) {
	cache := NewKVCache(1, 1, 4, 2)
	kv := tensor.NewTensorFromData([]float32{1, 2, 3, 4}, []int{1, 1, 2, 2})
	if _, _, err := cache.Update(kv, kv); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	cache.Clear()
	if cache.Len() != 0 {
		t.Errorf("Expected length 0 after Clear, got %d", cache.Len())
	}
	for i, v := range cache.K.Data {
		if v != 0 {
			t.Fatalf("K[%d] = %v after Clear", i, v)
		}
	}

	k, _, n := cache.GetKV()
	if n != 0 || !tensor.SameShape(k.Shape, []int{1, 1, 0, 2}) {
		t.Errorf("Expected empty view, got length %d shape %v", n, k.Shape)
	}
}
