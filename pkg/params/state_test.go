package params

import (
	"errors"
	"testing"
)

func mustTensor(t *testing.T, shape []int, data []float64) Tensor {
	t.Helper()
	tt, err := NewTensor(shape, data)
	if err != nil {
		t.Fatalf("NewTensor(%v): %v", shape, err)
	}
	return tt
}

func TestNewTensor_ShapeMismatch(t *testing.T) {
	if _, err := NewTensor([]int{2, 2}, []float64{1, 2, 3}); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("NewTensor() error = %v, want ErrShapeMismatch", err)
	}
	if _, err := NewTensor([]int{-1}, nil); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("NewTensor(negative) error = %v, want ErrShapeMismatch", err)
	}
}

func TestState_SetKeepsInsertionOrder(t *testing.T) {
	s := New()
	s.Set("b", Full([]int{1}, 1))
	s.Set("a", Full([]int{1}, 2))
	s.Set("b", Full([]int{1}, 3))

	keys := s.Keys()
	if len(keys) != 2 || keys[0] != "b" || keys[1] != "a" {
		t.Fatalf("Keys() = %v, want [b a]", keys)
	}
	got, _ := s.Get("b")
	if got.Data[0] != 3 {
		t.Errorf("b = %v, want 3", got.Data[0])
	}
}

func TestCompatible(t *testing.T) {
	base := New()
	base.Set("w", Full([]int{2, 3}, 0))
	base.Set("b", Full([]int{3}, 0))

	reordered := New()
	reordered.Set("b", Full([]int{3}, 1))
	reordered.Set("w", Full([]int{2, 3}, 1))

	missing := New()
	missing.Set("w", Full([]int{2, 3}, 0))

	renamed := New()
	renamed.Set("w", Full([]int{2, 3}, 0))
	renamed.Set("bias", Full([]int{3}, 0))

	reshaped := New()
	reshaped.Set("w", Full([]int{3, 2}, 0))
	reshaped.Set("b", Full([]int{3}, 0))

	tests := []struct {
		name    string
		other   *State
		wantErr bool
	}{
		{"same keys different order", reordered, false},
		{"missing key", missing, true},
		{"different key", renamed, true},
		{"different shape", reshaped, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Compatible(base, tt.other)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Compatible() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrIncompatible) {
				t.Errorf("Compatible() error = %v, want ErrIncompatible", err)
			}
		})
	}
}

func TestState_CloneIsDeep(t *testing.T) {
	s := New()
	s.Set("w", mustTensor(t, []int{2}, []float64{1, 2}))

	c := s.Clone()
	w, _ := c.Get("w")
	w.Data[0] = 42

	orig, _ := s.Get("w")
	if orig.Data[0] != 1 {
		t.Errorf("original mutated through clone: %v", orig.Data)
	}
	if !Equal(s, s.Clone()) {
		t.Error("Equal(s, s.Clone()) = false")
	}
}
