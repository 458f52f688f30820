package params

import (
	"errors"
	"fmt"
)

var (
	// ErrIncompatible is returned by Compatible when two states differ in
	// parameter names or shapes.
	ErrIncompatible = errors.New("params: incompatible states")

	// ErrShapeMismatch is returned when tensor data does not fit its shape.
	ErrShapeMismatch = errors.New("params: shape mismatch")

	// ErrMalformedBlob is returned when a blob cannot be decoded.
	ErrMalformedBlob = errors.New("params: malformed blob")
)

// State is an ordered mapping from parameter name to tensor.
// Keys keep the order of their first insertion.
// A State is not safe for concurrent mutation.
type State struct {
	keys    []string
	tensors map[string]Tensor
}

// New returns an empty state.
func New() *State {
	return &State{tensors: make(map[string]Tensor)}
}

// Set stores t under name. Replacing an existing name keeps its position.
func (s *State) Set(name string, t Tensor) {
	if s.tensors == nil {
		s.tensors = make(map[string]Tensor)
	}
	if _, ok := s.tensors[name]; !ok {
		s.keys = append(s.keys, name)
	}
	s.tensors[name] = t
}

// Get returns the tensor stored under name.
func (s *State) Get(name string) (Tensor, bool) {
	if s == nil {
		return Tensor{}, false
	}
	t, ok := s.tensors[name]
	return t, ok
}

// Keys returns the parameter names in order.
func (s *State) Keys() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.keys...)
}

// Len returns the number of parameters.
func (s *State) Len() int {
	if s == nil {
		return 0
	}
	return len(s.keys)
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	out := New()
	if s == nil {
		return out
	}
	for _, k := range s.keys {
		out.Set(k, s.tensors[k].Clone())
	}
	return out
}

// Compatible returns nil when a and b have identical key sets and identical
// per-key shapes. Key order is not significant. Otherwise it returns an error
// wrapping ErrIncompatible that names the first difference found.
func Compatible(a, b *State) error {
	if a.Len() != b.Len() {
		return fmt.Errorf("%w: %d parameters vs %d", ErrIncompatible, a.Len(), b.Len())
	}
	for _, k := range a.Keys() {
		ta, _ := a.Get(k)
		tb, ok := b.Get(k)
		if !ok {
			return fmt.Errorf("%w: parameter %q missing", ErrIncompatible, k)
		}
		if !ta.SameShape(tb) {
			return fmt.Errorf("%w: parameter %q has shape %v vs %v", ErrIncompatible, k, ta.Shape, tb.Shape)
		}
	}
	return nil
}

// Equal reports whether a and b are compatible and hold bit-for-bit equal values.
func Equal(a, b *State) bool {
	if Compatible(a, b) != nil {
		return false
	}
	for _, k := range a.Keys() {
		ta, _ := a.Get(k)
		tb, _ := b.Get(k)
		for i := range ta.Data {
			if ta.Data[i] != tb.Data[i] {
				return false
			}
		}
	}
	return true
}

// NumElements returns the total element count over all parameters.
func (s *State) NumElements() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, t := range s.tensors {
		n += t.Len()
	}
	return n
}
