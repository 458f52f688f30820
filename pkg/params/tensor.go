package params

import "fmt"

// Tensor is a dense n-dimensional array of float64 values in row-major order.
type Tensor struct {
	// Shape holds the size of each dimension. A scalar has an empty shape.
	Shape []int

	// Data holds prod(Shape) values.
	Data []float64
}

// NewTensor builds a tensor and checks that data matches the shape.
func NewTensor(shape []int, data []float64) (Tensor, error) {
	n, err := numElements(shape)
	if err != nil {
		return Tensor{}, err
	}
	if n != len(data) {
		return Tensor{}, fmt.Errorf("%w: shape %v needs %d values, got %d", ErrShapeMismatch, shape, n, len(data))
	}
	return Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Full returns a tensor of the given shape with every element set to v.
// It panics on a negative dimension.
func Full(shape []int, v float64) Tensor {
	n, err := numElements(shape)
	if err != nil {
		panic(err)
	}
	data := make([]float64, n)
	for i := range data {
		data[i] = v
	}
	return Tensor{Shape: append([]int(nil), shape...), Data: data}
}

// Len returns the number of elements.
func (t Tensor) Len() int { return len(t.Data) }

// SameShape reports whether t and o have identical shapes.
func (t Tensor) SameShape(o Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (t Tensor) Clone() Tensor {
	return Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float64(nil), t.Data...),
	}
}

func numElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("%w: negative dimension in %v", ErrShapeMismatch, shape)
		}
		n *= d
	}
	return n, nil
}
