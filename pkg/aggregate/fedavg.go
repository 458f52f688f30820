package aggregate

import (
	"errors"
	"fmt"
	"math"

	"github.com/bft-labs/fedship/pkg/params"
)

// Aggregation errors. All of them leave the caller free to retry with
// different inputs.
var (
	ErrEmptyInput         = errors.New("aggregate: no states to aggregate")
	ErrIncompatibleStates = errors.New("aggregate: incompatible states")
	ErrZeroWeight         = errors.New("aggregate: total weight is not positive")
	ErrInvalidWeight      = errors.New("aggregate: weight must be finite and non-negative")
	ErrWeightCount        = errors.New("aggregate: weight count does not match state count")
)

// Func is the signature shared by aggregation algorithms.
type Func func(states []*params.State, weights []float64) (*params.State, error)

// FedAvg returns the weighted average of states:
//
//	out[k] = sum_i states[i][k] * weights[i] / sum(weights)
//
// Every state must be compatible with the first one. The output keeps the
// first state's key order. With a single input the result is bit-for-bit equal
// to that input, since its normalized weight is exactly 1.
func FedAvg(states []*params.State, weights []float64) (*params.State, error) {
	if len(states) == 0 {
		return nil, ErrEmptyInput
	}
	if len(weights) != len(states) {
		return nil, fmt.Errorf("%w: %d states, %d weights", ErrWeightCount, len(states), len(weights))
	}
	for i := 1; i < len(states); i++ {
		if err := params.Compatible(states[0], states[i]); err != nil {
			return nil, fmt.Errorf("%w: state %d: %v", ErrIncompatibleStates, i, err)
		}
	}

	var total float64
	for i, w := range weights {
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return nil, fmt.Errorf("%w: weights[%d] = %v", ErrInvalidWeight, i, w)
		}
		total += w
	}
	if total <= 0 {
		return nil, ErrZeroWeight
	}

	factors := make([]float64, len(weights))
	for i, w := range weights {
		factors[i] = w / total
	}

	out := params.New()
	for _, key := range states[0].Keys() {
		first, _ := states[0].Get(key)
		data := make([]float64, first.Len())
		for i, s := range states {
			t, _ := s.Get(key)
			f := factors[i]
			if i == 0 {
				for j, v := range t.Data {
					data[j] = v * f
				}
				continue
			}
			for j, v := range t.Data {
				data[j] += v * f
			}
		}
		out.Set(key, params.Tensor{Shape: append([]int(nil), first.Shape...), Data: data})
	}
	return out, nil
}

var _ Func = FedAvg
