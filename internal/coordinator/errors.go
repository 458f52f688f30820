package coordinator

import (
	"errors"

	"github.com/bft-labs/fedship/pkg/aggregate"
)

var (
	// ErrNoContributions is returned when the ledger holds nothing for the round.
	ErrNoContributions = errors.New("coordinator: no contributions for round")

	// ErrNoValidContributions is returned when every contribution was excluded.
	ErrNoValidContributions = errors.New("coordinator: no valid contributions for round")

	// ErrAggregationInProgress is returned when the round is already aggregating.
	ErrAggregationInProgress = errors.New("coordinator: aggregation in progress")

	// ErrRoundCommitted is returned when re-aggregating a committed round
	// without opting in.
	ErrRoundCommitted = errors.New("coordinator: round already committed")
)

// IsRetryable reports whether a failed aggregation can be retried later
// without operator intervention on storage.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range []error{
		ErrNoContributions,
		ErrNoValidContributions,
		ErrAggregationInProgress,
		aggregate.ErrEmptyInput,
		aggregate.ErrIncompatibleStates,
		aggregate.ErrZeroWeight,
		aggregate.ErrInvalidWeight,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
