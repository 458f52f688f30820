package coordinator

// RoundState is the derived state of a single round.
type RoundState int

const (
	StateWaiting RoundState = iota
	StateAggregating
	StateCommitted
	StateFailed
)

// String returns the wire name of the state.
func (s RoundState) String() string {
	switch s {
	case StateWaiting:
		return "WAITING_FOR_CLIENTS"
	case StateAggregating:
		return "AGGREGATING"
	case StateCommitted:
		return "COMMITTED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the state by name.
func (s RoundState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
