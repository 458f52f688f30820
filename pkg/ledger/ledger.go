package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCorrupt is returned when the persisted ledger cannot be parsed.
	// It is fatal: the coordinator must not run on a partially understood ledger.
	ErrCorrupt = errors.New("ledger: corrupt ledger file")

	// ErrInvalidContribution is returned for contributions missing required data.
	ErrInvalidContribution = errors.New("ledger: invalid contribution")
)

// Contribution is one client's submission to one round.
// Its identity is (ClientID, Round).
type Contribution struct {
	ClientID    string    `json:"client_id"`
	Round       uint64    `json:"-"`
	DatasetSize int64     `json:"dataset_size"`
	Timestamp   time.Time `json:"timestamp"`
	BlobRef     string    `json:"blob_ref,omitempty"`
}

// legacyTimeLayout is the naive local timestamp earlier tooling wrote,
// e.g. "2024-05-01 10:22:33.123456". The fraction is optional.
const legacyTimeLayout = "2006-01-02 15:04:05.999999999"

// UnmarshalJSON accepts RFC 3339 timestamps and the legacy layout.
func (c *Contribution) UnmarshalJSON(b []byte) error {
	type plain Contribution
	var aux struct {
		plain
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	ts, err := parseTimestamp(aux.Timestamp)
	if err != nil {
		return err
	}
	*c = Contribution(aux.plain)
	c.Timestamp = ts
	return nil
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts, nil
	}
	ts, err := time.ParseInLocation(legacyTimeLayout, s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: not RFC 3339 or %q", s, legacyTimeLayout)
	}
	return ts, nil
}

// Ledger is the authoritative record of contributions per round.
type Ledger interface {
	// Record upserts c keyed by (c.ClientID, c.Round).
	// Safe for concurrent use; concurrent records never lose each other's writes.
	Record(ctx context.Context, c Contribution) error

	// List returns a consistent snapshot of the contributions for round,
	// in first-recorded order. The slice is owned by the caller.
	List(ctx context.Context, round uint64) ([]Contribution, error)

	// Count returns the number of contributions for round.
	Count(ctx context.Context, round uint64) (int, error)

	// Rounds returns every round with at least one contribution, ascending.
	Rounds(ctx context.Context) ([]uint64, error)
}
