package checkpoint

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/bft-labs/fedship/pkg/params"
)

var (
	// ErrNoCheckpoint is returned when no checkpoint has been committed yet.
	ErrNoCheckpoint = errors.New("checkpoint: no checkpoint")

	// ErrStaleRound is returned when committing a round below the latest one.
	ErrStaleRound = errors.New("checkpoint: round is older than latest")
)

// Checkpoint is a committed global model snapshot.
type Checkpoint struct {
	Round     uint64
	State     *params.State
	CreatedAt time.Time
}

// Snapshot is an open stream over a committed checkpoint's encoded bytes.
// The caller must Close it.
type Snapshot struct {
	io.ReadCloser
	Round     uint64
	Size      int64
	CreatedAt time.Time
}

// Manager persists and serves global model checkpoints.
type Manager interface {
	// Initialize commits seed as round 0 when no checkpoint exists.
	// When round 0 already exists it returns it unchanged.
	Initialize(ctx context.Context, seed *params.State) (Checkpoint, error)

	// Commit persists state for round and republishes "latest" to it.
	// Returns ErrStaleRound if round is below the latest committed round.
	Commit(ctx context.Context, round uint64, state *params.State) (Checkpoint, error)

	// Latest returns the highest committed checkpoint or ErrNoCheckpoint.
	Latest(ctx context.Context) (Checkpoint, error)

	// LatestRound returns the highest committed round, if any.
	LatestRound() (uint64, bool)

	// Resume scans persisted checkpoints and returns one past the highest
	// round together with that round's state.
	Resume(ctx context.Context) (nextRound uint64, state *params.State, err error)

	// Has reports whether a checkpoint for round is committed.
	Has(ctx context.Context, round uint64) (bool, error)

	// OpenLatest streams the encoded latest checkpoint.
	OpenLatest(ctx context.Context) (*Snapshot, error)
}
