package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/bft-labs/fedship/pkg/log"
	"github.com/bft-labs/fedship/pkg/params"
	"github.com/bft-labs/fedship/pkg/weightstore"
)

// FileManager implements Manager on top of a weightstore.FileStore.
type FileManager struct {
	store  *weightstore.FileStore
	logger log.Logger

	// commitMu serializes writers; mu guards the latest pointer.
	commitMu sync.Mutex
	mu       sync.RWMutex
	latest   *pointer
}

type pointer struct {
	round uint64
	info  weightstore.Info
}

// Open loads the checkpoint directory and restores the latest pointer from
// the highest round found. A stale or missing "latest" alias is repaired.
func Open(ctx context.Context, dir string, logger log.Logger) (*FileManager, error) {
	store, err := weightstore.NewFileStore(dir)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	m := &FileManager{store: store, logger: logger}

	round, ok, err := m.highestRound(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return m, nil
	}

	ref := weightstore.GlobalKey(round).Ref()
	info, err := store.Stat(ctx, ref)
	if err != nil {
		return nil, err
	}
	m.latest = &pointer{round: round, info: info}

	alias, err := store.Stat(ctx, weightstore.LatestKey().Ref())
	if err != nil || alias.ModTime.Before(info.ModTime) || alias.Size != info.Size {
		logger.Warn("repairing latest checkpoint alias", log.Round(round))
		if err := m.publishAlias(ctx, ref); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Dir returns the checkpoint directory.
func (m *FileManager) Dir() string { return m.store.Dir() }

// Initialize commits seed as round 0 if no checkpoint exists yet.
func (m *FileManager) Initialize(ctx context.Context, seed *params.State) (Checkpoint, error) {
	if seed == nil {
		return Checkpoint{}, errors.New("checkpoint: nil seed state")
	}
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	if ok, err := m.Has(ctx, 0); err != nil {
		return Checkpoint{}, err
	} else if ok {
		m.logger.Info("checkpoint already initialized", log.Round(0))
		return m.Load(ctx, 0)
	}
	if p := m.pointer(); p != nil {
		m.logger.Warn("round 0 missing but later checkpoints exist; not seeding", log.Round(p.round))
		return m.Load(ctx, p.round)
	}

	cp, err := m.commitLocked(ctx, 0, seed)
	if err != nil {
		return Checkpoint{}, err
	}
	m.logger.Info("initialized global model", log.Round(0), log.Int("params", seed.Len()))
	return cp, nil
}

// Commit persists state for round and moves "latest" to it.
func (m *FileManager) Commit(ctx context.Context, round uint64, state *params.State) (Checkpoint, error) {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()
	return m.commitLocked(ctx, round, state)
}

func (m *FileManager) commitLocked(ctx context.Context, round uint64, state *params.State) (Checkpoint, error) {
	if p := m.pointer(); p != nil && round < p.round {
		return Checkpoint{}, fmt.Errorf("%w: round %d, latest %d", ErrStaleRound, round, p.round)
	}

	blob, err := params.Marshal(state)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("encode checkpoint: %w", err)
	}

	// Replace, then publish: the round snapshot is durable before latest moves.
	ref, err := m.store.Put(ctx, weightstore.GlobalKey(round), bytes.NewReader(blob))
	if err != nil {
		return Checkpoint{}, fmt.Errorf("write checkpoint %d: %w", round, err)
	}
	info, err := m.store.Stat(ctx, ref)
	if err != nil {
		return Checkpoint{}, err
	}
	if _, err := m.store.Put(ctx, weightstore.LatestKey(), bytes.NewReader(blob)); err != nil {
		return Checkpoint{}, fmt.Errorf("publish latest: %w", err)
	}

	m.mu.Lock()
	m.latest = &pointer{round: round, info: info}
	m.mu.Unlock()

	return Checkpoint{Round: round, State: state.Clone(), CreatedAt: info.ModTime}, nil
}

// Latest returns the highest committed checkpoint.
func (m *FileManager) Latest(ctx context.Context) (Checkpoint, error) {
	p := m.pointer()
	if p == nil {
		return Checkpoint{}, ErrNoCheckpoint
	}
	return m.Load(ctx, p.round)
}

// LatestRound returns the highest committed round without loading its state.
func (m *FileManager) LatestRound() (uint64, bool) {
	p := m.pointer()
	if p == nil {
		return 0, false
	}
	return p.round, true
}

// Load reads the committed checkpoint for round.
func (m *FileManager) Load(ctx context.Context, round uint64) (Checkpoint, error) {
	ref := weightstore.GlobalKey(round).Ref()
	info, err := m.store.Stat(ctx, ref)
	if err != nil {
		if errors.Is(err, weightstore.ErrNotFound) {
			return Checkpoint{}, fmt.Errorf("%w: round %d", ErrNoCheckpoint, round)
		}
		return Checkpoint{}, err
	}
	rc, err := m.store.Get(ctx, ref)
	if err != nil {
		return Checkpoint{}, err
	}
	defer rc.Close()

	state, err := params.Decode(rc)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint %d: %w", round, err)
	}
	return Checkpoint{Round: round, State: state, CreatedAt: info.ModTime}, nil
}

// Resume derives the next round from the snapshots on disk.
func (m *FileManager) Resume(ctx context.Context) (uint64, *params.State, error) {
	round, ok, err := m.highestRound(ctx)
	if err != nil {
		return 0, nil, err
	}
	if !ok {
		return 0, nil, ErrNoCheckpoint
	}
	cp, err := m.Load(ctx, round)
	if err != nil {
		return 0, nil, err
	}
	return round + 1, cp.State, nil
}

// Has reports whether round has a committed checkpoint.
func (m *FileManager) Has(ctx context.Context, round uint64) (bool, error) {
	return m.store.Exists(ctx, weightstore.GlobalKey(round).Ref())
}

// Rounds returns every committed round in ascending order.
func (m *FileManager) Rounds(ctx context.Context) ([]uint64, error) {
	keys, err := m.store.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var rounds []uint64
	for _, k := range keys {
		if k.IsGlobal() {
			rounds = append(rounds, k.Round)
		}
	}
	sort.Slice(rounds, func(i, j int) bool { return rounds[i] < rounds[j] })
	return rounds, nil
}

// OpenLatest opens the latest committed snapshot for streaming. The round and
// the bytes always belong together even if a commit lands concurrently.
func (m *FileManager) OpenLatest(ctx context.Context) (*Snapshot, error) {
	p := m.pointer()
	if p == nil {
		return nil, ErrNoCheckpoint
	}
	rc, err := m.store.Get(ctx, p.info.Ref)
	if err != nil {
		return nil, err
	}
	info := p.info
	// Size the stream from the opened file, which a re-aggregation may have replaced.
	if f, ok := rc.(*os.File); ok {
		if fi, err := f.Stat(); err == nil {
			info.Size = fi.Size()
			info.ModTime = fi.ModTime()
		}
	}
	return &Snapshot{ReadCloser: rc, Round: p.round, Size: info.Size, CreatedAt: info.ModTime}, nil
}

func (m *FileManager) pointer() *pointer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

func (m *FileManager) highestRound(ctx context.Context) (uint64, bool, error) {
	rounds, err := m.Rounds(ctx)
	if err != nil {
		return 0, false, err
	}
	if len(rounds) == 0 {
		return 0, false, nil
	}
	return rounds[len(rounds)-1], true, nil
}

func (m *FileManager) publishAlias(ctx context.Context, ref weightstore.Ref) error {
	rc, err := m.store.Get(ctx, ref)
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = m.store.Put(ctx, weightstore.LatestKey(), rc)
	return err
}

var _ Manager = (*FileManager)(nil)
