package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"
)

// FileLedger implements Ledger backed by a JSON file.
type FileLedger struct {
	path string
	now  func() time.Time

	mu     sync.RWMutex
	rounds map[uint64][]Contribution
}

// Option configures a FileLedger.
type Option func(*FileLedger)

// WithClock sets the clock used to stamp contributions recorded without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(l *FileLedger) { l.now = now }
}

// Open loads the ledger at path. A missing file yields an empty ledger that
// is created on the first Record. A malformed file returns ErrCorrupt.
func Open(path string, opts ...Option) (*FileLedger, error) {
	l := &FileLedger{
		path:   path,
		now:    time.Now,
		rounds: make(map[uint64][]Contribution),
	}
	for _, opt := range opts {
		opt(l)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return l, nil
		}
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	var raw map[string][]Contribution
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	for key, entries := range raw {
		round, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: round key %q", ErrCorrupt, path, key)
		}
		seen := make(map[string]int, len(entries))
		list := make([]Contribution, 0, len(entries))
		for _, c := range entries {
			if c.ClientID == "" || c.DatasetSize < 0 {
				return nil, fmt.Errorf("%w: %s: round %d has an invalid entry", ErrCorrupt, path, round)
			}
			c.Round = round
			// Files written by older tooling may hold duplicates; the last one wins.
			if i, dup := seen[c.ClientID]; dup {
				list[i] = c
				continue
			}
			seen[c.ClientID] = len(list)
			list = append(list, c)
		}
		l.rounds[round] = list
	}
	return l, nil
}

// Path returns the ledger file path.
func (l *FileLedger) Path() string { return l.path }

// Record upserts c and persists the whole ledger before returning.
// If persisting fails the in-memory ledger is left unchanged.
func (l *FileLedger) Record(ctx context.Context, c Contribution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.ClientID == "" {
		return fmt.Errorf("%w: client_id is required", ErrInvalidContribution)
	}
	if c.DatasetSize < 0 {
		return fmt.Errorf("%w: dataset_size must be >= 0", ErrInvalidContribution)
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = l.now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cur := l.rounds[c.Round]
	next := make([]Contribution, len(cur), len(cur)+1)
	copy(next, cur)
	replaced := false
	for i := range next {
		if next[i].ClientID == c.ClientID {
			next[i] = c
			replaced = true
			break
		}
	}
	if !replaced {
		next = append(next, c)
	}

	if err := l.persist(c.Round, next); err != nil {
		return err
	}
	l.rounds[c.Round] = next
	return nil
}

// List returns a copy of the contributions for round.
func (l *FileLedger) List(ctx context.Context, round uint64) ([]Contribution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Contribution(nil), l.rounds[round]...), nil
}

// Count returns the number of contributions for round.
func (l *FileLedger) Count(ctx context.Context, round uint64) (int, error) {
	list, err := l.List(ctx, round)
	if err != nil {
		return 0, err
	}
	return len(list), nil
}

// Rounds returns the rounds with contributions in ascending order.
func (l *FileLedger) Rounds(ctx context.Context) ([]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]uint64, 0, len(l.rounds))
	for r := range l.rounds {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// persist writes the ledger, with round replaced by entries, atomically.
// Callers must hold l.mu.
func (l *FileLedger) persist(round uint64, entries []Contribution) error {
	raw := make(map[string][]Contribution, len(l.rounds)+1)
	for r, list := range l.rounds {
		raw[strconv.FormatUint(r, 10)] = list
	}
	raw[strconv.FormatUint(round, 10)] = entries

	data, err := json.MarshalIndent(raw, "", "    ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}
	tmp := l.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync ledger: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close ledger: %w", err)
	}

	// Atomic rename
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("replace ledger: %w", err)
	}
	return nil
}

var _ Ledger = (*FileLedger)(nil)
