package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bft-labs/fedship/pkg/params"
	"github.com/bft-labs/fedship/pkg/weightstore"
)

func scalarState(v float64) *params.State {
	s := params.New()
	s.Set("w", params.Full([]int{2}, v))
	return s
}

func valueOf(t *testing.T, s *params.State) float64 {
	t.Helper()
	w, ok := s.Get("w")
	if !ok {
		t.Fatal("state has no parameter w")
	}
	return w.Data[0]
}

func openTemp(t *testing.T, dir string) *FileManager {
	t.Helper()
	m, err := Open(context.Background(), dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return m
}

func TestFileManager_EmptyDirectory(t *testing.T) {
	ctx := context.Background()
	m := openTemp(t, t.TempDir())

	if _, err := m.Latest(ctx); !errors.Is(err, ErrNoCheckpoint) {
		t.Errorf("Latest() error = %v, want ErrNoCheckpoint", err)
	}
	if _, _, err := m.Resume(ctx); !errors.Is(err, ErrNoCheckpoint) {
		t.Errorf("Resume() error = %v, want ErrNoCheckpoint", err)
	}
	if _, err := m.OpenLatest(ctx); !errors.Is(err, ErrNoCheckpoint) {
		t.Errorf("OpenLatest() error = %v, want ErrNoCheckpoint", err)
	}
}

func TestFileManager_InitializeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := openTemp(t, t.TempDir())

	first, err := m.Initialize(ctx, scalarState(0))
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if first.Round != 0 {
		t.Fatalf("Round = %d, want 0", first.Round)
	}

	again, err := m.Initialize(ctx, scalarState(99))
	if err != nil {
		t.Fatalf("Initialize again: %v", err)
	}
	if got := valueOf(t, again.State); got != 0 {
		t.Errorf("second Initialize returned value %v, want the original 0", got)
	}
	latest, _ := m.Latest(ctx)
	if got := valueOf(t, latest.State); got != 0 {
		t.Errorf("Latest() value = %v after second Initialize, want 0", got)
	}
}

func TestFileManager_ResumeAfterRounds(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m := openTemp(t, dir)

	if _, err := m.Initialize(ctx, scalarState(0)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	for r := uint64(1); r <= 3; r++ {
		if _, err := m.Commit(ctx, r, scalarState(float64(r))); err != nil {
			t.Fatalf("Commit(%d): %v", r, err)
		}
	}

	// A fresh manager over the same directory recovers the counter.
	restarted := openTemp(t, dir)
	next, state, err := restarted.Resume(ctx)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if next != 4 {
		t.Errorf("next round = %d, want 4", next)
	}
	if got := valueOf(t, state); got != 3 {
		t.Errorf("resumed state value = %v, want 3", got)
	}
	if r, ok := restarted.LatestRound(); !ok || r != 3 {
		t.Errorf("LatestRound() = %d, %v; want 3, true", r, ok)
	}
}

func TestFileManager_ResumeOrdersRoundsNumerically(t *testing.T) {
	ctx := context.Background()
	m := openTemp(t, t.TempDir())
	for _, r := range []uint64{2, 9, 10} {
		if _, err := m.Commit(ctx, r, scalarState(float64(r))); err != nil {
			t.Fatalf("Commit(%d): %v", r, err)
		}
	}
	next, state, err := m.Resume(ctx)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if next != 11 || valueOf(t, state) != 10 {
		t.Errorf("Resume() = %d, %v; want 11, 10", next, valueOf(t, state))
	}
}

func TestFileManager_CommitRejectsStaleRound(t *testing.T) {
	ctx := context.Background()
	m := openTemp(t, t.TempDir())

	if _, err := m.Commit(ctx, 5, scalarState(5)); err != nil {
		t.Fatalf("Commit(5): %v", err)
	}
	if _, err := m.Commit(ctx, 4, scalarState(4)); !errors.Is(err, ErrStaleRound) {
		t.Fatalf("Commit(4) error = %v, want ErrStaleRound", err)
	}
	// Re-committing the latest round replaces it.
	if _, err := m.Commit(ctx, 5, scalarState(50)); err != nil {
		t.Fatalf("Commit(5) again: %v", err)
	}
	latest, _ := m.Latest(ctx)
	if latest.Round != 5 || valueOf(t, latest.State) != 50 {
		t.Errorf("Latest() = round %d value %v, want round 5 value 50", latest.Round, valueOf(t, latest.State))
	}
}

func TestFileManager_OpenLatestStreamsEncodedState(t *testing.T) {
	ctx := context.Background()
	m := openTemp(t, t.TempDir())
	if _, err := m.Commit(ctx, 1, scalarState(1.5)); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	snap, err := m.OpenLatest(ctx)
	if err != nil {
		t.Fatalf("OpenLatest: %v", err)
	}
	// A commit while the snapshot is open must not tear the stream.
	if _, err := m.Commit(ctx, 2, scalarState(2.5)); err != nil {
		t.Fatalf("Commit(2): %v", err)
	}
	data, err := io.ReadAll(snap)
	snap.Close()
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snap.Round != 1 || int64(len(data)) != snap.Size {
		t.Errorf("snapshot round %d size %d (read %d), want round 1 and matching size", snap.Round, snap.Size, len(data))
	}
	state, err := params.Unmarshal(data)
	if err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if got := valueOf(t, state); got != 1.5 {
		t.Errorf("snapshot value = %v, want 1.5", got)
	}
}

// roundOf recovers the round a test state was committed for: round r holds
// 10r, and its re-aggregation 10r+1.
func roundOf(v float64) uint64 { return uint64(v / 10) }

func TestFileManager_CommitIsAtomicForReaders(t *testing.T) {
	ctx := context.Background()
	m := openTemp(t, t.TempDir())
	if _, err := m.Initialize(ctx, scalarState(0)); err != nil {
		t.Fatal(err)
	}

	const rounds = 40
	done := make(chan struct{})
	errs := make(chan error, 1)
	report := func(err error) {
		select {
		case errs <- err:
		default:
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(streaming bool) {
			defer wg.Done()
			var last uint64
			for {
				select {
				case <-done:
					return
				default:
				}
				var (
					round uint64
					state *params.State
				)
				if streaming {
					snap, err := m.OpenLatest(ctx)
					if err != nil {
						report(fmt.Errorf("OpenLatest: %w", err))
						return
					}
					data, err := io.ReadAll(snap)
					snap.Close()
					if err != nil || int64(len(data)) != snap.Size {
						report(fmt.Errorf("snapshot round %d: read %d of %d bytes: %v", snap.Round, len(data), snap.Size, err))
						return
					}
					if state, err = params.Decode(bytes.NewReader(data)); err != nil {
						report(fmt.Errorf("decode snapshot round %d: %w", snap.Round, err))
						return
					}
					round = snap.Round
				} else {
					cp, err := m.Latest(ctx)
					if err != nil {
						report(fmt.Errorf("Latest: %w", err))
						return
					}
					round, state = cp.Round, cp.State
				}
				w, _ := state.Get("w")
				if got := roundOf(w.Data[0]); got != round {
					report(fmt.Errorf("round %d carries the state of round %d", round, got))
					return
				}
				if round < last {
					report(fmt.Errorf("latest moved back from %d to %d", last, round))
					return
				}
				last = round
			}
		}(i%2 == 0)
	}

	for r := uint64(1); r <= rounds; r++ {
		if _, err := m.Commit(ctx, r, scalarState(float64(10*r))); err != nil {
			t.Fatalf("Commit(%d): %v", r, err)
		}
		if r%5 == 0 {
			if _, err := m.Commit(ctx, r, scalarState(float64(10*r+1))); err != nil {
				t.Fatalf("re-Commit(%d): %v", r, err)
			}
		}
	}
	close(done)
	wg.Wait()

	select {
	case err := <-errs:
		t.Fatal(err)
	default:
	}
	latest, err := m.Latest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if latest.Round != rounds || valueOf(t, latest.State) != 10*rounds+1 {
		t.Errorf("Latest() = round %d value %v, want round %d value %d", latest.Round, valueOf(t, latest.State), rounds, 10*rounds+1)
	}
}

func TestOpen_RepairsStaleAlias(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m := openTemp(t, dir)
	if _, err := m.Commit(ctx, 1, scalarState(1)); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// Simulate a crash between writing round 2 and publishing the alias.
	store, _ := weightstore.NewFileStore(dir)
	blob, _ := params.Marshal(scalarState(2))
	time.Sleep(10 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, string(weightstore.GlobalKey(2).Ref())), blob, 0o600); err != nil {
		t.Fatal(err)
	}

	restarted := openTemp(t, dir)
	rc, err := store.Get(ctx, weightstore.LatestKey().Ref())
	if err != nil {
		t.Fatalf("Get alias: %v", err)
	}
	defer rc.Close()
	alias, err := params.Decode(rc)
	if err != nil {
		t.Fatalf("decode alias: %v", err)
	}
	if got := valueOf(t, alias); got != 2 {
		t.Errorf("alias value = %v after repair, want 2", got)
	}
	if r, _ := restarted.LatestRound(); r != 2 {
		t.Errorf("LatestRound() = %d, want 2", r)
	}
}
