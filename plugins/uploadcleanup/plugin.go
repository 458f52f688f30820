// Package uploadcleanup bounds the disk used by client weight uploads.
//
// Every upload is stored under its own ref, so a client that re-uploads
// leaves the previous blob behind. On each check the plugin removes uploads
// the ledger no longer references once they are older than StaleAfter.
//
// Uploads are never needed again once their round is aggregated, unless an
// operator re-aggregates it. The plugin also removes the oldest rounds'
// uploads when the upload directory grows past a high watermark and stops at
// the low watermark. The current round and KeepRounds rounds before it are never
// touched. Ledger entries are kept; a later re-aggregation of a cleaned round
// excludes the missing uploads.
package uploadcleanup

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bft-labs/fedship/pkg/fedship"
	"github.com/bft-labs/fedship/pkg/log"
	"github.com/bft-labs/fedship/pkg/weightstore"
)

// Plugin implements upload cleanup.
type Plugin struct {
	mu sync.RWMutex

	checkInterval  time.Duration
	highWatermark  int64
	lowWatermark   int64
	keepRounds     uint64
	staleAfter     time.Duration
	runImmediately bool

	store  *weightstore.FileStore
	rounds fedship.RoundReader
	logger log.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds configuration options for the upload cleanup plugin.
type Config struct {
	// CheckInterval is how often to check the upload directory size.
	// Default: 1 hour
	CheckInterval time.Duration

	// HighWatermark is the size in bytes above which cleanup begins.
	// Default: 20 GiB
	HighWatermark int64

	// LowWatermark is the target size in bytes after cleanup.
	// Default: 15 GiB
	LowWatermark int64

	// KeepRounds is how many rounds before the current one are protected.
	// Default: 1
	KeepRounds uint64

	// StaleAfter is how old an upload the ledger no longer references must
	// be before it is removed. Younger ones may belong to an upload whose
	// ledger entry is still being written.
	// Default: 10 minutes
	StaleAfter time.Duration

	// RunImmediately runs a check on startup.
	RunImmediately bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval:  time.Hour,
		HighWatermark:  20 << 30,
		LowWatermark:   15 << 30,
		KeepRounds:     1,
		StaleAfter:     10 * time.Minute,
		RunImmediately: true,
	}
}

// New creates a new upload cleanup plugin.
func New(cfg Config) *Plugin {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Hour
	}
	if cfg.HighWatermark <= 0 {
		cfg.HighWatermark = 20 << 30
	}
	if cfg.LowWatermark <= 0 || cfg.LowWatermark > cfg.HighWatermark {
		cfg.LowWatermark = cfg.HighWatermark
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	return &Plugin{
		checkInterval:  cfg.CheckInterval,
		highWatermark:  cfg.HighWatermark,
		lowWatermark:   cfg.LowWatermark,
		keepRounds:     cfg.KeepRounds,
		staleAfter:     cfg.StaleAfter,
		runImmediately: cfg.RunImmediately,
	}
}

// Name returns the plugin identifier.
func (p *Plugin) Name() string {
	return "uploadcleanup"
}

// Initialize opens the upload directory and starts the cleanup loop.
func (p *Plugin) Initialize(ctx context.Context, cfg fedship.PluginConfig) error {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	if cfg.WeightsDir == "" || cfg.Rounds == nil {
		logger.Warn("upload cleanup disabled: no weights directory configured")
		p.mu.Lock()
		p.logger = logger
		p.mu.Unlock()
		return nil
	}

	store, err := weightstore.NewFileStore(cfg.WeightsDir)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.store = store
	p.rounds = cfg.Rounds
	p.logger = logger
	p.mu.Unlock()

	cleanupCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	logger.Info("upload cleanup plugin initialized",
		log.String("dir", cfg.WeightsDir),
		log.String("high_watermark", formatBytes(p.highWatermark)),
		log.String("low_watermark", formatBytes(p.lowWatermark)))

	p.wg.Add(1)
	go p.cleanupLoop(cleanupCtx)
	return nil
}

// Shutdown stops the cleanup loop.
func (p *Plugin) Shutdown(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.wg.Wait()
	return nil
}

func (p *Plugin) cleanupLoop(ctx context.Context) {
	defer p.wg.Done()

	if p.runImmediately {
		p.cleanupOnce(ctx)
	}

	ticker := time.NewTicker(p.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cleanupOnce(ctx)
		}
	}
}

// upload is a stored client blob.
type upload struct {
	key     weightstore.Key
	size    int64
	modTime time.Time
}

// cleanupOnce performs a single check and returns the bytes freed.
func (p *Plugin) cleanupOnce(ctx context.Context) int64 {
	p.mu.RLock()
	store, rounds, logger := p.store, p.rounds, p.logger
	p.mu.RUnlock()

	uploads, curSize, err := scan(ctx, store)
	if err != nil {
		logger.Error("upload cleanup: size check failed", log.Err(err))
		return 0
	}

	uploads, stale := p.removeStale(ctx, store, rounds, logger, uploads)
	curSize -= stale
	if curSize <= p.highWatermark {
		if stale > 0 {
			logger.Info("upload cleanup: removed superseded uploads",
				log.String("freed", formatBytes(stale)),
				log.String("remaining", formatBytes(curSize)))
		}
		return stale
	}

	next, err := rounds.NextRound()
	if err != nil {
		logger.Warn("upload cleanup: current round unknown, skipping", log.Err(err))
		return 0
	}
	protectFrom := uint64(0)
	if next > p.keepRounds {
		protectFrom = next - p.keepRounds
	}

	removed := stale
	for _, u := range uploads {
		if ctx.Err() != nil {
			break
		}
		if curSize <= p.lowWatermark || u.key.Round >= protectFrom {
			break
		}
		if err := store.Delete(ctx, u.key.Ref()); err != nil {
			logger.Error("upload cleanup: remove failed",
				log.ClientID(u.key.Owner), log.Round(u.key.Round), log.Err(err))
			continue
		}
		curSize -= u.size
		removed += u.size
	}

	if removed > 0 {
		logger.Info("upload cleanup completed",
			log.String("freed", formatBytes(removed)),
			log.String("remaining", formatBytes(curSize)),
			log.Uint64("protected_from_round", protectFrom))
	} else {
		logger.Warn("upload cleanup: above high watermark but nothing removable",
			log.String("size", formatBytes(curSize)),
			log.Uint64("protected_from_round", protectFrom))
	}
	return removed
}

// removeStale deletes uploads that no ledger entry points at and that are
// older than staleAfter. It returns the uploads left and the bytes freed.
func (p *Plugin) removeStale(ctx context.Context, store *weightstore.FileStore, rounds fedship.RoundReader, logger log.Logger, uploads []upload) ([]upload, int64) {
	cutoff := time.Now().Add(-p.staleAfter)
	referenced := make(map[uint64]map[string]bool)
	kept := uploads[:0]
	var freed int64
	for _, u := range uploads {
		if ctx.Err() != nil || !u.modTime.Before(cutoff) {
			kept = append(kept, u)
			continue
		}
		refs, ok := referenced[u.key.Round]
		if !ok {
			list, err := rounds.BlobRefs(ctx, u.key.Round)
			if err != nil {
				logger.Warn("upload cleanup: ledger unavailable, keeping uploads",
					log.Round(u.key.Round), log.Err(err))
			} else {
				refs = make(map[string]bool, len(list))
				for _, r := range list {
					refs[r] = true
				}
			}
			referenced[u.key.Round] = refs
		}
		if refs == nil || refs[u.key.Ref().String()] {
			kept = append(kept, u)
			continue
		}
		if err := store.Delete(ctx, u.key.Ref()); err != nil {
			logger.Error("upload cleanup: remove failed",
				log.ClientID(u.key.Owner), log.Round(u.key.Round), log.Err(err))
			kept = append(kept, u)
			continue
		}
		logger.Debug("upload cleanup: removed superseded upload",
			log.ClientID(u.key.Owner), log.Round(u.key.Round), log.String("ref", u.key.Ref().String()))
		freed += u.size
	}
	return kept, freed
}

// scan returns client uploads oldest round first, plus the total size of
// every blob in the store.
func scan(ctx context.Context, store *weightstore.FileStore) ([]upload, int64, error) {
	keys, err := store.Keys(ctx)
	if err != nil {
		return nil, 0, err
	}
	var (
		total   int64
		uploads []upload
	)
	for _, k := range keys {
		info, err := store.Stat(ctx, k.Ref())
		if err != nil {
			// Removed between listing and stat.
			continue
		}
		total += info.Size
		if k.IsGlobal() || k.IsLatest() {
			continue
		}
		uploads = append(uploads, upload{key: k, size: info.Size, modTime: info.ModTime})
	}
	sort.SliceStable(uploads, func(i, j int) bool {
		return uploads[i].key.Round < uploads[j].key.Round
	})
	return uploads, total, nil
}

func formatBytes(b int64) string {
	const (
		_          = iota
		KB float64 = 1 << (10 * iota)
		MB
		GB
	)

	fb := float64(b)
	switch {
	case fb >= GB:
		return fmt.Sprintf("%.2fGiB", fb/GB)
	case fb >= MB:
		return fmt.Sprintf("%.2fMiB", fb/MB)
	case fb >= KB:
		return fmt.Sprintf("%.2fKiB", fb/KB)
	default:
		return fmt.Sprintf("%dB", b)
	}
}

var _ fedship.Plugin = (*Plugin)(nil)
