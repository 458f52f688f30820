package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bft-labs/fedship/internal/coordinator"
	"github.com/bft-labs/fedship/pkg/checkpoint"
	"github.com/bft-labs/fedship/pkg/ledger"
	"github.com/bft-labs/fedship/pkg/log"
	"github.com/bft-labs/fedship/pkg/weightstore"
)

const (
	// DefaultChunkSize is the download write size.
	DefaultChunkSize = 1 << 20

	// DefaultMaxUploadBytes caps a single upload request body.
	DefaultMaxUploadBytes = 2 << 30

	// multipartMemory is how much of a form is held in memory before spilling to disk.
	multipartMemory = 32 << 20
)

// Coordinator is the subset of the round coordinator the gateway drives.
type Coordinator interface {
	Record(ctx context.Context, c ledger.Contribution) (coordinator.RoundState, error)
	Contributions(ctx context.Context, round uint64) ([]ledger.Contribution, error)
	Rounds(ctx context.Context) (map[uint64]int, error)
	Status(ctx context.Context, round uint64) (coordinator.RoundStatus, error)
	Aggregate(ctx context.Context, round uint64, opts coordinator.AggregateOptions) (coordinator.Result, error)
	NextRound() uint64
	AllowReaggregate() bool
}

// Direction of a completed transfer.
type Direction string

const (
	Upload   Direction = "upload"
	Download Direction = "download"
)

// TransferEvent describes one completed blob transfer.
type TransferEvent struct {
	ID        string
	Direction Direction
	ClientID  string
	Round     uint64
	Bytes     int64
	Duration  time.Duration
	Remote    string
}

// TransferObserver is notified when a transfer completes.
type TransferObserver interface {
	OnTransferComplete(ev TransferEvent)
}

// Config holds gateway settings.
type Config struct {
	ChunkSize      int
	MaxUploadBytes int64

	// AdminToken guards the aggregate routes when non-empty.
	AdminToken string
}

// Gateway serves the HTTP API.
type Gateway struct {
	cfg         Config
	store       weightstore.Store
	coord       Coordinator
	checkpoints checkpoint.Manager
	logger      log.Logger
	observer    TransferObserver
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithTransferObserver registers an observer for completed transfers.
func WithTransferObserver(o TransferObserver) Option {
	return func(g *Gateway) {
		g.observer = o
	}
}

// New creates a gateway. Zero config values fall back to defaults.
func New(cfg Config, store weightstore.Store, coord Coordinator, checkpoints checkpoint.Manager, opts ...Option) *Gateway {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	g := &Gateway{
		cfg:         cfg,
		store:       store,
		coord:       coord,
		checkpoints: checkpoints,
		logger:      log.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Handler returns the routed HTTP handler.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		api.Post("/upload-client-weights", g.handleUpload)
		api.Get("/get-global-model", g.handleDownload)
		api.Get("/server-status", g.handleServerStatus)

		api.With(g.requireAdmin).Post("/aggregate", g.handleAggregateCurrent)

		api.Route("/rounds/{round}", func(rr chi.Router) {
			rr.Get("/", g.handleRoundStatus)
			rr.Get("/contributions", g.handleContributions)
			rr.With(g.requireAdmin).Post("/aggregate", g.handleAggregate)
		})
	})
	return r
}

func (g *Gateway) notify(ev TransferEvent) {
	if g.observer != nil {
		g.observer.OnTransferComplete(ev)
	}
}
