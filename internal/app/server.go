package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/bft-labs/fedship/internal/coordinator"
	"github.com/bft-labs/fedship/internal/gateway"
	"github.com/bft-labs/fedship/pkg/checkpoint"
	"github.com/bft-labs/fedship/pkg/ledger"
	"github.com/bft-labs/fedship/pkg/log"
	"github.com/bft-labs/fedship/pkg/params"
	"github.com/bft-labs/fedship/pkg/weightstore"
)

// ServerConfig holds the resolved settings for one server instance.
type ServerConfig struct {
	ListenAddr    string
	LedgerPath    string
	WeightsDir    string
	CheckpointDir string

	ChunkSize      int
	MaxUploadBytes int64

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	AdminToken       string
	AllowReaggregate bool
}

// Hooks receive domain events from the server's components.
type Hooks struct {
	Aggregation coordinator.EventEmitter
	Transfers   gateway.TransferObserver
}

// Server wires storage, coordinator and gateway behind an http.Server.
type Server struct {
	cfg    ServerConfig
	logger log.Logger

	Store       *weightstore.FileStore
	Ledger      *ledger.FileLedger
	Checkpoints *checkpoint.FileManager
	Coordinator *coordinator.Coordinator

	http     *http.Server
	listener net.Listener
}

// NewServer opens all persistent state. A corrupt ledger is fatal.
func NewServer(ctx context.Context, cfg ServerConfig, logger log.Logger, hooks Hooks) (*Server, error) {
	if logger == nil {
		logger = log.NewNoopLogger()
	}

	store, err := weightstore.NewFileStore(cfg.WeightsDir)
	if err != nil {
		return nil, fmt.Errorf("open weight store: %w", err)
	}
	l, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	cps, err := checkpoint.Open(ctx, cfg.CheckpointDir, logger)
	if err != nil {
		return nil, fmt.Errorf("open checkpoints: %w", err)
	}

	coordOpts := []coordinator.Option{
		coordinator.WithLogger(logger),
		coordinator.WithReaggregation(cfg.AllowReaggregate),
	}
	if hooks.Aggregation != nil {
		coordOpts = append(coordOpts, coordinator.WithEventEmitter(hooks.Aggregation))
	}
	coord := coordinator.New(l, store, cps, coordOpts...)

	gwOpts := []gateway.Option{gateway.WithLogger(logger)}
	if hooks.Transfers != nil {
		gwOpts = append(gwOpts, gateway.WithTransferObserver(hooks.Transfers))
	}
	gw := gateway.New(gateway.Config{
		ChunkSize:      cfg.ChunkSize,
		MaxUploadBytes: cfg.MaxUploadBytes,
		AdminToken:     cfg.AdminToken,
	}, store, coord, cps, gwOpts...)

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	return &Server{
		cfg:         cfg,
		logger:      logger,
		Store:       store,
		Ledger:      l,
		Checkpoints: cps,
		Coordinator: coord,
		http: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           gw.Handler(),
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 30 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
	}, nil
}

// Bootstrap installs seed as round 0 when no checkpoint exists, then
// derives the current round from the checkpoints. seed may be nil.
func (s *Server) Bootstrap(ctx context.Context, seed *params.State) (uint64, error) {
	if seed != nil {
		if _, err := s.Checkpoints.Initialize(ctx, seed); err != nil {
			return 0, fmt.Errorf("initialize global model: %w", err)
		}
	}
	return s.Coordinator.Resume(ctx)
}

// Listen binds the listen address.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = ln
	s.logger.Info("listening", log.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or "" before Listen.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve handles requests until ctx is canceled, then drains in-flight
// requests for up to the shutdown timeout.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.Serve(s.listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.http.Close()
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrShutdownTimeout
		}
		return err
	}
	<-errCh
	return nil
}

// Close releases the listener of a server that never started serving.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}
