package fedship

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/bft-labs/fedship/internal/app"
	"github.com/bft-labs/fedship/internal/coordinator"
	"github.com/bft-labs/fedship/pkg/aggregate"
	"github.com/bft-labs/fedship/pkg/checkpoint"
	"github.com/bft-labs/fedship/pkg/ledger"
	"github.com/bft-labs/fedship/pkg/log"
	"github.com/bft-labs/fedship/pkg/params"
	"github.com/bft-labs/fedship/pkg/weightstore"
)

// AggregateResult summarizes one aggregation run.
type AggregateResult struct {
	Round     uint64
	Committed bool
	Used      []string
	Excluded  []Exclusion
	NextRound uint64
}

// Server is an embeddable round coordinator with an HTTP gateway.
// Use New to create one, then Start to begin serving.
type Server struct {
	config    Config
	opts      options
	logger    log.Logger
	lifecycle *app.Lifecycle
	events    *eventBridge

	// opMu serializes Start and Stop; mu guards srv, stopPlugins and the
	// mutable config.
	opMu        sync.Mutex
	mu          sync.RWMutex
	srv         *app.Server
	stopPlugins func()
}

// New validates cfg and creates a Server in StateStopped.
func New(cfg Config, opts ...Option) (*Server, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := validateModuleVersions(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = log.NewNoopLogger()
	}

	events := &eventBridge{handler: o.eventHandler}
	return &Server{
		config:    cfg,
		opts:      o,
		logger:    logger,
		lifecycle: app.NewLifecycle(logger, events),
		events:    events,
	}, nil
}

// Start opens storage, bootstraps round 0 if a seed is configured,
// initializes plugins and begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if !s.lifecycle.CanStart() {
		return ErrAlreadyRunning
	}
	if err := s.lifecycle.TransitionTo(app.StateStarting, "Start() called"); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.lifecycle.SetCancel(cancel)

	fail := func(reason string, err error) error {
		cancel()
		s.mu.Lock()
		s.srv = nil
		s.stopPlugins = nil
		s.mu.Unlock()
		s.logger.Error(reason, log.Err(err))
		_ = s.lifecycle.TransitionTo(app.StateCrashed, reason)
		return err
	}

	s.mu.RLock()
	serverCfg := s.config.serverConfig()
	s.mu.RUnlock()

	srv, err := app.NewServer(runCtx, serverCfg, s.logger, app.Hooks{
		Aggregation: s.events,
		Transfers:   s.events,
	})
	if err != nil {
		return fail("open storage failed", err)
	}

	seed, err := s.seedIfEmpty(runCtx, srv)
	if err != nil {
		return fail("seed failed", err)
	}
	next, err := srv.Bootstrap(runCtx, seed)
	if err != nil {
		return fail("bootstrap failed", err)
	}
	if err := srv.Listen(); err != nil {
		return fail("listen failed", err)
	}
	plugins := s.opts.plugins
	stopPlugins := sync.OnceFunc(func() { s.shutdownPlugins(plugins) })
	s.mu.Lock()
	s.srv = srv
	s.stopPlugins = stopPlugins
	s.mu.Unlock()

	pluginCfg := PluginConfig{
		ConfigPath: s.config.ConfigPath,
		DataDir:    s.config.DataDir,
		WeightsDir: s.config.WeightsDir,
		Logger:     s.logger,
		Controls:   s,
		Rounds:     s,
	}
	for i, p := range s.opts.plugins {
		if err := p.Initialize(runCtx, pluginCfg); err != nil {
			s.shutdownPlugins(s.opts.plugins[:i])
			_ = srv.Close()
			return fail("plugin init failed: "+p.Name(), err)
		}
		s.logger.Info("plugin initialized", log.String("plugin", p.Name()))
	}

	s.logger.Info("server started",
		log.String("addr", srv.Addr()),
		log.Uint64("next_round", next))

	if err := s.lifecycle.TransitionTo(app.StateRunning, "listening on "+srv.Addr()); err != nil {
		_ = srv.Close()
		return fail("transition failed", err)
	}

	s.lifecycle.Go(func() {
		err := srv.Serve(runCtx)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		s.logger.Error("server error", log.Err(err))
		if s.lifecycle.State() == app.StateStopping {
			// Stop reports the failure and cleans up.
			return
		}
		s.lifecycle.Cancel()
		stopPlugins()
		s.mu.Lock()
		s.srv = nil
		s.mu.Unlock()
		_ = s.lifecycle.TransitionTo(app.StateCrashed, err.Error())
	})
	return nil
}

func (s *Server) seedIfEmpty(ctx context.Context, srv *app.Server) (*params.State, error) {
	if s.opts.seed == nil {
		return nil, nil
	}
	if _, ok := srv.Checkpoints.LatestRound(); ok {
		return nil, nil
	}
	seed, err := s.opts.seed(ctx)
	if err != nil {
		return nil, err
	}
	if seed == nil {
		return nil, errors.New("seed function returned nil state")
	}
	return seed, nil
}

// Stop gracefully shuts down the server, draining in-flight requests.
// Returns ErrShutdownTimeout if draining exceeds the shutdown timeout.
func (s *Server) Stop() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if !s.lifecycle.CanStop() {
		return ErrNotRunning
	}
	if err := s.lifecycle.TransitionTo(app.StateStopping, "Stop() called"); err != nil {
		return err
	}
	s.lifecycle.Cancel()

	// Serve has its own drain deadline; allow a little slack past it.
	err := s.lifecycle.WaitWithTimeout(s.config.ShutdownTimeout + s.config.ShutdownTimeout/2)

	s.mu.Lock()
	stopPlugins := s.stopPlugins
	s.srv = nil
	s.mu.Unlock()
	if stopPlugins != nil {
		stopPlugins()
	}

	if err != nil {
		_ = s.lifecycle.TransitionTo(app.StateCrashed, "shutdown timeout")
	} else {
		_ = s.lifecycle.TransitionTo(app.StateStopped, "graceful shutdown")
	}
	return err
}

func (s *Server) shutdownPlugins(plugins []Plugin) {
	ctx := context.Background()
	for i := len(plugins) - 1; i >= 0; i-- {
		p := plugins[i]
		if err := p.Shutdown(ctx); err != nil {
			s.logger.Error("plugin shutdown failed", log.String("plugin", p.Name()), log.Err(err))
		} else {
			s.logger.Info("plugin shutdown complete", log.String("plugin", p.Name()))
		}
	}
}

// Status returns the current lifecycle state.
func (s *Server) Status() State {
	return State(s.lifecycle.State())
}

// Addr returns the bound listen address while running.
func (s *Server) Addr() string {
	if srv := s.server(); srv != nil {
		return srv.Addr()
	}
	return ""
}

// NextRound returns the round uploads currently target.
func (s *Server) NextRound() (uint64, error) {
	srv := s.server()
	if srv == nil {
		return 0, ErrNotRunning
	}
	return srv.Coordinator.NextRound(), nil
}

// BlobRefs implements RoundReader.
func (s *Server) BlobRefs(ctx context.Context, round uint64) ([]string, error) {
	srv := s.server()
	if srv == nil {
		return nil, ErrNotRunning
	}
	contribs, err := srv.Coordinator.Contributions(ctx, round)
	if err != nil {
		return nil, err
	}
	refs := make([]string, 0, len(contribs))
	for _, c := range contribs {
		ref := c.BlobRef
		if ref == "" {
			ref = weightstore.ClientKey(c.ClientID, round).Ref().String()
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// Aggregate triggers aggregation of round, as the HTTP operator route does.
func (s *Server) Aggregate(ctx context.Context, round uint64, reaggregate bool) (AggregateResult, error) {
	srv := s.server()
	if srv == nil {
		return AggregateResult{}, ErrNotRunning
	}
	res, err := srv.Coordinator.Aggregate(ctx, round, coordinator.AggregateOptions{Reaggregate: reaggregate})
	out := AggregateResult{
		Round:     round,
		Committed: res.State == coordinator.StateCommitted,
		Used:      res.Used,
		Excluded:  exclusions(res.Excluded),
		NextRound: srv.Coordinator.NextRound(),
	}
	return out, err
}

// SetLogLevel implements Controls.
func (s *Server) SetLogLevel(level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	setter, ok := s.logger.(interface{ SetLevel(zerolog.Level) })
	if !ok {
		return fmt.Errorf("logger %T does not support level changes", s.logger)
	}
	setter.SetLevel(lvl)
	return nil
}

// SetAllowReaggregate implements Controls.
func (s *Server) SetAllowReaggregate(allow bool) {
	s.mu.Lock()
	s.config.AllowReaggregate = allow
	srv := s.srv
	s.mu.Unlock()
	if srv != nil {
		srv.Coordinator.SetAllowReaggregate(allow)
	}
	s.logger.Info("re-aggregation policy changed", log.Bool("allow_reaggregate", allow))
}

func (s *Server) server() *app.Server {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.srv
}

// validateModuleVersions checks that all module versions are compatible.
func validateModuleVersions() error {
	modules := map[string]struct {
		version    string
		minVersion string
	}{
		"params":      {params.Version, params.MinCompatibleVersion},
		"aggregate":   {aggregate.Version, aggregate.MinCompatibleVersion},
		"weightstore": {weightstore.Version, weightstore.MinCompatibleVersion},
		"ledger":      {ledger.Version, ledger.MinCompatibleVersion},
		"checkpoint":  {checkpoint.Version, checkpoint.MinCompatibleVersion},
		"log":         {log.Version, log.MinCompatibleVersion},
	}
	for name, m := range modules {
		if !isVersionCompatible(m.version, m.minVersion) {
			return fmt.Errorf("module %s version %s is below minimum compatible version %s",
				name, m.version, m.minVersion)
		}
	}
	return nil
}

// isVersionCompatible reports whether version >= minVersion ("major.minor.patch").
func isVersionCompatible(version, minVersion string) bool {
	var vMajor, vMinor, vPatch int
	var mMajor, mMinor, mPatch int

	_, _ = fmt.Sscanf(version, "%d.%d.%d", &vMajor, &vMinor, &vPatch)
	_, _ = fmt.Sscanf(minVersion, "%d.%d.%d", &mMajor, &mMinor, &mPatch)

	if vMajor != mMajor {
		return vMajor > mMajor
	}
	if vMinor != mMinor {
		return vMinor > mMinor
	}
	return vPatch >= mPatch
}
