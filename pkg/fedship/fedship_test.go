package fedship

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bft-labs/fedship/pkg/client"
	"github.com/bft-labs/fedship/pkg/log"
	"github.com/bft-labs/fedship/pkg/params"
	"github.com/bft-labs/fedship/pkg/weightstore"
)

type recordingHandler struct {
	BaseEventHandler
	mu           sync.Mutex
	states       []State
	transfers    []TransferEvent
	aggregations []AggregationEvent
}

func (h *recordingHandler) OnStateChange(ev StateChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states = append(h.states, ev.Current)
}

func (h *recordingHandler) OnTransferComplete(ev TransferEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transfers = append(h.transfers, ev)
}

func (h *recordingHandler) OnAggregation(ev AggregationEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.aggregations = append(h.aggregations, ev)
}

type testPlugin struct {
	name  string
	order *[]string
	fail  error
	cfg   PluginConfig
}

func (p *testPlugin) Name() string { return p.name }

func (p *testPlugin) Initialize(ctx context.Context, cfg PluginConfig) error {
	p.cfg = cfg
	*p.order = append(*p.order, "init:"+p.name)
	return p.fail
}

func (p *testPlugin) Shutdown(ctx context.Context) error {
	*p.order = append(*p.order, "shutdown:"+p.name)
	return nil
}

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

func zeroSeed(ctx context.Context) (*params.State, error) {
	s := params.New()
	s.Set("w", params.Full([]int{3}, 0))
	return s, nil
}

func uniform(v float64) *params.State {
	s := params.New()
	s.Set("w", params.Full([]int{3}, v))
	return s
}

func TestServer_EndToEnd(t *testing.T) {
	ctx := context.Background()
	handler := &recordingHandler{}
	cfg := testConfig(t)

	srv, err := New(cfg, WithSeed(zeroSeed), WithEventHandler(handler))
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if srv.Status() != StateRunning {
		t.Fatalf("Status() = %v, want Running", srv.Status())
	}

	c := client.New("http://"+srv.Addr(), client.WithRetry(1, time.Millisecond, time.Millisecond))
	if _, err := c.UploadState(ctx, client.Contribution{ClientID: "a", Round: 1, DatasetSize: 3}, uniform(2)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.UploadState(ctx, client.Contribution{ClientID: "b", Round: 1, DatasetSize: 1}, uniform(0)); err != nil {
		t.Fatal(err)
	}

	res, err := srv.Aggregate(ctx, 1, false)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if !res.Committed || res.NextRound != 2 {
		t.Errorf("result = %+v", res)
	}

	model, round, err := c.DownloadState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if round != 1 || !params.Equal(model, uniform(1.5)) {
		t.Errorf("downloaded round %d, want 1 with value 1.5", round)
	}

	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if srv.Status() != StateStopped {
		t.Errorf("Status() after Stop = %v", srv.Status())
	}

	handler.mu.Lock()
	if len(handler.transfers) != 3 || len(handler.aggregations) != 1 || !handler.aggregations[0].Committed {
		t.Errorf("events: %d transfers, %+v aggregations", len(handler.transfers), handler.aggregations)
	}
	wantStates := []State{StateStarting, StateRunning, StateStopping, StateStopped}
	if len(handler.states) != len(wantStates) {
		t.Errorf("states = %v, want %v", handler.states, wantStates)
	}
	handler.mu.Unlock()

	// A restart resumes from the checkpoints on disk.
	restarted, err := New(cfg, WithSeed(func(context.Context) (*params.State, error) {
		t.Error("seed called although checkpoints exist")
		return uniform(9), nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	if err := restarted.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer restarted.Stop()
	if next, _ := restarted.NextRound(); next != 2 {
		t.Errorf("NextRound() after restart = %d, want 2", next)
	}
}

func TestServer_AggregateReportsExclusionReasons(t *testing.T) {
	ctx := context.Background()
	handler := &recordingHandler{}
	srv, err := New(testConfig(t), WithSeed(zeroSeed), WithEventHandler(handler))
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()

	c := client.New("http://"+srv.Addr(), client.WithRetry(1, time.Millisecond, time.Millisecond))
	if _, err := c.UploadState(ctx, client.Contribution{ClientID: "a", Round: 1, DatasetSize: 3}, uniform(2)); err != nil {
		t.Fatal(err)
	}
	ack, err := c.UploadState(ctx, client.Contribution{ClientID: "b", Round: 1, DatasetSize: 1}, uniform(0))
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.server().Store.Delete(ctx, weightstore.UploadKey("b", 1, ack.TransferID).Ref()); err != nil {
		t.Fatal(err)
	}

	res, err := srv.Aggregate(ctx, 1, false)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	want := []Exclusion{{ClientID: "b", Reason: "blob not found"}}
	if !res.Committed || len(res.Used) != 1 || res.Used[0] != "a" {
		t.Errorf("result = %+v", res)
	}
	if len(res.Excluded) != 1 || res.Excluded[0] != want[0] {
		t.Errorf("Excluded = %+v, want %+v", res.Excluded, want)
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.aggregations) != 1 {
		t.Fatalf("aggregation events = %d, want 1", len(handler.aggregations))
	}
	if ex := handler.aggregations[0].Excluded; len(ex) != 1 || ex[0] != want[0] {
		t.Errorf("event Excluded = %+v, want %+v", ex, want)
	}
}

func TestServer_StartStopErrors(t *testing.T) {
	srv, err := New(testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Stop() before Start = %v, want ErrNotRunning", err)
	}
	if _, err := srv.NextRound(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("NextRound() before Start = %v, want ErrNotRunning", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start() = %v, want ErrAlreadyRunning", err)
	}
	if err := srv.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestServer_Plugins(t *testing.T) {
	var order []string
	a := &testPlugin{name: "a", order: &order}
	b := &testPlugin{name: "b", order: &order}
	cfg := testConfig(t)
	cfg.ConfigPath = "/etc/fedship.toml"

	srv, err := New(cfg, WithPlugin(a), WithPlugin(b))
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if a.cfg.ConfigPath != "/etc/fedship.toml" || a.cfg.Controls == nil {
		t.Errorf("plugin config = %+v", a.cfg)
	}
	if err := srv.Stop(); err != nil {
		t.Fatal(err)
	}

	want := "init:a,init:b,shutdown:b,shutdown:a"
	if got := strings.Join(order, ","); got != want {
		t.Errorf("order = %s, want %s", got, want)
	}
}

func TestServer_PluginInitFailure(t *testing.T) {
	var order []string
	boom := errors.New("boom")
	srv, err := New(testConfig(t),
		WithPlugin(&testPlugin{name: "ok", order: &order}),
		WithPlugin(&testPlugin{name: "bad", order: &order, fail: boom}))
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Start() = %v, want boom", err)
	}
	if srv.Status() != StateCrashed {
		t.Errorf("Status() = %v, want Crashed", srv.Status())
	}
	want := "init:ok,init:bad,shutdown:ok"
	if got := strings.Join(order, ","); got != want {
		t.Errorf("order = %s, want %s", got, want)
	}
}

func TestServer_ServeFailureShutsDownPlugins(t *testing.T) {
	var order []string
	srv, err := New(testConfig(t), WithSeed(zeroSeed), WithPlugin(&testPlugin{name: "a", order: &order}))
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Closing the listener out from under Serve fails it.
	if err := srv.server().Close(); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for srv.Status() != StateCrashed {
		if time.Now().After(deadline) {
			t.Fatalf("Status() = %v, want Crashed", srv.Status())
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got, want := strings.Join(order, ","), "init:a,shutdown:a"; got != want {
		t.Errorf("order after crash = %s, want %s", got, want)
	}
	if addr := srv.Addr(); addr != "" {
		t.Errorf("Addr() after crash = %q, want empty", addr)
	}
	if _, err := srv.NextRound(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("NextRound() after crash = %v, want ErrNotRunning", err)
	}
	if err := srv.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Stop() after crash = %v, want ErrNotRunning", err)
	}

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("restart after crash: %v", err)
	}
	if next, err := srv.NextRound(); err != nil || next != 1 {
		t.Errorf("NextRound() after restart = %d, %v; want 1", next, err)
	}
	if err := srv.Stop(); err != nil {
		t.Fatal(err)
	}
	if got, want := strings.Join(order, ","), "init:a,shutdown:a,init:a,shutdown:a"; got != want {
		t.Errorf("order = %s, want %s", got, want)
	}
}

func TestServer_Controls(t *testing.T) {
	var buf bytes.Buffer
	logger := log.NewZerologAdapterWithLogger(zerolog.New(&buf))

	srv, err := New(testConfig(t), WithLogger(logger))
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.SetLogLevel("warn"); err != nil {
		t.Fatal(err)
	}
	if logger.Level() != zerolog.WarnLevel {
		t.Errorf("level = %v, want warn", logger.Level())
	}
	if err := srv.SetLogLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}

	noop, _ := New(testConfig(t))
	if err := noop.SetLogLevel("debug"); err == nil {
		t.Error("expected error for logger without level support")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"negative chunk", func(c *Config) { c.ChunkSize = -1 }, false},
		{"negative upload cap", func(c *Config) { c.MaxUploadBytes = -1 }, false},
		{"negative timeout", func(c *Config) { c.ReadTimeout = -time.Second }, false},
		{"shared dirs", func(c *Config) { c.WeightsDir = "/x"; c.CheckpointDir = "/x" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			cfg.SetDefaults()
			err := cfg.Validate()
			if (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, want ok=%v", err, tt.ok)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("error %v is not ErrInvalidConfig", err)
			}
		})
	}
}

func TestConfig_SetDefaultsDerivesPaths(t *testing.T) {
	cfg := Config{DataDir: "/srv/fl"}
	cfg.SetDefaults()
	if cfg.LedgerPath != "/srv/fl/client_stats.json" ||
		cfg.WeightsDir != "/srv/fl/uploaded_client_weights" ||
		cfg.CheckpointDir != "/srv/fl/global_models" {
		t.Errorf("derived paths = %q %q %q", cfg.LedgerPath, cfg.WeightsDir, cfg.CheckpointDir)
	}
}
