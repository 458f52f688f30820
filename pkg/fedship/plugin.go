package fedship

import (
	"context"

	"github.com/bft-labs/fedship/pkg/log"
)

// Plugin extends a Server with optional behavior.
type Plugin interface {
	// Name returns a unique identifier for the plugin.
	Name() string

	// Initialize is called during Start after storage is open.
	// An error aborts Start.
	Initialize(ctx context.Context, cfg PluginConfig) error

	// Shutdown is called during Stop, in reverse registration order.
	Shutdown(ctx context.Context) error
}

// PluginConfig is handed to plugins on Initialize.
type PluginConfig struct {
	ConfigPath string
	DataDir    string
	WeightsDir string
	Logger     log.Logger
	Controls   Controls
	Rounds     RoundReader
}

// RoundReader exposes the coordinator's round position and ledger refs.
type RoundReader interface {
	// NextRound returns the round currently accepting contributions.
	NextRound() (uint64, error)

	// BlobRefs returns the weight store refs the ledger holds for round.
	BlobRefs(ctx context.Context, round uint64) ([]string, error)
}

// Controls are the runtime settings a plugin may change.
type Controls interface {
	// SetLogLevel changes the log level ("debug", "info", "warn", "error").
	// Fails if the configured logger does not support level changes.
	SetLogLevel(level string) error

	// SetAllowReaggregate changes whether committed rounds may be
	// re-aggregated without a per-request opt-in.
	SetAllowReaggregate(allow bool)
}
