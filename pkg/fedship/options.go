package fedship

import (
	"context"
	"fmt"
	"os"

	"github.com/bft-labs/fedship/pkg/log"
	"github.com/bft-labs/fedship/pkg/params"
)

// SeedFunc builds the initial global model. It is only called when no
// checkpoint exists yet.
type SeedFunc func(ctx context.Context) (*params.State, error)

// Option configures optional behavior of a Server.
type Option func(*options)

type options struct {
	logger       log.Logger
	eventHandler EventHandler
	plugins      []Plugin
	seed         SeedFunc
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithEventHandler sets a handler for server events.
func WithEventHandler(handler EventHandler) Option {
	return func(o *options) {
		o.eventHandler = handler
	}
}

// WithPlugin registers a plugin to be initialized on Start.
func WithPlugin(plugin Plugin) Option {
	return func(o *options) {
		o.plugins = append(o.plugins, plugin)
	}
}

// WithSeed sets the function that builds the round 0 model.
func WithSeed(fn SeedFunc) Option {
	return func(o *options) {
		o.seed = fn
	}
}

// WithSeedFile seeds round 0 from an encoded model file.
func WithSeedFile(path string) Option {
	return WithSeed(func(ctx context.Context) (*params.State, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open seed: %w", err)
		}
		defer f.Close()
		return params.Decode(f)
	})
}
