// Package fedship runs a federated-learning aggregation server.
//
// Example usage:
//
//	cfg := fedship.DefaultConfig()
//	cfg.DataDir = "/srv/fl"
//	if err := fedship.Run(ctx, cfg, fedship.WithSeedFile("init_model.bin")); err != nil {
//	    log.Fatal(err)
//	}
//
// For lifecycle control, events and plugins use pkg/fedship directly.
package fedship

import (
	"context"
	"errors"
	"time"

	server "github.com/bft-labs/fedship/pkg/fedship"
)

// ErrCrashed is returned by Run when the server stops on its own.
var ErrCrashed = errors.New("fedship: server crashed")

// Config holds server settings. Use DefaultConfig to start from defaults.
type Config = server.Config

// Option configures a server.
type Option = server.Option

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return server.DefaultConfig()
}

// WithSeedFile seeds round 0 from an encoded model file.
func WithSeedFile(path string) Option {
	return server.WithSeedFile(path)
}

// Run starts a server and blocks until ctx is canceled, then shuts it down
// gracefully. It returns ErrCrashed early if the server fails while running.
func Run(ctx context.Context, cfg Config, opts ...Option) error {
	srv, err := server.New(cfg, opts...)
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return srv.Stop()
		case <-ticker.C:
			if srv.Status() == server.StateCrashed {
				return ErrCrashed
			}
		}
	}
}
