package configwatcher

import "github.com/bft-labs/fedship/pkg/fedship"

// WithConfigWatcher returns a fedship Option that reloads runtime settings
// when the server's configuration file changes.
//
// Usage:
//
//	srv, err := fedship.New(cfg,
//	    configwatcher.WithConfigWatcher(configwatcher.Config{
//	        DebounceDelay: 200 * time.Millisecond,
//	    }),
//	)
func WithConfigWatcher(cfg Config) fedship.Option {
	return fedship.WithPlugin(New(cfg))
}

// WithDefaultConfigWatcher enables config watching with default settings.
func WithDefaultConfigWatcher() fedship.Option {
	return WithConfigWatcher(DefaultConfig())
}
