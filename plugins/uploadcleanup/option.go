package uploadcleanup

import "github.com/bft-labs/fedship/pkg/fedship"

// WithUploadCleanup returns a fedship Option that enables upload cleanup.
// When enabled, the plugin periodically checks the size of stored client
// uploads and removes those of old rounds above the high watermark.
//
// Usage:
//
//	srv, err := fedship.New(cfg,
//	    uploadcleanup.WithUploadCleanup(uploadcleanup.Config{
//	        CheckInterval: time.Hour,
//	        HighWatermark: 20 << 30, // 20 GiB
//	        LowWatermark:  15 << 30, // 15 GiB
//	        KeepRounds:    2,
//	    }),
//	)
func WithUploadCleanup(cfg Config) fedship.Option {
	return fedship.WithPlugin(New(cfg))
}

// WithDefaultUploadCleanup enables upload cleanup with default settings
// (check hourly, high watermark 20GiB, low watermark 15GiB, keep 1 round).
func WithDefaultUploadCleanup() fedship.Option {
	return WithUploadCleanup(DefaultConfig())
}
