package app

import "errors"

// Lifecycle errors. The public facade re-exports these.
var (
	// ErrAlreadyRunning is returned when Start is called on a running server.
	ErrAlreadyRunning = errors.New("fedship: already running")

	// ErrNotRunning is returned when Stop is called on a stopped server.
	ErrNotRunning = errors.New("fedship: not running")

	// ErrShutdownTimeout is returned when graceful shutdown times out.
	ErrShutdownTimeout = errors.New("fedship: shutdown timeout")

	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("fedship: invalid configuration")
)
