package fedship

import "github.com/bft-labs/fedship/internal/app"

// Errors returned by Server. Check with errors.Is.
var (
	ErrAlreadyRunning  = app.ErrAlreadyRunning
	ErrNotRunning      = app.ErrNotRunning
	ErrShutdownTimeout = app.ErrShutdownTimeout
	ErrInvalidConfig   = app.ErrInvalidConfig
)
