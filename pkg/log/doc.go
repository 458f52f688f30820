// Package log is the structured logging abstraction used across fedship.
//
// Components depend on the [Logger] interface rather than a concrete library.
// [ZerologAdapter] backs it with zerolog for the server and CLI, and
// [NoopLogger] discards everything for tests and embedders that bring no
// logger.
//
//	logger := log.NewZerologAdapter()
//	logger.Info("contribution recorded",
//	    log.Round(3),
//	    log.ClientID("hospital-a"),
//	    log.Int64("dataset_size", 1200),
//	)
//
// The adapter's level can be changed at runtime with [ZerologAdapter.SetLevel],
// which the config watcher uses to apply a new log_level without a restart.
//
// # Version
//
// Current version: 1.0.0
// Minimum compatible version: 1.0.0
//
// See version.go for version constants that can be used programmatically.
package log
