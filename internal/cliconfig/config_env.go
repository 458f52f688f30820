package cliconfig

import "os"

// EnvPrefix prefixes every environment variable fedship reads.
const EnvPrefix = "FEDSHIP_"

func getenv(name string) string { return os.Getenv(EnvPrefix + name) }

// ApplyEnvConfig applies configuration from FEDSHIP_* environment variables.
// Explicitly set flags (changed) win. Malformed values are an error.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("data-dir", getenv("DATA_DIR"), &cfg.DataDir)
	s.setString("listen", getenv("LISTEN_ADDR"), &cfg.ListenAddr)
	s.setString("ledger-path", getenv("LEDGER_PATH"), &cfg.LedgerPath)
	s.setString("weights-dir", getenv("WEIGHTS_DIR"), &cfg.WeightsDir)
	s.setString("checkpoint-dir", getenv("CHECKPOINT_DIR"), &cfg.CheckpointDir)
	s.setString("admin-token", getenv("ADMIN_TOKEN"), &cfg.AdminToken)
	s.setString("log-level", getenv("LOG_LEVEL"), &cfg.LogLevel)
	s.setString("seed", getenv("SEED_PATH"), &cfg.SeedPath)
	s.setString("server", getenv("SERVER_URL"), &cfg.ServerURL)

	if err := s.setIntFromString("chunk-size", getenv("CHUNK_SIZE"), &cfg.ChunkSize); err != nil {
		return err
	}
	if err := s.setInt64FromString("max-upload-bytes", getenv("MAX_UPLOAD_BYTES"), &cfg.MaxUploadBytes); err != nil {
		return err
	}

	if err := s.setInt64FromString("cleanup-high-watermark", getenv("CLEANUP_HIGH_WATERMARK"), &cfg.CleanupHighWatermark); err != nil {
		return err
	}
	if err := s.setInt64FromString("cleanup-low-watermark", getenv("CLEANUP_LOW_WATERMARK"), &cfg.CleanupLowWatermark); err != nil {
		return err
	}
	if err := s.setIntFromString("cleanup-keep-rounds", getenv("CLEANUP_KEEP_ROUNDS"), &cfg.CleanupKeepRounds); err != nil {
		return err
	}

	if err := s.setDuration("read-timeout", getenv("READ_TIMEOUT"), &cfg.ReadTimeout); err != nil {
		return err
	}
	if err := s.setDuration("write-timeout", getenv("WRITE_TIMEOUT"), &cfg.WriteTimeout); err != nil {
		return err
	}
	if err := s.setDuration("shutdown-timeout", getenv("SHUTDOWN_TIMEOUT"), &cfg.ShutdownTimeout); err != nil {
		return err
	}
	if err := s.setDuration("timeout", getenv("CLIENT_TIMEOUT"), &cfg.ClientTimeout); err != nil {
		return err
	}

	s.setBoolFromString("allow-reaggregate", getenv("ALLOW_REAGGREGATE"), &cfg.AllowReaggregate)
	s.setBoolFromString("watch-config", getenv("WATCH_CONFIG"), &cfg.WatchConfig)

	return nil
}
