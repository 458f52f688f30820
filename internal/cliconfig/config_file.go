package cliconfig

import (
	"fmt"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig is the TOML configuration file layout.
type FileConfig struct {
	DataDir       string `toml:"data_dir"`
	ListenAddr    string `toml:"listen_addr"`
	LedgerPath    string `toml:"ledger_path"`
	WeightsDir    string `toml:"weights_dir"`
	CheckpointDir string `toml:"checkpoint_dir"`

	ChunkSize      int   `toml:"chunk_size"`
	MaxUploadBytes int64 `toml:"max_upload_bytes"`

	ReadTimeout     string `toml:"read_timeout"`
	WriteTimeout    string `toml:"write_timeout"`
	ShutdownTimeout string `toml:"shutdown_timeout"`

	AdminToken       string `toml:"admin_token"`
	AllowReaggregate *bool  `toml:"allow_reaggregate"`

	LogLevel    string `toml:"log_level"`
	SeedPath    string `toml:"seed_path"`
	WatchConfig *bool  `toml:"watch_config"`

	CleanupHighWatermark int64 `toml:"cleanup_high_watermark"`
	CleanupLowWatermark  int64 `toml:"cleanup_low_watermark"`
	CleanupKeepRounds    int   `toml:"cleanup_keep_rounds"`

	ServerURL     string `toml:"server_url"`
	ClientTimeout string `toml:"client_timeout"`
}

// LoadFileConfig reads and parses a TOML configuration file.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, fmt.Errorf("parse %s: %w", path, err)
	}
	return fc, nil
}

// DefaultConfigPath returns ~/.fedship/config.toml, or "" when the home
// directory cannot be determined.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil && h != "" {
		return filepath.Join(h, ".fedship", "config.toml")
	}
	return ""
}

// ApplyFileConfig applies file values to cfg, skipping explicitly set flags.
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("data-dir", fc.DataDir, &cfg.DataDir)
	s.setString("listen", fc.ListenAddr, &cfg.ListenAddr)
	s.setString("ledger-path", fc.LedgerPath, &cfg.LedgerPath)
	s.setString("weights-dir", fc.WeightsDir, &cfg.WeightsDir)
	s.setString("checkpoint-dir", fc.CheckpointDir, &cfg.CheckpointDir)
	s.setString("admin-token", fc.AdminToken, &cfg.AdminToken)
	s.setString("log-level", fc.LogLevel, &cfg.LogLevel)
	s.setString("seed", fc.SeedPath, &cfg.SeedPath)
	s.setString("server", fc.ServerURL, &cfg.ServerURL)

	s.setInt("chunk-size", fc.ChunkSize, &cfg.ChunkSize)
	s.setInt64("max-upload-bytes", fc.MaxUploadBytes, &cfg.MaxUploadBytes)
	s.setInt64("cleanup-high-watermark", fc.CleanupHighWatermark, &cfg.CleanupHighWatermark)
	s.setInt64("cleanup-low-watermark", fc.CleanupLowWatermark, &cfg.CleanupLowWatermark)
	s.setInt("cleanup-keep-rounds", fc.CleanupKeepRounds, &cfg.CleanupKeepRounds)

	if err := s.setDuration("read-timeout", fc.ReadTimeout, &cfg.ReadTimeout); err != nil {
		return err
	}
	if err := s.setDuration("write-timeout", fc.WriteTimeout, &cfg.WriteTimeout); err != nil {
		return err
	}
	if err := s.setDuration("shutdown-timeout", fc.ShutdownTimeout, &cfg.ShutdownTimeout); err != nil {
		return err
	}
	if err := s.setDuration("timeout", fc.ClientTimeout, &cfg.ClientTimeout); err != nil {
		return err
	}

	s.setBool("allow-reaggregate", fc.AllowReaggregate, &cfg.AllowReaggregate)
	s.setBool("watch-config", fc.WatchConfig, &cfg.WatchConfig)

	return nil
}

// FileExists reports whether a file exists at p.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
