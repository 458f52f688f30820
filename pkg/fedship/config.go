package fedship

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/bft-labs/fedship/internal/app"
)

// Defaults.
const (
	DefaultDataDir         = "./fedship-data"
	DefaultListenAddr      = ":8000"
	DefaultChunkSize       = 1 << 20
	DefaultMaxUploadBytes  = 2 << 30
	DefaultReadTimeout     = 5 * time.Minute
	DefaultWriteTimeout    = 30 * time.Minute
	DefaultShutdownTimeout = 30 * time.Second

	ledgerFile    = "client_stats.json"
	weightsSubdir = "uploaded_client_weights"
	modelsSubdir  = "global_models"
)

// Config holds server settings. Empty paths are derived from DataDir.
type Config struct {
	DataDir       string
	ListenAddr    string
	LedgerPath    string
	WeightsDir    string
	CheckpointDir string

	ChunkSize      int
	MaxUploadBytes int64

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	AdminToken       string
	AllowReaggregate bool

	// ConfigPath is the file this config was loaded from, if any.
	// Plugins that watch configuration use it.
	ConfigPath string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		DataDir:         DefaultDataDir,
		ListenAddr:      DefaultListenAddr,
		ChunkSize:       DefaultChunkSize,
		MaxUploadBytes:  DefaultMaxUploadBytes,
		ReadTimeout:     DefaultReadTimeout,
		WriteTimeout:    DefaultWriteTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// SetDefaults fills zero values and derives storage paths.
func (c *Config) SetDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.LedgerPath == "" {
		c.LedgerPath = filepath.Join(c.DataDir, ledgerFile)
	}
	if c.WeightsDir == "" {
		c.WeightsDir = filepath.Join(c.DataDir, weightsSubdir)
	}
	if c.CheckpointDir == "" {
		c.CheckpointDir = filepath.Join(c.DataDir, modelsSubdir)
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.MaxUploadBytes == 0 {
		c.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// Validate checks the configuration. Call SetDefaults first.
func (c *Config) Validate() error {
	switch {
	case c.ChunkSize <= 0:
		return fmt.Errorf("%w: chunk size must be positive", ErrInvalidConfig)
	case c.MaxUploadBytes <= 0:
		return fmt.Errorf("%w: max upload bytes must be positive", ErrInvalidConfig)
	case c.ReadTimeout < 0 || c.WriteTimeout < 0:
		return fmt.Errorf("%w: timeouts must not be negative", ErrInvalidConfig)
	case c.ShutdownTimeout <= 0:
		return fmt.Errorf("%w: shutdown timeout must be positive", ErrInvalidConfig)
	case c.WeightsDir == c.CheckpointDir:
		return fmt.Errorf("%w: weights and checkpoint directories must differ", ErrInvalidConfig)
	}
	return nil
}

func (c Config) serverConfig() app.ServerConfig {
	return app.ServerConfig{
		ListenAddr:       c.ListenAddr,
		LedgerPath:       c.LedgerPath,
		WeightsDir:       c.WeightsDir,
		CheckpointDir:    c.CheckpointDir,
		ChunkSize:        c.ChunkSize,
		MaxUploadBytes:   c.MaxUploadBytes,
		ReadTimeout:      c.ReadTimeout,
		WriteTimeout:     c.WriteTimeout,
		ShutdownTimeout:  c.ShutdownTimeout,
		AdminToken:       c.AdminToken,
		AllowReaggregate: c.AllowReaggregate,
	}
}
