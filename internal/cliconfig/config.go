package cliconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/bft-labs/fedship/pkg/log"
)

// DefaultServerURL is where client subcommands connect when nothing else is set.
const DefaultServerURL = "http://localhost:8000"

// Config holds CLI configuration for fedship.
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

	LogLevel    string
	SeedPath    string
	WatchConfig bool

	// CleanupHighWatermark enables upload cleanup when positive.
	CleanupHighWatermark int64
	CleanupLowWatermark  int64
	CleanupKeepRounds    int

	ServerURL     string
	ClientTimeout time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		DataDir:           "./fedship-data",
		ListenAddr:        ":8000",
		ChunkSize:         1 << 20,
		MaxUploadBytes:    2 << 30,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      30 * time.Minute,
		ShutdownTimeout:   30 * time.Second,
		LogLevel:          "info",
		WatchConfig:       true,
		CleanupKeepRounds: 1,
		ServerURL:         DefaultServerURL,
		ClientTimeout:     10 * time.Minute,
	}
}

// Validate checks the configuration for errors and normalizes it.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data-dir is required")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen is required")
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("max upload bytes must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	if c.CleanupHighWatermark < 0 || c.CleanupLowWatermark < 0 || c.CleanupKeepRounds < 0 {
		return fmt.Errorf("cleanup settings must not be negative")
	}
	if c.CleanupHighWatermark > 0 && c.CleanupLowWatermark > c.CleanupHighWatermark {
		return fmt.Errorf("cleanup low watermark exceeds high watermark")
	}

	if c.ServerURL == "" {
		c.ServerURL = DefaultServerURL
	}
	c.ServerURL = strings.TrimRight(c.ServerURL, "/")

	return nil
}

// Redacted returns a copy safe to log.
func (c Config) Redacted() Config {
	if c.AdminToken != "" {
		c.AdminToken = "*****"
	}
	return c
}

// Logger returns a console logger on stderr at the given level.
// Unknown levels fall back to info.
func Logger(level string) zerolog.Logger {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().Timestamp().Logger()
}

// configSetter applies values only where the corresponding flag
// was not set explicitly.
type configSetter struct {
	changed map[string]bool
}

func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

// setInt sets an int value if positive.
func (s *configSetter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

// setInt64 sets an int64 value if positive.
func (s *configSetter) setInt64(flag string, value int64, dst *int64) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

func (s *configSetter) setBool(flag string, value *bool, dst *bool) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

// setIntFromString parses value for environment variables.
func (s *configSetter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if i <= 0 {
		return nil
	}
	*dst = i
	return nil
}

func (s *configSetter) setInt64FromString(flag, value string, dst *int64) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if i <= 0 {
		return nil
	}
	*dst = i
	return nil
}

// setBoolFromString accepts "true" and "1" as true, anything else as false.
func (s *configSetter) setBoolFromString(flag, value string, dst *bool) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value == "true" || value == "1"
}
