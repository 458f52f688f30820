// Package configwatcher reloads fedship runtime settings when the
// configuration file changes on disk.
//
// Only settings that are safe to change on a running server are applied:
// log_level and allow_reaggregate. Everything else needs a restart.
package configwatcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	toml "github.com/pelletier/go-toml/v2"

	"github.com/bft-labs/fedship/pkg/fedship"
	"github.com/bft-labs/fedship/pkg/log"
)

// Config holds configuration options for the config watcher plugin.
type Config struct {
	// DebounceDelay is how long to wait after the last change before reloading.
	// Default: 100 milliseconds
	DebounceDelay time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{DebounceDelay: 100 * time.Millisecond}
}

// settings are the reloadable keys of the configuration file.
type settings struct {
	LogLevel         string `toml:"log_level"`
	AllowReaggregate *bool  `toml:"allow_reaggregate"`
}

// Plugin watches the configuration file and applies reloadable settings.
type Plugin struct {
	mu sync.Mutex

	debounceDelay time.Duration

	path     string
	logger   log.Logger
	controls fedship.Controls
	applied  settings
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	debounce *time.Timer
}

// New creates a new config watcher plugin.
func New(cfg Config) *Plugin {
	if cfg.DebounceDelay <= 0 {
		cfg.DebounceDelay = 100 * time.Millisecond
	}
	return &Plugin{debounceDelay: cfg.DebounceDelay}
}

// Name returns the plugin identifier.
func (p *Plugin) Name() string {
	return "configwatcher"
}

// Initialize starts watching cfg.ConfigPath. Without a path the plugin
// stays idle.
func (p *Plugin) Initialize(ctx context.Context, cfg fedship.PluginConfig) error {
	p.mu.Lock()
	p.path = cfg.ConfigPath
	p.logger = cfg.Logger
	p.controls = cfg.Controls
	p.mu.Unlock()

	if p.logger == nil {
		p.logger = log.NewNoopLogger()
	}
	if p.path == "" || p.controls == nil {
		p.logger.Warn("config watcher disabled: no configuration file")
		return nil
	}

	// Baseline so only later edits are reported as changes.
	if s, err := readSettings(p.path); err == nil {
		p.applied = s
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Editors replace files by rename, so watch the directory.
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(p.path), err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.logger.Info("config watcher started", log.String("path", p.path))

	p.wg.Add(1)
	go p.watchLoop(watchCtx, watcher)
	return nil
}

// Shutdown stops the watcher and waits for it to exit.
func (p *Plugin) Shutdown(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Lock()
	if p.debounce != nil {
		p.debounce.Stop()
	}
	p.mu.Unlock()
	p.wg.Wait()
	return nil
}

func (p *Plugin) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer p.wg.Done()
	defer watcher.Close()

	name := filepath.Base(p.path)
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			p.debounceReload(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Error("config watcher error", log.Err(err))
		}
	}
}

func (p *Plugin) debounceReload(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.debounce != nil {
		p.debounce.Stop()
	}
	p.debounce = time.AfterFunc(p.debounceDelay, func() {
		if ctx.Err() != nil {
			return
		}
		p.reload()
	})
}

// reload re-reads the file and applies settings that changed.
func (p *Plugin) reload() {
	s, err := readSettings(p.path)
	if err != nil {
		// Keep current settings.
		p.logger.Warn("config reload skipped", log.String("path", p.path), log.Err(err))
		return
	}

	p.mu.Lock()
	prev := p.applied
	p.mu.Unlock()

	next := prev
	if s.LogLevel != "" && s.LogLevel != prev.LogLevel {
		if err := p.controls.SetLogLevel(s.LogLevel); err != nil {
			p.logger.Warn("log level not applied", log.String("level", s.LogLevel), log.Err(err))
		} else {
			next.LogLevel = s.LogLevel
			p.logger.Info("log level reloaded", log.String("level", s.LogLevel))
		}
	}
	if s.AllowReaggregate != nil && (prev.AllowReaggregate == nil || *prev.AllowReaggregate != *s.AllowReaggregate) {
		p.controls.SetAllowReaggregate(*s.AllowReaggregate)
		allow := *s.AllowReaggregate
		next.AllowReaggregate = &allow
	}

	p.mu.Lock()
	p.applied = next
	p.mu.Unlock()
}

func readSettings(path string) (settings, error) {
	var s settings
	b, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	if err := toml.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("parse %s: %w", path, err)
	}
	return s, nil
}

var _ fedship.Plugin = (*Plugin)(nil)
