package log

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ZerologAdapter implements Logger on top of zerolog. Its minimum level is
// held outside the zerolog.Logger so it can be moved in either direction
// while other goroutines log.
type ZerologAdapter struct {
	logger zerolog.Logger
	level  *levelHolder
}

// NewZerologAdapter logs human-readable lines to stderr.
func NewZerologAdapter() *ZerologAdapter {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return NewZerologAdapterWithLogger(zerolog.New(out).With().Timestamp().Logger())
}

// NewZerologAdapterWithLogger wraps logger, starting at logger's own level.
func NewZerologAdapterWithLogger(logger zerolog.Logger) *ZerologAdapter {
	h := &levelHolder{}
	h.set(logger.GetLevel())
	return &ZerologAdapter{logger: logger.Level(zerolog.TraceLevel).Hook(h), level: h}
}

// SetLevel changes the minimum level logged.
func (z *ZerologAdapter) SetLevel(level zerolog.Level) { z.level.set(level) }

// Level returns the current minimum level.
func (z *ZerologAdapter) Level() zerolog.Level { return z.level.get() }

// Logger returns the wrapped zerolog.Logger.
func (z *ZerologAdapter) Logger() zerolog.Logger { return z.logger }

func (z *ZerologAdapter) Debug(msg string, fields ...Field) { z.write(zerolog.DebugLevel, msg, fields) }
func (z *ZerologAdapter) Info(msg string, fields ...Field)  { z.write(zerolog.InfoLevel, msg, fields) }
func (z *ZerologAdapter) Warn(msg string, fields ...Field)  { z.write(zerolog.WarnLevel, msg, fields) }
func (z *ZerologAdapter) Error(msg string, fields ...Field) { z.write(zerolog.ErrorLevel, msg, fields) }

func (z *ZerologAdapter) write(level zerolog.Level, msg string, fields []Field) {
	if level < z.level.get() {
		return
	}
	ev := z.logger.WithLevel(level)
	for _, f := range fields {
		ev = withField(ev, f)
	}
	ev.Msg(msg)
}

func withField(ev *zerolog.Event, f Field) *zerolog.Event {
	switch v := f.Value.(type) {
	case string:
		return ev.Str(f.Key, v)
	case []string:
		return ev.Strs(f.Key, v)
	case int:
		return ev.Int(f.Key, v)
	case int64:
		return ev.Int64(f.Key, v)
	case uint64:
		return ev.Uint64(f.Key, v)
	case float64:
		return ev.Float64(f.Key, v)
	case bool:
		return ev.Bool(f.Key, v)
	case time.Duration:
		return ev.Dur(f.Key, v)
	case time.Time:
		return ev.Time(f.Key, v)
	case error:
		return ev.AnErr(f.Key, v)
	case fmt.Stringer:
		return ev.Stringer(f.Key, v)
	default:
		return ev.Interface(f.Key, v)
	}
}

// ParseLevel maps a config string to a zerolog level. Empty means info.
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", s)
	}
}
