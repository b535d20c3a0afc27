package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel converts a level name (case-insensitive) into a Level.
// Unknown names map to LevelInfo.
func ParseLevel(level string) Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// Config selects the log level, encoding and destination.
type Config struct {
	// Level is one of DEBUG, INFO, WARN, ERROR.
	Level string

	// Format is "text" or "json".
	Format string

	// Output is "stdout", "stderr" or a file path (opened in append mode).
	Output string
}

// Logger is a levelled printf-style logger carrying optional key/value
// context. Loggers derived with With share the level of their parent.
//
// A nil *Logger is valid and logs through the process default.
type Logger struct {
	level *atomic.Int32
	base  *slog.Logger
	attrs []any
}

// New builds a Logger writing to w.
func New(w io.Writer, format string, level Level) *Logger {
	lvl := &atomic.Int32{}
	lvl.Store(int32(level))

	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{level: lvl, base: slog.New(handler)}
}

// Open builds a Logger from cfg. The returned closer releases the output
// file when Output names one; it is a no-op otherwise.
func Open(cfg Config) (*Logger, io.Closer, error) {
	var (
		w      io.Writer
		closer io.Closer = nopCloser{}
	)

	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log output %s: %w", cfg.Output, err)
		}
		w = f
		closer = f
	}

	return New(w, cfg.Format, ParseLevel(cfg.Level)), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Discard returns a Logger that drops everything.
func Discard() *Logger {
	return New(io.Discard, "text", LevelError+1)
}

// With returns a child logger that adds key/value to every record.
func (l *Logger) With(key string, value any) *Logger {
	if l == nil {
		l = Default()
	}
	attrs := make([]any, 0, len(l.attrs)+2)
	attrs = append(attrs, l.attrs...)
	attrs = append(attrs, key, value)
	return &Logger{level: l.level, base: l.base, attrs: attrs}
}

// SetLevel changes the level for this logger and every logger derived from it.
func (l *Logger) SetLevel(level string) {
	l.level.Store(int32(ParseLevel(level)))
}

// Enabled reports whether records at level would be written.
func (l *Logger) Enabled(level Level) bool {
	if l == nil {
		l = Default()
	}
	return level >= Level(l.level.Load())
}

func (l *Logger) log(level Level, format string, v ...any) {
	if l == nil {
		l = Default()
	}
	if !l.Enabled(level) {
		return
	}
	l.base.Log(context.Background(), level.slogLevel(), fmt.Sprintf(format, v...), l.attrs...)
}

func (l *Logger) Debug(format string, v ...any) { l.log(LevelDebug, format, v...) }
func (l *Logger) Info(format string, v ...any)  { l.log(LevelInfo, format, v...) }
func (l *Logger) Warn(format string, v ...any)  { l.log(LevelWarn, format, v...) }
func (l *Logger) Error(format string, v ...any) { l.log(LevelError, format, v...) }

var (
	defaultMu     sync.RWMutex
	defaultLogger = New(os.Stdout, "text", LevelInfo)
)

// Default returns the process-wide logger.
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefault replaces the process-wide logger.
func SetDefault(l *Logger) {
	if l == nil {
		return
	}
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

func SetLevel(level string) {
	Default().SetLevel(level)
}

func Debug(format string, v ...any) {
	Default().log(LevelDebug, format, v...)
}

func Info(format string, v ...any) {
	Default().log(LevelInfo, format, v...)
}

func Warn(format string, v ...any) {
	Default().log(LevelWarn, format, v...)
}

func Error(format string, v ...any) {
	Default().log(LevelError, format, v...)
}
