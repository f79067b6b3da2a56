// Package logging provides structured daemon logging with Sentry reporting
// and a size-capped rotating log file.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds logging configuration.
type Config struct {
	Level     slog.Level
	SentryDSN string
	Env       string // "development", "production"
	Version   string

	LogFile       string // empty = stderr
	LogMaxSizeMB  int    // rotate after this many megabytes
	LogMaxBackups int    // rotated files kept
	LogMaxAgeDays int

	// Output overrides the destination entirely. Tests use it.
	Output io.Writer
}

// Logger wraps slog.Logger with Sentry integration.
type Logger struct {
	*slog.Logger
	sentryEnabled bool
	rotator       *lumberjack.Logger // nil unless logging to a file
}

var (
	mu            sync.RWMutex
	defaultLogger *Logger
	level         = new(slog.LevelVar)
)

// Init replaces the global logger.
func Init(cfg Config) error {
	sentryEnabled := false
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.Env,
			Release:          cfg.Version,
			TracesSampleRate: 0.1,
		})
		if err != nil {
			return fmt.Errorf("sentry init: %w", err)
		}
		sentryEnabled = true
	}

	var output io.Writer = os.Stderr
	var rotator *lumberjack.Logger

	switch {
	case cfg.Output != nil:
		output = cfg.Output
	case cfg.LogFile != "":
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o700); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		rotator = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAge:     cfg.LogMaxAgeDays,
			Compress:   false,
		}
		output = rotator
	}

	level.Set(cfg.Level)
	handler := &sentryHandler{
		Handler: slog.NewTextHandler(output, &slog.HandlerOptions{
			Level:     level,
			AddSource: cfg.Level <= slog.LevelDebug,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey {
					if t, ok := a.Value.Any().(time.Time); ok {
						a.Value = slog.StringValue(t.Local().Format("2006-01-02T15:04:05.000-07:00"))
					}
				}
				return a
			},
		}),
		sentryEnabled: sentryEnabled,
	}

	l := &Logger{
		Logger:        slog.New(handler),
		sentryEnabled: sentryEnabled,
		rotator:       rotator,
	}

	mu.Lock()
	prev := defaultLogger
	defaultLogger = l
	mu.Unlock()
	if prev != nil && prev.rotator != nil {
		prev.rotator.Close()
	}

	slog.SetDefault(l.Logger)
	return nil
}

// Flush sends buffered Sentry events and closes the log file. Call it last.
func Flush(timeout time.Duration) {
	mu.RLock()
	l := defaultLogger
	mu.RUnlock()
	if l == nil {
		return
	}
	if l.sentryEnabled {
		sentry.Flush(timeout)
	}
	if l.rotator != nil {
		l.rotator.Close()
	}
}

// Rotate forces the log file to roll over. It is a no-op when logging to
// stderr.
func Rotate() error {
	mu.RLock()
	l := defaultLogger
	mu.RUnlock()
	if l == nil || l.rotator == nil {
		return nil
	}
	return l.rotator.Rotate()
}

// SetLevel changes the minimum level of the current logger.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// Default returns the default logger.
func Default() *Logger {
	mu.RLock()
	l := defaultLogger
	mu.RUnlock()
	if l == nil {
		return &Logger{Logger: slog.Default()}
	}
	return l
}

// tagKeys are record attributes promoted to Sentry tags so events can be
// filtered per workspace and RPC method.
var tagKeys = map[string]bool{"workspace": true, "method": true, "component": true}

// sentryHandler ships Error and above to Sentry after the wrapped handler
// has written the record. Attributes bound with With are kept so they reach
// Sentry too.
type sentryHandler struct {
	slog.Handler
	sentryEnabled bool
	bound         []slog.Attr
}

func (h *sentryHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.Handler.Handle(ctx, r); err != nil {
		return err
	}
	if h.sentryEnabled && r.Level >= slog.LevelError {
		sentry.CaptureEvent(h.event(r))
	}
	return nil
}

func (h *sentryHandler) event(r slog.Record) *sentry.Event {
	event := sentry.NewEvent()
	event.Level = sentryLevel(r.Level)
	event.Message = r.Message
	event.Timestamp = r.Time

	add := func(a slog.Attr) bool {
		v := a.Value.Resolve()
		if tagKeys[a.Key] {
			event.Tags[a.Key] = v.String()
		} else {
			event.Extra[a.Key] = v.Any()
		}
		return true
	}
	for _, a := range h.bound {
		add(a)
	}
	r.Attrs(add)

	if r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		event.Exception = []sentry.Exception{{
			Type:  "LogError",
			Value: r.Message,
			Stacktrace: &sentry.Stacktrace{Frames: []sentry.Frame{{
				Filename: frame.File,
				Function: frame.Function,
				Lineno:   frame.Line,
			}}},
		}}
	}
	return event
}

func (h *sentryHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &sentryHandler{
		Handler:       h.Handler.WithAttrs(attrs),
		sentryEnabled: h.sentryEnabled,
		bound:         append(slices.Clip(h.bound), attrs...),
	}
}

// WithGroup drops bound attributes from Sentry extras; the text log keeps them.
func (h *sentryHandler) WithGroup(name string) slog.Handler {
	return &sentryHandler{Handler: h.Handler.WithGroup(name), sentryEnabled: h.sentryEnabled}
}

func sentryLevel(l slog.Level) sentry.Level {
	switch {
	case l >= slog.LevelError:
		return sentry.LevelError
	case l >= slog.LevelWarn:
		return sentry.LevelWarning
	case l >= slog.LevelInfo:
		return sentry.LevelInfo
	}
	return sentry.LevelDebug
}

// ParseLevel maps a config string to a slog level. Unknown values are Info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Debug logs at debug level.
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }

// Info logs at info level.
func Info(msg string, args ...any) { Default().Info(msg, args...) }

// Warn logs at warn level.
func Warn(msg string, args ...any) { Default().Warn(msg, args...) }

// Error logs at error level; Sentry receives it when enabled.
func Error(msg string, args ...any) { Default().Error(msg, args...) }

// With returns a logger with the given attributes.
func With(args ...any) *slog.Logger {
	return Default().With(args...)
}

// CaptureError reports err to Sentry with key/value extras and logs it.
func CaptureError(err error, kv ...any) {
	l := Default()
	if l.sentryEnabled {
		sentry.WithScope(func(scope *sentry.Scope) {
			setExtras(scope, kv)
			sentry.CaptureException(err)
		})
	}
	l.Error("captured error", append([]any{"error", err}, kv...)...)
}

// CapturePanic reports a recovered panic value. It returns the value so the
// caller may re-panic.
func CapturePanic(panicValue any, kv ...any) any {
	if panicValue == nil {
		return nil
	}
	msg := fmt.Sprintf("panic: %v", panicValue)

	l := Default()
	l.Error(msg, append([]any{"panic", panicValue}, kv...)...)

	if l.sentryEnabled {
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetLevel(sentry.LevelFatal)
			scope.SetTag("type", "panic")
			setExtras(scope, kv)
			if err, ok := panicValue.(error); ok {
				sentry.CaptureException(err)
			} else {
				sentry.CaptureMessage(msg)
			}
		})
		sentry.Flush(2 * time.Second)
	}
	return panicValue
}

func setExtras(scope *sentry.Scope, kv []any) {
	for i := 0; i+1 < len(kv); i += 2 {
		if key, ok := kv[i].(string); ok {
			scope.SetExtra(key, kv[i+1])
		}
	}
}
