// Package monitoring - logger.go provides structured logging via zerolog.
//
// DESIGN: Thin wrapper around zerolog with:
//   - level, format (json/console) and output (stdout/stderr/file) from config
//   - console format chosen automatically when the output is a terminal
//   - Global() installs the logger as zerolog's package logger
//   - request ids carried in context and stamped by Ctx()
package monitoring

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

type contextKey string

// RequestIDKey is the context key of the gateway request id.
const RequestIDKey contextKey = "request_id"

// Log formats.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Logger wraps zerolog.Logger.
type Logger struct {
	zl zerolog.Logger
}

// New builds a logger. Unknown levels fall back to info.
func New(cfg LoggerConfig) *Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	out, tty := openOutput(cfg)
	if resolveFormat(cfg.Format, tty) == FormatConsole {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05", NoColor: !tty}
	}
	return &Logger{zl: zerolog.New(out).Level(parseLevel(cfg.Level)).With().Timestamp().Logger()}
}

func parseLevel(s string) zerolog.Level {
	if s == "" {
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

func resolveFormat(format string, tty bool) string {
	switch {
	case format != "":
		return format
	case tty:
		return FormatConsole
	default:
		return FormatJSON
	}
}

// openOutput resolves the configured sink and reports whether it is a
// terminal. An unopenable file falls back to stdout.
func openOutput(cfg LoggerConfig) (io.Writer, bool) {
	if cfg.Writer != nil {
		return cfg.Writer, false
	}
	var f *os.File
	switch cfg.Output {
	case "", "stdout":
		f = os.Stdout
	case "stderr":
		f = os.Stderr
	default:
		file, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			f = os.Stdout
			break
		}
		return file, false
	}
	return f, term.IsTerminal(int(f.Fd()))
}

// Global installs the logger as zerolog's package logger and returns it.
func Global(cfg LoggerConfig) *Logger {
	logger := New(cfg)
	log.Logger = logger.zl
	return logger
}

// Component returns a child logger tagged with a component name.
func (l *Logger) Component(name string) *Logger {
	return &Logger{zl: l.zl.With().Str("component", name).Logger()}
}

// Ctx returns a child logger carrying the request id found in ctx.
func (l *Logger) Ctx(ctx context.Context) *zerolog.Logger {
	zl := l.zl
	if id := RequestIDFromContext(ctx); id != "" {
		zl = zl.With().Str("request_id", id).Logger()
	}
	return &zl
}

func (l *Logger) Debug() *zerolog.Event { return l.zl.Debug() }
func (l *Logger) Info() *zerolog.Event { return l.zl.Info() }
func (l *Logger) Warn() *zerolog.Event { return l.zl.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.zl.Error() }

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

// WithRequestIDContext returns ctx carrying requestID.
func WithRequestIDContext(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}
