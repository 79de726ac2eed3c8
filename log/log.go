package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

// Options controls how loggers built by this package render.
type Options struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// JSON switches the handler to machine-readable output.
	JSON bool
	// Out defaults to stderr.
	Out io.Writer
}

func ParseLevel(level string) log.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

func NewHandler(name string, opts Options) slog.Handler {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	lo := log.Options{
		ReportTimestamp: true,
		Prefix:          name,
		Level:           ParseLevel(opts.Level),
	}
	if opts.JSON {
		lo.Formatter = log.JSONFormatter
	}

	return log.NewWithOptions(out, lo)
}

func New(name string, opts Options) *slog.Logger {
	return slog.New(NewHandler(name, opts))
}

func NewContext(ctx context.Context, name string, opts Options) context.Context {
	return IntoContext(ctx, New(name, opts))
}

type ctxKey struct{}

// IntoContext adds a logger to a context. Use FromContext to
// pull the logger out.
func IntoContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns a logger from a context.Context;
// if the passed context is nil or carries no logger, we
// return the default slog logger.
func FromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return slog.Default()
	}

	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// SubLogger derives a logger whose prefix is the base prefix with suffix
// appended, keeping the base logger's level and attributes.
func SubLogger(base *slog.Logger, suffix string) *slog.Logger {
	cl, ok := base.Handler().(*log.Logger)
	if !ok {
		return base.With("component", suffix)
	}

	prefix := cl.GetPrefix()
	if prefix != "" {
		prefix = prefix + "/" + suffix
	} else {
		prefix = suffix
	}

	return slog.New(cl.WithPrefix(prefix))
}
