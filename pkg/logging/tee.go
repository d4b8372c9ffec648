package logging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
)

// NewTee creates a logger that writes every record to cfg.Output (or
// stderr) in the configured format and to the extra writer as JSON at the
// same level. The serve command uses it for --log-file: the console stays
// human-readable while the file stays machine-parseable.
func NewTee(cfg Config, extra io.Writer) *slog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}

	var console slog.Handler
	switch cfg.Format {
	case FormatJSON:
		console = slog.NewJSONHandler(cfg.Output, opts)
	default:
		console = slog.NewTextHandler(cfg.Output, opts)
	}

	return slog.New(&fanout{targets: []slog.Handler{
		console,
		slog.NewJSONHandler(extra, opts),
	}})
}

// fanout duplicates each record to a fixed set of target handlers, each of
// which keeps its own level and format.
type fanout struct {
	targets []slog.Handler
}

var _ slog.Handler = (*fanout)(nil)

// Enabled reports whether at least one target would accept the level;
// Handle re-checks per target so a quiet target stays quiet.
func (f *fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.targets {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle delivers the record to every enabled target. A failing target
// does not stop delivery to the others; the failures are joined.
func (f *fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f.targets {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	return f.apply(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (f *fanout) WithGroup(name string) slog.Handler {
	return f.apply(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (f *fanout) apply(fn func(slog.Handler) slog.Handler) slog.Handler {
	next := make([]slog.Handler, len(f.targets))
	for i, h := range f.targets {
		next[i] = fn(h)
	}
	return &fanout{targets: next}
}
