package logging

import (
	"context"
	"errors"
	"log/slog"
)

// teeHandler hands each record to every member that accepts its level.
type teeHandler []slog.Handler

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, h := range t {
		if h.Enabled(ctx, record.Level) {
			errs = append(errs, h.Handle(ctx, record.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return t.each(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	return t.each(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (t teeHandler) each(fn func(slog.Handler) slog.Handler) teeHandler {
	next := make(teeHandler, len(t))
	for i, h := range t {
		next[i] = fn(h)
	}
	return next
}

// TeeLogger returns a logger writing to base and to every extra handler. The
// orchestrator uses it to mirror a run into the video's own log file.
func TeeLogger(base *slog.Logger, extra ...slog.Handler) *slog.Logger {
	var members teeHandler
	if base != nil {
		members = append(members, base.Handler())
	}
	for _, h := range extra {
		if h != nil {
			members = append(members, h)
		}
	}
	switch len(members) {
	case 0:
		return NewNop()
	case 1:
		return slog.New(members[0])
	}
	return slog.New(members)
}
