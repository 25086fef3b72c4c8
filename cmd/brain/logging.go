package main

import (
	"context"
	"log/slog"

	"github.com/rs/zerolog"
)

// zerologHandler adapts a zerolog.Logger to the slog.Handler interface so
// every internal package (which takes *slog.Logger) logs through the same
// sink as the cobra command tree's zerolog.Logger.
type zerologHandler struct {
	logger zerolog.Logger
	attrs  []slog.Attr
}

func newZerologHandler(logger zerolog.Logger) slog.Handler {
	return &zerologHandler{logger: logger}
}

func (h *zerologHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *zerologHandler) Handle(_ context.Context, record slog.Record) error {
	var event *zerolog.Event
	switch {
	case record.Level >= slog.LevelError:
		event = h.logger.Error()
	case record.Level >= slog.LevelWarn:
		event = h.logger.Warn()
	case record.Level >= slog.LevelInfo:
		event = h.logger.Info()
	default:
		event = h.logger.Debug()
	}
	for _, a := range h.attrs {
		event = applyAttr(event, a)
	}
	record.Attrs(func(a slog.Attr) bool {
		event = applyAttr(event, a)
		return true
	})
	event.Msg(record.Message)
	return nil
}

func applyAttr(event *zerolog.Event, a slog.Attr) *zerolog.Event {
	return event.Interface(a.Key, a.Value.Any())
}

func (h *zerologHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &zerologHandler{logger: h.logger, attrs: merged}
}

func (h *zerologHandler) WithGroup(string) slog.Handler { return h }

// slogLogger builds a *slog.Logger backed by the given zerolog.Logger so
// internal packages (sessions, agent, orchestrator, bridge, broadcaster)
// that expect *slog.Logger share the composition root's sink.
func slogLogger(logger zerolog.Logger) *slog.Logger {
	return slog.New(newZerologHandler(logger))
}
