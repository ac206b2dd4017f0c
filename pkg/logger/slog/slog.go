// Package slog lets a log/slog logger serve as the module's logger.Logger.
package slog

import (
	"context"
	"log/slog"

	"github.com/couchlike/couchlike.go/pkg/logger"
)

// Handler writes entries through a *slog.Logger. Fields attached with With
// are carried by the underlying logger.
type Handler struct {
	logger *slog.Logger
}

var _ logger.FieldLogger = (*Handler)(nil)

// New wraps h.
func New(h slog.Handler) *Handler {
	return FromLogger(slog.New(h))
}

// FromLogger wraps l; nil means slog.Default().
func FromLogger(l *slog.Logger) *Handler {
	if l == nil {
		l = slog.Default()
	}
	return &Handler{logger: l}
}

func (h *Handler) With(args ...any) logger.Logger {
	return &Handler{logger: h.logger.With(args...)}
}

func (h *Handler) Error(msg string, args ...any) {
	h.log(slog.LevelError, msg, args)
}

func (h *Handler) Warn(msg string, args ...any) {
	h.log(slog.LevelWarn, msg, args)
}

func (h *Handler) Info(msg string, args ...any) {
	h.log(slog.LevelInfo, msg, args)
}

func (h *Handler) Debug(msg string, args ...any) {
	h.log(slog.LevelDebug, msg, args)
}

func (h *Handler) log(level slog.Level, msg string, args []any) {
	ctx := context.Background()
	if !h.logger.Enabled(ctx, level) {
		return
	}
	h.logger.Log(ctx, level, msg, args...)
}
