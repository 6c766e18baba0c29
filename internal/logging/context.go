package logging

import (
	"context"
	"log/slog"

	"github.com/syntrixbase/oplogpipe/internal/ctxkeys"
)

// WithRunID tags ctx with the run id of the current process.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, ctxkeys.KeyRunID, runID)
}

// RunID returns the run id carried by ctx, or "".
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(ctxkeys.KeyRunID).(string)
	return v
}

// ContextHandler copies the ctxkeys values found on the record's context into the record.
type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(h slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: h}
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if ctx != nil {
		for _, key := range ctxkeys.All {
			if v, ok := ctx.Value(key).(string); ok && v != "" {
				r.AddAttrs(slog.String(string(key), v))
			}
		}
	}
	return h.Handler.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithGroup(name)}
}
