// Package handler resolves and writes the documents of one source collection to the sink.
package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/docmanager"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/formatter"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/notify"
	"github.com/syntrixbase/oplogpipe/pkg/model"
)

// Source reads documents of the source collection by id.
type Source interface {
	FindByID(ctx context.Context, id any) (bson.D, error)
}

// Options configures a Handler.
type Options struct {
	DB         string
	Collection string

	// MaxRetries bounds re-fetch-and-upsert attempts after the first one fails.
	MaxRetries int

	// FetchTimeout bounds a single source read.
	FetchTimeout time.Duration

	Logger *slog.Logger
}

// Handler coordinates one (sink, source collection) pair.
type Handler struct {
	db         string
	collection string
	source     Source
	manager    docmanager.Manager
	formatter  *formatter.Formatter
	notifier   notify.Notifier

	maxRetries   int
	fetchTimeout time.Duration
	logger       *slog.Logger
}

func New(src Source, mgr docmanager.Manager, f *formatter.Formatter, n notify.Notifier, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 2 * time.Second
	}
	if n == nil {
		n = notify.Discard
	}
	return &Handler{
		db:           opts.DB,
		collection:   opts.Collection,
		source:       src,
		manager:      mgr,
		formatter:    f,
		notifier:     n,
		maxRetries:   opts.MaxRetries,
		fetchTimeout: opts.FetchTimeout,
		logger:       logger.With("component", "doc-handler", "db", opts.DB, "collection", opts.Collection),
	}
}

func (h *Handler) DB() string                  { return h.db }
func (h *Handler) Collection() string          { return h.collection }
func (h *Handler) Manager() docmanager.Manager { return h.manager }
func (h *Handler) Formatter() *formatter.Formatter {
	return h.formatter
}

// Prepare normalizes a raw source document and strips the collection's excluded fields.
func (h *Handler) Prepare(raw bson.D) *model.Document {
	doc := h.formatter.Format(raw)
	h.formatter.StripExcluded(h.collection, doc)
	return doc
}

// Fetch reads id from the source and prepares it. A missing document returns nil, nil.
func (h *Handler) Fetch(ctx context.Context, id any) (*model.Document, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, h.fetchTimeout)
	defer cancel()

	raw, err := h.source.FindByID(fetchCtx, id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			h.logger.WarnContext(ctx, "document not found in source", "id", id)
			return nil, nil
		}
		return nil, err
	}
	return h.Prepare(raw), nil
}

// UpsertDoc writes doc, or the current source version of id when doc is nil.
// A failed write is retried by re-fetching the document from the source, up to
// MaxRetries times; exhaustion sends RESYNC_FAILED and returns the last error.
// A document missing from the source is skipped.
func (h *Handler) UpsertDoc(ctx context.Context, id any, doc *model.Document) error {
	var lastErr error
	for attempt := 0; attempt <= h.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		target := doc
		if target == nil || attempt > 0 {
			fetched, err := h.Fetch(ctx, id)
			if err != nil {
				lastErr = err
				h.logger.WarnContext(ctx, "failed to fetch document for upsert", "id", id, "attempt", attempt+1, "error", err)
				continue
			}
			if fetched == nil {
				return nil
			}
			target = fetched
		}

		if err := h.manager.Upsert(ctx, target); err != nil {
			lastErr = err
			h.logger.WarnContext(ctx, "failed to upsert document", "id", id, "attempt", attempt+1, "error", err)
			continue
		}
		return nil
	}

	h.notifier.Notify(ctx, notify.TagResyncFailed, notify.SeverityError, map[string]any{
		"db":         h.db,
		"collection": h.collection,
		"id":         fmt.Sprint(id),
		"error":      lastErr.Error(),
	})
	return fmt.Errorf("upsert %v in %s.%s failed after %d attempts: %w", id, h.db, h.collection, h.maxRetries+1, lastErr)
}
