// Package docmanager writes formatted documents to the downstream sink.
package docmanager

import (
	"context"
	"errors"
	"fmt"

	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/formatter"
	"github.com/syntrixbase/oplogpipe/pkg/model"
)

// Manager is the downstream sink. Upserts and removes are keyed by _id and idempotent.
type Manager interface {
	Upsert(ctx context.Context, doc *model.Document) error

	// BulkUpsert writes docs and returns the ids of those that failed individually.
	// A non-nil error means the batch as a whole could not be written.
	BulkUpsert(ctx context.Context, docs []*model.Document) ([]model.Value, error)

	Remove(ctx context.Context, id model.Value) error

	// Get returns model.ErrNotFound when no document has id.
	Get(ctx context.Context, id model.Value) (*model.Document, error)

	GetBulk(ctx context.Context, ids []model.Value) ([]*model.Document, error)

	// Update merges spec into the stored document and upserts the result.
	Update(ctx context.Context, id model.Value, spec *model.Document) error
}

// ApplyAndUpsert implements Update on top of Get and Upsert.
func ApplyAndUpsert(ctx context.Context, m Manager, id model.Value, spec *model.Document) error {
	current, err := m.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load %s for update: %w", id, err)
	}
	merged, err := formatter.ApplyUpdate(current, spec)
	if err != nil {
		return fmt.Errorf("merge update into %s: %w", id, err)
	}
	if !merged.Has(model.IDField) {
		merged.Set(model.IDField, id)
	}
	return m.Upsert(ctx, merged)
}

func idOf(doc *model.Document) (model.Value, error) {
	id, ok := doc.ID()
	if !ok || id.IsNull() {
		return model.Value{}, model.ErrMissingID
	}
	return id, nil
}

// IsNotFound reports whether err means the document does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, model.ErrNotFound)
}
