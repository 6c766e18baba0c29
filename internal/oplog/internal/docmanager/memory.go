package docmanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/syntrixbase/oplogpipe/pkg/model"
)

// Memory is an in-process sink keyed by the string form of _id. It backs dry runs
// ("memory://" sink URI) and tests.
type Memory struct {
	mu   sync.RWMutex
	docs map[string]*model.Document
	ops  []Op

	// FailBulk, when set, decides which documents a bulk upsert reports as failed.
	FailBulk func(doc *model.Document) bool
}

// Op records one write applied to a Memory sink.
type Op struct {
	Kind string // "upsert" or "remove"
	ID   model.Value
	Doc  *model.Document
}

var _ Manager = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{docs: make(map[string]*model.Document)}
}

func (m *Memory) Upsert(_ context.Context, doc *model.Document) error {
	id, err := idOf(doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[memKey(id)] = doc.Clone()
	m.ops = append(m.ops, Op{Kind: "upsert", ID: id, Doc: doc.Clone()})
	return nil
}

func (m *Memory) BulkUpsert(ctx context.Context, docs []*model.Document) ([]model.Value, error) {
	var failed []model.Value
	for _, doc := range docs {
		if m.FailBulk != nil && m.FailBulk(doc) {
			if id, err := idOf(doc); err == nil {
				failed = append(failed, id)
			}
			continue
		}
		if err := m.Upsert(ctx, doc); err != nil {
			return failed, err
		}
	}
	return failed, nil
}

func (m *Memory) Remove(_ context.Context, id model.Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, memKey(id))
	m.ops = append(m.ops, Op{Kind: "remove", ID: id})
	return nil
}

// Get returns ErrMissingID for a null id, matching what Upsert accepts.
func (m *Memory) Get(_ context.Context, id model.Value) (*model.Document, error) {
	if id.IsNull() {
		return nil, model.ErrMissingID
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[memKey(id)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, model.ErrNotFound)
	}
	return doc.Clone(), nil
}

func (m *Memory) GetBulk(ctx context.Context, ids []model.Value) ([]*model.Document, error) {
	var out []*model.Document
	for _, id := range ids {
		doc, err := m.Get(ctx, id)
		if IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

func (m *Memory) Update(ctx context.Context, id model.Value, spec *model.Document) error {
	return ApplyAndUpsert(ctx, m, id, spec)
}

// Ops returns a copy of the write log in application order.
func (m *Memory) Ops() []Op {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Op(nil), m.ops...)
}

// Len returns the number of stored documents.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

func memKey(id model.Value) string {
	return id.Kind().String() + ":" + id.String()
}
