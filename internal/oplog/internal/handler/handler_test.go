package handler

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/docmanager"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/formatter"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/notify"
	"github.com/syntrixbase/oplogpipe/pkg/model"
)

type fakeSource struct {
	mu    sync.Mutex
	docs  map[any]bson.D
	err   error
	calls int
}

func (f *fakeSource) FindByID(_ context.Context, id any) (bson.D, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	doc, ok := f.docs[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return doc, nil
}

type flakySink struct {
	*docmanager.Memory
	failures int
}

func (s *flakySink) Upsert(ctx context.Context, doc *model.Document) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("write conflict")
	}
	return s.Memory.Upsert(ctx, doc)
}

func newHandler(src Source, mgr docmanager.Manager, n notify.Notifier) *Handler {
	f := formatter.New(map[string][]string{"users": {"password"}}, nil)
	return New(src, mgr, f, n, Options{DB: "shop", Collection: "users"})
}

func TestUpsertDoc_WithDocument(t *testing.T) {
	t.Parallel()
	sink := docmanager.NewMemory()
	src := &fakeSource{}
	h := newHandler(src, sink, nil)

	require.NoError(t, h.UpsertDoc(context.Background(), 1, model.D("_id", 1, "n", 1)))
	assert.Equal(t, 0, src.calls)
	assert.Equal(t, 1, sink.Len())
}

func TestUpsertDoc_RefetchesWhenNil(t *testing.T) {
	t.Parallel()
	sink := docmanager.NewMemory()
	src := &fakeSource{docs: map[any]bson.D{
		int32(1): {{Key: "_id", Value: int32(1)}, {Key: "password", Value: "x"}, {Key: "n", Value: int32(5)}},
	}}
	h := newHandler(src, sink, nil)

	require.NoError(t, h.UpsertDoc(context.Background(), int32(1), nil))
	got, err := sink.Get(context.Background(), model.Int(1))
	require.NoError(t, err)
	assert.Equal(t, []string{"_id", "n"}, got.Keys())
}

func TestUpsertDoc_MissingSourceDocumentIsSkipped(t *testing.T) {
	t.Parallel()
	sink := docmanager.NewMemory()
	h := newHandler(&fakeSource{docs: map[any]bson.D{}}, sink, nil)

	require.NoError(t, h.UpsertDoc(context.Background(), "gone", nil))
	assert.Equal(t, 0, sink.Len())
}

func TestUpsertDoc_RetriesByRefetching(t *testing.T) {
	t.Parallel()
	sink := &flakySink{Memory: docmanager.NewMemory(), failures: 2}
	src := &fakeSource{docs: map[any]bson.D{"a": {{Key: "_id", Value: "a"}, {Key: "v", Value: "fresh"}}}}
	h := newHandler(src, sink, nil)

	require.NoError(t, h.UpsertDoc(context.Background(), "a", model.D("_id", "a", "v", "stale")))
	assert.Equal(t, 2, src.calls)
	got, err := sink.Get(context.Background(), model.String("a"))
	require.NoError(t, err)
	v, _ := got.Get("v")
	assert.Equal(t, model.String("fresh"), v)
}

func TestUpsertDoc_ExhaustedNotifies(t *testing.T) {
	t.Parallel()
	sink := &flakySink{Memory: docmanager.NewMemory(), failures: 100}
	src := &fakeSource{docs: map[any]bson.D{"a": {{Key: "_id", Value: "a"}}}}
	rec := &notify.Recorder{}
	h := newHandler(src, sink, rec)

	err := h.UpsertDoc(context.Background(), "a", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write conflict")
	assert.Equal(t, 4, src.calls)
	assert.Equal(t, 1, rec.Count(notify.TagResyncFailed))
}

func TestFetch_PropagatesSourceErrors(t *testing.T) {
	t.Parallel()
	boom := errors.New("socket closed")
	h := newHandler(&fakeSource{err: boom}, docmanager.NewMemory(), nil)

	_, err := h.Fetch(context.Background(), 1)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "users", h.Collection())
	assert.Equal(t, "shop", h.DB())
}
