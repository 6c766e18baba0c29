package checkpoint

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/oplogpipe/internal/oplog/events"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/recovery"
)

type fakeStore struct {
	mu       sync.Mutex
	records  map[string]Record
	saveErrs []error
	saves    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]Record)}
}

func (f *fakeStore) Load(_ context.Context, trackerType, scopeKey string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[trackerType+"/"+scopeKey]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (f *fakeStore) Save(_ context.Context, rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if len(f.saveErrs) > 0 {
		err := f.saveErrs[0]
		f.saveErrs = f.saveErrs[1:]
		if err != nil {
			return err
		}
	}
	f.records[rec.TrackerType+"/"+rec.ScopeKey] = rec
	return nil
}

func (f *fakeStore) List(_ context.Context, trackerType string) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Record
	for _, rec := range f.records {
		if rec.TrackerType == trackerType {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScopeKey < out[j].ScopeKey })
	return out, nil
}

func fastRetry() ServiceOptions {
	return ServiceOptions{Retry: recovery.Policy{Attempts: 3, Interval: 0}}
}

func TestService_SaveAndLoad(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFakeStore()
	svc := NewService(store, fastRetry())

	_, ok, err := svc.Load(ctx, "collection_tracker", "shop.orders")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, svc.Save(ctx, "collection_tracker", "shop.orders", pos(10)))
	got, ok, err := svc.Load(ctx, "collection_tracker", "shop.orders")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pos(10), got)

	rec := store.records["collection_tracker/shop.orders"]
	assert.Equal(t, pos(10).Time(), rec.GenerationTime)
	assert.False(t, rec.UpdatedAt.IsZero())
}

func TestService_RefusesRegression(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFakeStore()
	svc := NewService(store, fastRetry())

	require.NoError(t, svc.Save(ctx, "t", "s", pos(20)))
	require.NoError(t, svc.Save(ctx, "t", "s", pos(10)))
	assert.Equal(t, 1, store.saves)
	assert.Equal(t, pos(20), store.records["t/s"].Checkpoint)

	// Equal positions are allowed.
	require.NoError(t, svc.Save(ctx, "t", "s", pos(20)))
	assert.Equal(t, 2, store.saves)
}

func TestService_RegressionGuardSeededByLoad(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFakeStore()
	store.records["t/s"] = Record{TrackerType: "t", ScopeKey: "s", Checkpoint: pos(50)}
	svc := NewService(store, fastRetry())

	_, _, err := svc.Load(ctx, "t", "s")
	require.NoError(t, err)
	require.NoError(t, svc.Save(ctx, "t", "s", pos(40)))
	assert.Equal(t, 0, store.saves)
}

func TestService_ZeroPositionIgnored(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	svc := NewService(store, fastRetry())
	require.NoError(t, svc.Save(context.Background(), "t", "s", events.Position{}))
	assert.Equal(t, 0, store.saves)
}

func TestService_RetriesTransientSave(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.saveErrs = []error{errors.New("connection reset by peer"), nil}
	svc := NewService(store, fastRetry())

	require.NoError(t, svc.Save(context.Background(), "t", "s", pos(5)))
	assert.Equal(t, 2, store.saves)
	assert.Equal(t, pos(5), store.records["t/s"].Checkpoint)
}

func TestService_PermanentSaveError(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	boom := errors.New("document failed validation")
	store.saveErrs = []error{boom}
	svc := NewService(store, fastRetry())

	err := svc.Save(context.Background(), "t", "s", pos(5))
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, store.saves)
}

func TestService_LoadAllAndScope(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFakeStore()
	svc := NewService(store, fastRetry())

	require.NoError(t, svc.Scope("producer", "rs0").Save(ctx, pos(1)))
	require.NoError(t, svc.Scope("producer", "rs1").Save(ctx, pos(2)))
	require.NoError(t, svc.Scope("other", "rs0").Save(ctx, pos(3)))

	all, err := svc.LoadAll(ctx, "producer")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, pos(2), all["rs1"])

	got, ok, err := svc.Scope("other", "rs0").Load(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, pos(3), got)
}
