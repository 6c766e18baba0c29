package docmanager

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/formatter"
	"github.com/syntrixbase/oplogpipe/pkg/model"
)

func TestMemory_UpsertGetRemove(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Upsert(ctx, model.D("_id", 1, "v", "a")))
	require.NoError(t, m.Upsert(ctx, model.D("_id", "1", "v", "b")))
	assert.Equal(t, 2, m.Len(), "int and string ids are distinct")

	got, err := m.Get(ctx, model.Int(1))
	require.NoError(t, err)
	assert.True(t, model.D("_id", 1, "v", "a").Equal(got))

	require.NoError(t, m.Remove(ctx, model.Int(1)))
	_, err = m.Get(ctx, model.Int(1))
	assert.True(t, IsNotFound(err))

	assert.ErrorIs(t, m.Upsert(ctx, model.D("v", 1)), model.ErrMissingID)

	ops := m.Ops()
	require.Len(t, ops, 3)
	assert.Equal(t, "remove", ops[2].Kind)
}

func TestMemory_BulkUpsertReportsFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()
	m.FailBulk = func(doc *model.Document) bool {
		id, _ := doc.ID()
		n, _ := id.Int()
		return n%2 == 0
	}

	failed, err := m.BulkUpsert(ctx, []*model.Document{
		model.D("_id", 1), model.D("_id", 2), model.D("_id", 3), model.D("_id", 4),
	})
	require.NoError(t, err)
	assert.Equal(t, []model.Value{model.Int(2), model.Int(4)}, failed)
	assert.Equal(t, 2, m.Len())

	docs, err := m.GetBulk(ctx, []model.Value{model.Int(1), model.Int(2), model.Int(3)})
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestMemory_GetBulkReturnsLookupErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Upsert(ctx, model.D("_id", 1)))

	docs, err := m.GetBulk(ctx, []model.Value{model.Int(1), model.Int(7)})
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	docs, err = m.GetBulk(ctx, []model.Value{model.Int(1), model.Null()})
	assert.ErrorIs(t, err, model.ErrMissingID)
	assert.Nil(t, docs)
}

func TestApplyAndUpsert(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Upsert(ctx, model.D("_id", 9, "a", 0, "d", 9, "e", 5)))

	spec := model.D("$set", model.D("a", 1, "b", model.D("c", 2)), "$unset", model.D("d", 1))
	require.NoError(t, m.Update(ctx, model.Int(9), spec))

	got, err := m.Get(ctx, model.Int(9))
	require.NoError(t, err)
	assert.True(t, model.D("_id", 9, "a", 1, "e", 5, "b", model.D("c", 2)).Equal(got), "got %s", got)

	err = m.Update(ctx, model.Int(404), spec)
	assert.True(t, IsNotFound(err))

	err = m.Update(ctx, model.Int(9), model.D("$inc", model.D("a", 1)))
	assert.ErrorIs(t, err, formatter.ErrUnsupportedUpdate)
}
