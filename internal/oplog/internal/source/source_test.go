package source

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/syntrixbase/oplogpipe/internal/oplog/events"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/mongotest"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/recovery"
	"github.com/syntrixbase/oplogpipe/pkg/model"
)

func TestCappedLog(t *testing.T) {
	ctx := context.Background()
	db := mongotest.Database(t)
	require.NoError(t, db.CreateCollection(ctx, "shop", options.CreateCollection().SetCapped(true).SetSizeInBytes(1<<20)))

	log := NewCappedLog(db, "shop", recovery.Policy{Attempts: 1}, nil)
	_, ok, err := log.Oldest(ctx, "orders")
	require.NoError(t, err)
	assert.False(t, ok)

	var ids []primitive.ObjectID
	for i, coll := range []string{"orders", "users", "orders"} {
		entry := events.CappedEntry{
			ID:         primitive.NewObjectID(),
			Collection: coll,
			Op:         events.OperationInsert,
			O:          `{"_id":` + string(rune('1'+i)) + `}`,
		}
		_, err := db.Collection("shop").InsertOne(ctx, entry)
		require.NoError(t, err)
		ids = append(ids, entry.ID)
	}

	oldest, ok, err := log.Oldest(ctx, "orders")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ids[0], oldest.ID)

	newest, ok, err := log.Newest(ctx, "orders")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ids[2], newest.ID)

	cur, err := log.Tail(ctx, events.PositionFromID(ids[1]), 100*time.Millisecond)
	require.NoError(t, err)
	defer cur.Close(ctx)

	var seen []primitive.ObjectID
	for cur.TryNext(ctx) {
		var e events.CappedEntry
		require.NoError(t, cur.Decode(&e))
		seen = append(seen, e.ID)
	}
	require.NoError(t, cur.Err())
	assert.Equal(t, ids[1:], seen)
}

func TestCollection_FindAndScan(t *testing.T) {
	ctx := context.Background()
	db := mongotest.Database(t)
	coll := db.Collection("orders")
	for i := 1; i <= 5; i++ {
		_, err := coll.InsertOne(ctx, bson.D{{Key: "_id", Value: i}, {Key: "n", Value: i * 10}})
		require.NoError(t, err)
	}
	src := NewCollection(coll, recovery.Policy{Attempts: 1}, nil)
	assert.Equal(t, "orders", src.Name())

	doc, err := src.FindByID(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "n", doc[1].Key)

	_, err = src.FindByID(ctx, 42)
	assert.ErrorIs(t, err, model.ErrNotFound)

	cur, err := src.Scan(ctx, int32(2))
	require.NoError(t, err)
	defer cur.Close(ctx)
	var got []int32
	for cur.Next(ctx) {
		var d struct {
			ID int32 `bson:"_id"`
		}
		require.NoError(t, cur.Decode(&d))
		got = append(got, d.ID)
	}
	assert.Equal(t, []int32{3, 4, 5}, got)
}
