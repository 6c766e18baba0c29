package oplog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/syntrixbase/oplogpipe/internal/config"
	oplogcfg "github.com/syntrixbase/oplogpipe/internal/oplog/config"
	"github.com/syntrixbase/oplogpipe/internal/oplog/events"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/ingest"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/mongotest"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/pipelineconfig"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/progress"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/recovery"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/status"
)

func TestMergeExcludes(t *testing.T) {
	t.Parallel()

	static := map[string][]string{"users": {"password"}, "orders": {"card"}}
	merged := mergeExcludes(static, map[string][]string{
		"users":    {"password", "token"},
		"sessions": {"secret"},
	})

	assert.Equal(t, map[string][]string{
		"users":    {"password", "token"},
		"orders":   {"card"},
		"sessions": {"secret"},
	}, merged)
	assert.Equal(t, []string{"password"}, static["users"])
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Logging: config.DefaultLoggingConfig(),
		Mongo:   config.DefaultMongoConfig(),
		Oplog:   oplogcfg.DefaultConfig(),
	}
	cfg.Mongo.URI = mongotest.URI()
	cfg.Mongo.ConnectTimeout = 3 * time.Second
	cfg.Oplog.Health.Enabled = false
	cfg.Oplog.Consumer.PollInterval = 20 * time.Millisecond
	cfg.Oplog.Consumer.AwaitTimeout = 200 * time.Millisecond
	cfg.Oplog.Consumer.RecreateDelay = 10 * time.Millisecond
	cfg.Oplog.Consumer.CheckpointEvery = 1
	cfg.Oplog.Consumer.FetchRetries = 2
	cfg.Oplog.Consumer.FetchRetryInterval = 10 * time.Millisecond
	cfg.Oplog.Checkpoint.RetryAttempts = 2
	cfg.Oplog.Checkpoint.RetryInterval = 10 * time.Millisecond
	cfg.Oplog.Capped.CategorySizes = map[string]int64{"medium": 1 << 20}
	return cfg
}

func nativeEntry(t *testing.T, ns string, op events.OperationType, o, o2 bson.D) *events.NativeEntry {
	t.Helper()
	e := &events.NativeEntry{
		TS: primitive.Timestamp{T: uint32(time.Now().Unix()), I: 1},
		Op: op,
		NS: ns,
	}
	var err error
	e.O, err = bson.Marshal(o)
	require.NoError(t, err)
	if o2 != nil {
		e.O2, err = bson.Marshal(o2)
		require.NoError(t, err)
	}
	return e
}

func TestConsumer_DumpThenTail(t *testing.T) {
	srcDB := mongotest.Database(t)
	sinkDB := mongotest.Database(t)
	statusDB := mongotest.Database(t)
	logDB := mongotest.Database(t)
	ctx := context.Background()

	_, err := srcDB.Collection("items").InsertMany(ctx, []any{
		bson.D{{Key: "_id", Value: int32(1)}, {Key: "name", Value: "lamp"}, {Key: "secret", Value: "x"}},
		bson.D{{Key: "_id", Value: int32(2)}, {Key: "name", Value: "desk"}},
	})
	require.NoError(t, err)

	cfg := testConfig(t)
	cfg.Oplog.Consumer.SinkDatabase = sinkDB.Name()
	cfg.Oplog.Status.Database = statusDB.Name()
	cfg.Oplog.Checkpoint.Database = statusDB.Name()
	cfg.Oplog.Capped.Database = logDB.Name()

	// The capped log of the source db exists before the consumer starts.
	ing := ingest.NewMongoIngestor(logDB.Client(), cfg.Oplog.Capped, ingest.Options{})
	require.NoError(t, ing.IngestBatch(ctx, "rs0", []*events.NativeEntry{
		nativeEntry(t, srcDB.Name()+".other", events.OperationInsert,
			bson.D{{Key: "_id", Value: "x"}}, nil),
	}, progress.New()))

	configs := pipelineconfig.NewService(
		pipelineconfig.NewMongoStore(statusDB, cfg.Oplog.Status.ConfigCollection),
		time.Minute, recovery.Policy{Attempts: 1}, nil)
	require.NoError(t, configs.Save(ctx, &pipelineconfig.PipelineConfig{
		ID:            "items-consumer",
		DBName:        srcDB.Name(),
		ProcessType:   "catalog",
		Collections:   []string{"items"},
		ExcludeFields: map[string][]string{"items": {"secret"}},
	}))

	c, err := NewConsumer(ctx, cfg, "items-consumer", "run-1", nil)
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- c.Run(runCtx) }()
	defer func() {
		cancel()
		<-done
		require.NoError(t, c.Close(ctx))
	}()

	sinkItems := sinkDB.Collection("items")
	require.Eventually(t, func() bool {
		n, err := sinkItems.CountDocuments(ctx, bson.D{})
		return err == nil && n == 2
	}, 10*time.Second, 50*time.Millisecond)

	var lamp bson.M
	require.NoError(t, sinkItems.FindOne(ctx, bson.D{{Key: "_id", Value: int32(1)}}).Decode(&lamp))
	assert.Equal(t, "lamp", lamp["name"])
	assert.NotContains(t, lamp, "secret")

	statuses := status.NewMongoStore(statusDB, cfg.Oplog.Status.StatusCollection)
	require.Eventually(t, func() bool {
		rec, err := statuses.Get(ctx, "catalog", srcDB.Name())
		return err == nil && rec != nil && rec.Status == status.Running
	}, 10*time.Second, 20*time.Millisecond)

	require.NoError(t, ing.IngestBatch(ctx, "rs0", []*events.NativeEntry{
		nativeEntry(t, srcDB.Name()+".items", events.OperationUpdate,
			bson.D{{Key: "$set", Value: bson.D{{Key: "name", Value: "floor lamp"}}}},
			bson.D{{Key: "_id", Value: int32(1)}}),
	}, progress.New()))

	require.Eventually(t, func() bool {
		var doc bson.M
		err := sinkItems.FindOne(ctx, bson.D{{Key: "_id", Value: int32(1)}}).Decode(&doc)
		return err == nil && doc["name"] == "floor lamp"
	}, 10*time.Second, 50*time.Millisecond)

	rec, err := statuses.Get(ctx, "catalog", srcDB.Name())
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "run-1", rec.RunID)
	assert.Equal(t, HealthOK, c.Health().Status)
}

func TestNewConsumer_UnknownConfig(t *testing.T) {
	statusDB := mongotest.Database(t)
	cfg := testConfig(t)
	cfg.Oplog.Status.Database = statusDB.Name()
	cfg.Oplog.Checkpoint.Database = statusDB.Name()

	_, err := NewConsumer(context.Background(), cfg, "missing", "run-2", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, pipelineconfig.ErrNotFound)
}
