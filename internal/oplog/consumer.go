package oplog

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/syntrixbase/oplogpipe/internal/config"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/consumer"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/docmanager"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/dump"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/formatter"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/handler"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/pipelineconfig"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/source"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/status"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/tail"
)

// MemorySinkURI selects an in-process sink, used for dry runs.
const MemorySinkURI = "memory://"

// Consumer follows the collections of one pipeline config.
type Consumer struct {
	rt       *runtime
	pipeline *pipelineconfig.PipelineConfig
	// sink is nil for the memory sink.
	sink     *mongo.Client
	ownSink  bool
	consumer *consumer.Consumer
	logger   *slog.Logger
}

// NewConsumer loads pipeline config configID and wires its streams.
func NewConsumer(ctx context.Context, cfg *config.Config, configID, runID string, logger *slog.Logger) (*Consumer, error) {
	rt, err := openRuntime(ctx, cfg, "oplog-consumer", runID, logger)
	if err != nil {
		return nil, err
	}
	c := &Consumer{rt: rt, logger: rt.logger.With("config_id", configID)}
	if err := c.init(ctx, configID); err != nil {
		_ = c.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return c, nil
}

func (c *Consumer) init(ctx context.Context, configID string) error {
	cfg := c.rt.cfg
	statusDB := c.rt.oplog.Database(cfg.Oplog.Status.Database)

	configStore := pipelineconfig.NewMongoStore(statusDB, cfg.Oplog.Status.ConfigCollection)
	configs := pipelineconfig.NewService(configStore, cfg.Oplog.Status.ConfigCacheTTL, c.rt.readRetry(), c.logger)
	pc, err := configs.Get(ctx, configID)
	if err != nil {
		return fmt.Errorf("failed to load pipeline config %s: %w", configID, err)
	}
	if err := pc.Validate(); err != nil {
		return fmt.Errorf("pipeline config %s: %w", configID, err)
	}
	c.pipeline = pc
	c.logger = c.logger.With("db", pc.DBName, "process_type", pc.ProcessType)

	statusStore := status.NewMongoStore(statusDB, cfg.Oplog.Status.StatusCollection)
	if err := statusStore.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("failed to create status indexes: %w", err)
	}
	reporter := status.NewReporter(statusStore, status.ReporterOptions{
		TrackerType: pc.ProcessType,
		DBName:      pc.DBName,
		RunID:       c.rt.runID,
		Retry:       c.rt.readRetry(),
		Logger:      c.logger,
	})

	switch sinkURI := cfg.Oplog.Consumer.SinkURI; sinkURI {
	case MemorySinkURI:
	case "":
		c.sink = c.rt.source
	default:
		if c.sink, err = connectMongo(ctx, sinkURI, cfg.Mongo); err != nil {
			return err
		}
		c.ownSink = true
	}

	f := formatter.New(mergeExcludes(cfg.Oplog.Consumer.ExcludeFields, pc.ExcludeFields), c.logger)
	c.consumer = consumer.New(c.streamFactory(f), consumer.Options{
		DBName:       pc.DBName,
		Collections:  pc.Collections,
		PollInterval: cfg.Oplog.Consumer.PollInterval,
		StopTimeout:  cfg.Oplog.Consumer.StopTimeout,
		Notifier:     c.rt.notifier,
		Status:       reporter,
		Logger:       c.logger,
	})
	c.rt.checker.Register(c.consumer)
	c.logger.InfoContext(ctx, "Consumer configured", "collections", pc.Collections, "sink", c.sinkDatabase())
	return nil
}

// mergeExcludes overlays per-pipeline excluded fields on the static ones.
func mergeExcludes(static, pipeline map[string][]string) map[string][]string {
	out := make(map[string][]string, len(static)+len(pipeline))
	for coll, fields := range static {
		out[coll] = slices.Clone(fields)
	}
	for coll, fields := range pipeline {
		for _, field := range fields {
			if !slices.Contains(out[coll], field) {
				out[coll] = append(out[coll], field)
			}
		}
	}
	return out
}

func (c *Consumer) sinkDatabase() string {
	switch {
	case c.pipeline.SinkDatabase != "":
		return c.pipeline.SinkDatabase
	case c.rt.cfg.Oplog.Consumer.SinkDatabase != "":
		return c.rt.cfg.Oplog.Consumer.SinkDatabase
	default:
		return c.pipeline.DBName
	}
}

func (c *Consumer) sinkManager(collection string) docmanager.Manager {
	if c.sink == nil {
		return docmanager.NewMemory()
	}
	coll := c.sink.Database(c.sinkDatabase()).Collection(collection)
	return docmanager.NewMongoManager(coll, c.rt.readRetry(), c.logger)
}

func (c *Consumer) streamFactory(f *formatter.Formatter) consumer.Factory {
	cfg := c.rt.cfg
	db := c.pipeline.DBName
	logDB := c.rt.oplog.Database(cfg.Oplog.Capped.Database)

	return func(collection string, lock sync.Locker) (consumer.Stream, error) {
		logger := c.logger.With("collection", collection)
		retry := c.rt.readRetry()

		src := source.NewCollection(c.rt.source.Database(db).Collection(collection), retry, logger)
		mgr := c.sinkManager(collection)
		h := handler.New(src, mgr, f, c.rt.notifier, handler.Options{
			DB:           db,
			Collection:   collection,
			MaxRetries:   cfg.Oplog.Consumer.ResyncRetries,
			FetchTimeout: cfg.Oplog.Consumer.FetchTimeout,
			Logger:       logger,
		})
		d := dump.New(src, mgr, h, c.rt.notifier, dump.OptionsFromConfig(db, collection, cfg.Oplog.Dump), logger)

		return tail.New(
			source.NewCappedLog(logDB, db, retry, logger),
			c.rt.checkpoints.Scope(cfg.Oplog.Consumer.TrackerType, db+"."+collection),
			h, d,
			tail.Options{
				DB:              db,
				Collection:      collection,
				CheckpointEvery: cfg.Oplog.Consumer.CheckpointEvery,
				AwaitTimeout:    cfg.Oplog.Consumer.AwaitTimeout,
				RecreateDelay:   cfg.Oplog.Consumer.RecreateDelay,
				StopTimeout:     cfg.Oplog.Consumer.StopTimeout,
				Lock:            lock,
				Notifier:        c.rt.notifier,
				Logger:          logger,
			},
		), nil
	}
}

// Run runs every collection stream until ctx is canceled or one of them dies.
func (c *Consumer) Run(ctx context.Context) error {
	c.rt.serveHealth(ctx)
	return c.consumer.Run(ctx)
}

func (c *Consumer) Health() HealthReport { return c.rt.checker.GetReport() }

func (c *Consumer) Close(ctx context.Context) error {
	if c.ownSink {
		if err := c.sink.Disconnect(ctx); err != nil {
			c.logger.Warn("Failed to disconnect sink", "error", err)
		}
	}
	return c.rt.close(ctx)
}
