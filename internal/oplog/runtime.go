package oplog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	natsgo "github.com/nats-io/nats.go"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/syntrixbase/oplogpipe/internal/config"
	"github.com/syntrixbase/oplogpipe/internal/core/pubsub"
	"github.com/syntrixbase/oplogpipe/internal/core/pubsub/nats"
	oplogcfg "github.com/syntrixbase/oplogpipe/internal/oplog/config"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/checkpoint"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/health"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/notify"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/recovery"
)

// runtime holds the connections and services both processes share.
type runtime struct {
	cfg    *config.Config
	runID  string
	logger *slog.Logger

	source *mongo.Client
	// oplog holds capped logs, checkpoints and status records. It may be source.
	oplog *mongo.Client

	checkpoints *checkpoint.Service
	pebble      *checkpoint.PebbleStore
	notifier    *notify.Service
	checker     *health.Checker

	nc      *natsgo.Conn
	closers []func() error
}

func openRuntime(ctx context.Context, cfg *config.Config, name, runID string, logger *slog.Logger) (*runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &runtime{
		cfg:     cfg,
		runID:   runID,
		logger:  logger,
		checker: health.NewChecker(runID, logger),
	}
	ok := false
	defer func() {
		if !ok {
			_ = rt.close(context.WithoutCancel(ctx))
		}
	}()

	var err error
	if rt.source, err = connectMongo(ctx, cfg.Mongo.URI, cfg.Mongo); err != nil {
		return nil, err
	}
	rt.oplog = rt.source
	if cfg.Mongo.OplogClusterURI() != cfg.Mongo.URI {
		if rt.oplog, err = connectMongo(ctx, cfg.Mongo.OplogClusterURI(), cfg.Mongo); err != nil {
			return nil, err
		}
	}

	store, err := rt.checkpointStore(ctx)
	if err != nil {
		return nil, err
	}
	rt.checkpoints = checkpoint.NewService(store, checkpoint.ServiceOptions{
		Retry:  rt.checkpointRetry(),
		Logger: logger,
	})

	var alerts pubsub.Publisher
	if cfg.Oplog.Alerts.NATS {
		if alerts, err = rt.publisher(ctx, name, pubsub.PublisherOptions{RetryAttempts: 3}); err != nil {
			return nil, err
		}
	}
	rt.notifier = notify.New(logger, alerts, cfg.Oplog.Alerts.Subject)
	ok = true
	return rt, nil
}

func connectMongo(ctx context.Context, uri string, cfg config.MongoConfig) (*mongo.Client, error) {
	opts := options.Client().ApplyURI(uri).SetConnectTimeout(cfg.ConnectTimeout)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}
	return client, nil
}

func (rt *runtime) checkpointRetry() recovery.Policy {
	return recovery.Policy{
		Attempts: rt.cfg.Oplog.Checkpoint.RetryAttempts,
		Interval: rt.cfg.Oplog.Checkpoint.RetryInterval,
	}
}

// readRetry bounds retries of source and sink reads.
func (rt *runtime) readRetry() recovery.Policy {
	return recovery.Policy{
		Attempts: rt.cfg.Oplog.Consumer.FetchRetries,
		Interval: rt.cfg.Oplog.Consumer.FetchRetryInterval,
	}
}

func (rt *runtime) checkpointStore(ctx context.Context) (checkpoint.Store, error) {
	cc := rt.cfg.Oplog.Checkpoint
	switch cc.Backend {
	case oplogcfg.BackendPebble:
		store, err := checkpoint.OpenPebbleStore(cc.PebblePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
		}
		rt.pebble = store
		return store, nil
	default:
		store := checkpoint.NewMongoStore(rt.oplog.Database(cc.Database), cc.Collection)
		if err := store.EnsureIndexes(ctx); err != nil {
			return nil, fmt.Errorf("failed to create checkpoint indexes: %w", err)
		}
		return store, nil
	}
}

// publisher returns a JetStream publisher on the shared NATS connection.
func (rt *runtime) publisher(ctx context.Context, name string, opts pubsub.PublisherOptions) (pubsub.Publisher, error) {
	if rt.nc == nil {
		nc, err := nats.Connect(rt.cfg.Oplog.NATS.URL, name, rt.logger.Warn)
		if err != nil {
			return nil, err
		}
		rt.nc = nc
	}
	js, err := nats.NewJetStream(rt.nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}
	pub, err := nats.NewPublisher(ctx, js, opts)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, pub.Close)
	return pub, nil
}

// serveHealth runs the health server until ctx ends, when enabled.
func (rt *runtime) serveHealth(ctx context.Context) {
	hc := rt.cfg.Oplog.Health
	if !hc.Enabled {
		return
	}
	addr := fmt.Sprintf(":%d", hc.Port)
	go func() {
		if err := health.StartServer(ctx, addr, hc.Path, hc.MetricsPath, rt.checker); err != nil {
			rt.logger.Error("Health server failed", "address", addr, "error", err)
		}
	}()
}

func (rt *runtime) close(ctx context.Context) error {
	var errs []error
	if rt.notifier != nil {
		rt.notifier.Close()
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if rt.nc != nil {
		rt.nc.Close()
	}
	if rt.pebble != nil {
		if err := rt.pebble.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close checkpoint store: %w", err))
		}
	}
	if rt.oplog != nil && rt.oplog != rt.source {
		if err := rt.oplog.Disconnect(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if rt.source != nil {
		if err := rt.source.Disconnect(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
