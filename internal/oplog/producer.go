package oplog

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/syntrixbase/oplogpipe/internal/config"
	"github.com/syntrixbase/oplogpipe/internal/core/pubsub"
	oplogcfg "github.com/syntrixbase/oplogpipe/internal/oplog/config"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/ingest"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/progress"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/producer"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/source"
)

// Producer ships the native oplog of every shard to the configured ingestor.
type Producer struct {
	rt       *runtime
	ingestor ingest.Ingestor
	producer *producer.Producer
	logger   *slog.Logger
}

// NewProducer discovers the shards of the source cluster and wires one tail per shard.
func NewProducer(ctx context.Context, cfg *config.Config, processType, runID string, logger *slog.Logger) (*Producer, error) {
	rt, err := openRuntime(ctx, cfg, "oplog-producer", runID, logger)
	if err != nil {
		return nil, err
	}
	p := &Producer{rt: rt, logger: rt.logger.With("process_type", processType)}
	if err := p.init(ctx, processType); err != nil {
		_ = p.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return p, nil
}

func (p *Producer) init(ctx context.Context, processType string) error {
	cfg := p.rt.cfg

	shards, err := producer.DiscoverShards(ctx, p.rt.source)
	if err != nil {
		return err
	}
	p.logger.InfoContext(ctx, "Discovered shards", "count", len(shards))

	if p.ingestor, err = p.newIngestor(ctx); err != nil {
		return err
	}

	p.producer = producer.New(shards, p.shardFactory(), p.rt.checkpoints, p.ingestor, producer.Options{
		ProcessType:  processType,
		PollInterval: cfg.Oplog.Producer.PollInterval,
		StopTimeout:  cfg.Oplog.Producer.StopTimeout,
		Notifier:     p.rt.notifier,
		Logger:       p.logger,
	})
	p.rt.checker.Register(p.producer)
	return nil
}

func (p *Producer) newIngestor(ctx context.Context) (ingest.Ingestor, error) {
	cfg := p.rt.cfg.Oplog
	opts := ingest.Options{Retry: p.rt.readRetry(), Logger: p.logger}

	switch cfg.Producer.Ingestor {
	case oplogcfg.IngestorKafka:
		return ingest.NewKafkaIngestor(ingest.NewKafkaWriter(cfg.Kafka), opts), nil
	case oplogcfg.IngestorNATS:
		pub, err := p.rt.publisher(ctx, "oplog-producer", pubsub.PublisherOptions{
			StreamName:      cfg.NATS.Stream,
			SubjectPrefix:   cfg.NATS.SubjectPrefix,
			RetryAttempts:   3,
			Storage:         pubsub.ParseStorage(cfg.NATS.Storage),
			MaxAge:          cfg.NATS.MaxAge,
			DuplicateWindow: cfg.NATS.DuplicateWindow,
		})
		if err != nil {
			return nil, err
		}
		return ingest.NewNATSIngestor(pub, opts), nil
	case oplogcfg.IngestorMongo:
		return ingest.NewMongoIngestor(p.rt.oplog, cfg.Capped, opts), nil
	default:
		return nil, fmt.Errorf("unknown ingestor %q", cfg.Producer.Ingestor)
	}
}

func (p *Producer) shardFactory() producer.Factory {
	cfg := p.rt.cfg
	exclude := slices.Clone(cfg.Oplog.Producer.ExcludeDatabases)
	if !slices.Contains(exclude, cfg.Oplog.Capped.Database) {
		exclude = append(exclude, cfg.Oplog.Capped.Database)
	}

	return func(shard producer.Shard, pm *progress.Map) (producer.Stream, error) {
		logger := p.logger.With("shard", shard.ID)
		client, err := mongo.Connect(context.Background(),
			shard.ClientOptions(cfg.Mongo.URI).SetConnectTimeout(cfg.Mongo.ConnectTimeout))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to shard %s: %w", shard.ID, err)
		}
		t := producer.NewShardTail(source.NewNativeOplog(client, p.rt.readRetry(), logger), p.ingestor, pm, producer.ShardOptions{
			ShardID:          shard.ID,
			BatchSize:        cfg.Oplog.Producer.BatchSize,
			AwaitTimeout:     cfg.Oplog.Producer.AwaitTimeout,
			RecreateDelay:    cfg.Oplog.Producer.RecreateDelay,
			ExcludeDatabases: exclude,
			Notifier:         p.rt.notifier,
			Logger:           logger,
		})
		return &shardStream{ShardTail: t, client: client}, nil
	}
}

// shardStream disconnects from the shard when its tail returns.
type shardStream struct {
	*producer.ShardTail
	client *mongo.Client
}

func (s *shardStream) Run(ctx context.Context) error {
	defer func() { _ = s.client.Disconnect(context.WithoutCancel(ctx)) }()
	return s.ShardTail.Run(ctx)
}

// Run tails every shard until ctx is canceled or a shard tail dies.
func (p *Producer) Run(ctx context.Context) error {
	p.rt.serveHealth(ctx)
	return p.producer.Run(ctx)
}

func (p *Producer) Health() HealthReport { return p.rt.checker.GetReport() }

func (p *Producer) Close(ctx context.Context) error {
	if p.ingestor != nil {
		if err := p.ingestor.Close(); err != nil {
			p.logger.Warn("Failed to close ingestor", "error", err)
		}
	}
	return p.rt.close(ctx)
}
