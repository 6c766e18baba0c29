package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/syntrixbase/oplogpipe/internal/oplog/config"
	"github.com/syntrixbase/oplogpipe/internal/oplog/events"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/progress"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/recovery"
)

const kafkaName = "kafka"

// MessageWriter is the part of *kafka.Writer the ingestor uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

var _ MessageWriter = (*kafka.Writer)(nil)

// KafkaIngestor publishes one message per entry, keyed by document id so that every change
// of a document lands on the same partition.
type KafkaIngestor struct {
	w      MessageWriter
	retry  recovery.Policy
	logger *slog.Logger
}

// NewKafkaWriter builds the writer for cfg.
func NewKafkaWriter(cfg config.KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchBytes:   cfg.BatchBytes,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireAll,
	}
}

func NewKafkaIngestor(w MessageWriter, opts Options) *KafkaIngestor {
	return &KafkaIngestor{w: w, retry: opts.retry(), logger: opts.logger(kafkaName)}
}

func (k *KafkaIngestor) Name() string { return kafkaName }

func (k *KafkaIngestor) EncodeObject(v any) ([]byte, error) { return json.Marshal(v) }

func (k *KafkaIngestor) IngestBatch(ctx context.Context, shardID string, batch []*events.NativeEntry, _ *progress.Map) (err error) {
	start := time.Now()
	msgs := make([]kafka.Message, 0, len(batch))
	defer func() { observe(kafkaName, len(msgs), start, err) }()

	for _, a := range actions(ctx, kafkaName, shardID, batch, k.logger) {
		value, err := k.EncodeObject(a)
		if err != nil {
			return fmt.Errorf("encode %s.%s/%s: %w", a.DBName, a.Collection, a.DocID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(a.DocID),
			Value: value,
			Time:  time.Unix(int64(a.TS.T), 0),
		})
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := recovery.Retry(ctx, k.retry, k.logger, "kafka.write", func() error {
		return k.w.WriteMessages(ctx, msgs...)
	}); err != nil {
		return fmt.Errorf("write %d messages for shard %s: %w", len(msgs), shardID, err)
	}
	k.logger.DebugContext(ctx, "Batch ingested", "shard", shardID, "messages", len(msgs))
	return nil
}

func (k *KafkaIngestor) Close() error { return k.w.Close() }
