// Package ingest ships batches of native oplog entries to a downstream log:
// Kafka, the per-database capped log in MongoDB, or NATS JetStream.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/syntrixbase/oplogpipe/internal/oplog/events"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/metrics"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/progress"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/recovery"
)

// Ingestor writes one batch read from a shard. A nil error means the whole batch is durable
// downstream and the caller may advance the shard checkpoint.
type Ingestor interface {
	Name() string
	IngestBatch(ctx context.Context, shardID string, batch []*events.NativeEntry, p *progress.Map) error
	EncodeObject(v any) ([]byte, error)
	Close() error
}

// Primer is implemented by ingestors that seed the progress map before the first batch.
type Primer interface {
	Prime(ctx context.Context, p *progress.Map) error
}

// Options are shared by every ingestor.
type Options struct {
	Retry  recovery.Policy
	Logger *slog.Logger
}

func (o Options) logger(name string) *slog.Logger {
	l := o.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", "ingest", "ingestor", name)
}

func (o Options) retry() recovery.Policy {
	if o.Retry.Attempts == 0 {
		return recovery.Policy{Attempts: 3, Interval: time.Second}
	}
	return o.Retry
}

// actions converts a batch, dropping entries that cannot be shipped.
func actions(ctx context.Context, name, shardID string, batch []*events.NativeEntry, logger *slog.Logger) []*events.DocumentAction {
	out := make([]*events.DocumentAction, 0, len(batch))
	for _, e := range batch {
		a, err := events.NewDocumentAction(shardID, e)
		if err != nil {
			logger.WarnContext(ctx, "Dropping entry", "shard", shardID, "ns", e.NS, "ts", e.TS, "error", err)
			metrics.EntriesSkipped.WithLabelValues(name, "invalid").Inc()
			continue
		}
		out = append(out, a)
	}
	return out
}

func observe(name string, n int, start time.Time, err error) {
	metrics.IngestBatchSize.WithLabelValues(name).Observe(float64(n))
	metrics.IngestLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.IngestErrors.WithLabelValues(name).Inc()
	}
}
