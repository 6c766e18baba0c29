package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/syntrixbase/oplogpipe/internal/core/pubsub"
	"github.com/syntrixbase/oplogpipe/internal/oplog/events"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/metrics"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/progress"
)

const natsName = "nats"

// NATSIngestor publishes each entry to "<db>.<collection>" below the publisher's subject prefix.
type NATSIngestor struct {
	pub    pubsub.Publisher
	logger *slog.Logger
}

func NewNATSIngestor(pub pubsub.Publisher, opts Options) *NATSIngestor {
	return &NATSIngestor{pub: pub, logger: opts.logger(natsName)}
}

func (n *NATSIngestor) Name() string { return natsName }

func (n *NATSIngestor) EncodeObject(v any) ([]byte, error) { return json.Marshal(v) }

// IngestBatch publishes in order and stops at the first failure.
// Retries belong to the publisher. Each message id is the shard and oplog
// timestamp, so entries re-read after a restart are dropped by the stream.
func (n *NATSIngestor) IngestBatch(ctx context.Context, shardID string, batch []*events.NativeEntry, _ *progress.Map) (err error) {
	start := time.Now()
	sent := 0
	defer func() { observe(natsName, sent, start, err) }()

	for _, a := range actions(ctx, natsName, shardID, batch, n.logger) {
		data, err := n.EncodeObject(a)
		if err != nil {
			return fmt.Errorf("encode %s.%s/%s: %w", a.DBName, a.Collection, a.DocID, err)
		}
		err = n.pub.Publish(ctx, pubsub.Message{
			Subject: a.DBName + "." + a.Collection,
			Data:    data,
			ID:      MessageID(a),
			Header:  map[string]string{"Oplog-Shard": a.ShardID, "Oplog-Op": string(a.Op)},
		})
		switch {
		case errors.Is(err, pubsub.ErrDuplicate):
			metrics.EntriesSkipped.WithLabelValues(natsName, "duplicate").Inc()
			continue
		case err != nil:
			return fmt.Errorf("publish %s.%s/%s: %w", a.DBName, a.Collection, a.DocID, err)
		}
		sent++
	}
	return nil
}

// MessageID identifies the oplog entry behind a.
func MessageID(a *events.DocumentAction) string {
	return fmt.Sprintf("%s:%d:%d", a.ShardID, a.TS.T, a.TS.I)
}

func (n *NATSIngestor) Close() error { return n.pub.Close() }
