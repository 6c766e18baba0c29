package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/syntrixbase/oplogpipe/internal/oplog/config"
	"github.com/syntrixbase/oplogpipe/internal/oplog/events"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/metrics"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/progress"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/recovery"
)

const mongoName = "mongo"

// MongoIngestor appends entries to a capped collection per source database inside the log
// database. The collection is created on first use with the size of the database category.
type MongoIngestor struct {
	db     *mongo.Database
	capped config.CappedConfig
	retry  recovery.Policy
	logger *slog.Logger
}

func NewMongoIngestor(client *mongo.Client, capped config.CappedConfig, opts Options) *MongoIngestor {
	return &MongoIngestor{
		db:     client.Database(capped.Database),
		capped: capped,
		retry:  opts.retry(),
		logger: opts.logger(mongoName),
	}
}

func (m *MongoIngestor) Name() string { return mongoName }

func (m *MongoIngestor) EncodeObject(v any) ([]byte, error) { return bson.Marshal(v) }

// Prime records every existing log collection in p.
func (m *MongoIngestor) Prime(ctx context.Context, p *progress.Map) error {
	names, err := recovery.RetryValue(ctx, m.retry, m.logger, "capped.list", func() ([]string, error) {
		return m.db.ListCollectionNames(ctx, bson.D{})
	})
	if err != nil {
		return fmt.Errorf("list capped logs: %w", err)
	}
	for _, name := range names {
		p.AddDB(name)
	}
	return nil
}

func (m *MongoIngestor) IngestBatch(ctx context.Context, shardID string, batch []*events.NativeEntry, p *progress.Map) (err error) {
	start := time.Now()
	written := 0
	defer func() { observe(mongoName, written, start, err) }()

	var order []string
	grouped := make(map[string][]any)
	for _, a := range actions(ctx, mongoName, shardID, batch, m.logger) {
		if _, ok := grouped[a.DBName]; !ok {
			order = append(order, a.DBName)
		}
		grouped[a.DBName] = append(grouped[a.DBName], a.CappedEntry())
	}

	for _, db := range order {
		docs := grouped[db]
		ok, err := m.ensureLog(ctx, db, p)
		if err != nil {
			return err
		}
		if !ok {
			metrics.EntriesSkipped.WithLabelValues(mongoName, "skipped_category").Add(float64(len(docs)))
			continue
		}
		if err := recovery.Retry(ctx, m.retry, m.logger, "capped.insert", func() error {
			_, err := m.db.Collection(db).InsertMany(ctx, docs, options.InsertMany().SetOrdered(true))
			return err
		}); err != nil {
			return fmt.Errorf("append %d entries to log %s: %w", len(docs), db, err)
		}
		written += len(docs)
	}
	return nil
}

// ensureLog creates the capped log of db when missing. ok is false when db is not logged.
func (m *MongoIngestor) ensureLog(ctx context.Context, db string, p *progress.Map) (bool, error) {
	if p.HasDB(db) {
		return true, nil
	}
	size, ok := m.capped.SizeFor(db)
	if !ok {
		return false, nil
	}
	err := recovery.Retry(ctx, m.retry, m.logger, "capped.create", func() error {
		return m.db.CreateCollection(ctx, db, options.CreateCollection().SetCapped(true).SetSizeInBytes(size))
	})
	if err != nil && !isNamespaceExists(err) {
		return false, fmt.Errorf("create capped log %s: %w", db, err)
	}
	m.logger.InfoContext(ctx, "Capped log ready", "db", db, "size_bytes", size)
	p.AddDB(db)
	return true, nil
}

func isNamespaceExists(err error) bool {
	var ce mongo.CommandError
	return errors.As(err, &ce) && (ce.Code == 48 || ce.Name == "NamespaceExists")
}

func (m *MongoIngestor) Close() error { return nil }
