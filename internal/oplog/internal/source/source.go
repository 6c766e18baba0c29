// Package source adapts MongoDB collections to the readers the tailers and dumps use:
// per-database capped logs, the native replication oplog, and source collections.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/syntrixbase/oplogpipe/internal/oplog/events"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/recovery"
	"github.com/syntrixbase/oplogpipe/pkg/model"
)

// Cursor is the part of *mongo.Cursor the readers need.
type Cursor interface {
	Next(ctx context.Context) bool
	TryNext(ctx context.Context) bool
	Decode(val any) error
	Err() error
	ID() int64
	Close(ctx context.Context) error
}

var _ Cursor = (*mongo.Cursor)(nil)

var (
	naturalAsc  = bson.D{{Key: "$natural", Value: 1}}
	naturalDesc = bson.D{{Key: "$natural", Value: -1}}
)

func tailOptions(await time.Duration) *options.FindOptions {
	return options.Find().
		SetCursorType(options.TailableAwait).
		SetMaxAwaitTime(await).
		SetNoCursorTimeout(true)
}

// CappedLog is the capped collection holding the log entries of one source database.
type CappedLog struct {
	coll   *mongo.Collection
	retry  recovery.Policy
	logger *slog.Logger
}

// NewCappedLog opens the log of database dbName inside logDB.
func NewCappedLog(logDB *mongo.Database, dbName string, retry recovery.Policy, logger *slog.Logger) *CappedLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &CappedLog{
		coll:   logDB.Collection(dbName),
		retry:  retry,
		logger: logger.With("component", "capped-log", "db", dbName),
	}
}

// Oldest returns the first retained entry position of collection; ok is false when none is retained.
func (l *CappedLog) Oldest(ctx context.Context, collection string) (events.Position, bool, error) {
	return l.edge(ctx, collection, naturalAsc)
}

// Newest returns the last entry position of collection.
func (l *CappedLog) Newest(ctx context.Context, collection string) (events.Position, bool, error) {
	return l.edge(ctx, collection, naturalDesc)
}

func (l *CappedLog) edge(ctx context.Context, collection string, sort bson.D) (events.Position, bool, error) {
	var entry events.CappedEntry
	err := recovery.Retry(ctx, l.retry, l.logger, "capped_log.edge", func() error {
		return l.coll.FindOne(ctx, bson.D{{Key: "collection", Value: collection}},
			options.FindOne().SetSort(sort).SetProjection(bson.D{{Key: "_id", Value: 1}})).Decode(&entry)
	})
	if errors.Is(err, mongo.ErrNoDocuments) {
		return events.Position{}, false, nil
	}
	if err != nil {
		return events.Position{}, false, fmt.Errorf("failed to read log edge for %s: %w", collection, err)
	}
	return events.PositionFromID(entry.ID), true, nil
}

// Tail opens a tailable await cursor over every entry at or after from.
func (l *CappedLog) Tail(ctx context.Context, from events.Position, await time.Duration) (Cursor, error) {
	filter := bson.D{}
	if !from.ID.IsZero() {
		filter = bson.D{{Key: "_id", Value: bson.D{{Key: "$gte", Value: from.ID}}}}
	}
	cur, err := l.coll.Find(ctx, filter, tailOptions(await))
	if err != nil {
		return nil, fmt.Errorf("failed to open log cursor from %s: %w", from, err)
	}
	return cur, nil
}

// NativeOplog is the replication oplog (local.oplog.rs) of one replica set.
type NativeOplog struct {
	coll   *mongo.Collection
	retry  recovery.Policy
	logger *slog.Logger
}

func NewNativeOplog(client *mongo.Client, retry recovery.Policy, logger *slog.Logger) *NativeOplog {
	if logger == nil {
		logger = slog.Default()
	}
	return &NativeOplog{
		coll:   client.Database("local").Collection("oplog.rs"),
		retry:  retry,
		logger: logger.With("component", "native-oplog"),
	}
}

// Newest returns the timestamp of the last oplog entry.
func (o *NativeOplog) Newest(ctx context.Context) (events.Position, bool, error) {
	var entry struct {
		TS primitive.Timestamp `bson:"ts"`
	}
	err := recovery.Retry(ctx, o.retry, o.logger, "oplog.newest", func() error {
		return o.coll.FindOne(ctx, bson.D{},
			options.FindOne().SetSort(naturalDesc).SetProjection(bson.D{{Key: "ts", Value: 1}})).Decode(&entry)
	})
	if errors.Is(err, mongo.ErrNoDocuments) {
		return events.Position{}, false, nil
	}
	if err != nil {
		return events.Position{}, false, fmt.Errorf("failed to read newest oplog entry: %w", err)
	}
	return events.PositionFromTimestamp(entry.TS), true, nil
}

// Tail opens a tailable await cursor over entries with ts >= from.
func (o *NativeOplog) Tail(ctx context.Context, from events.Position, await time.Duration) (Cursor, error) {
	filter := bson.D{}
	if !from.TS.IsZero() {
		filter = bson.D{{Key: "ts", Value: bson.D{{Key: "$gte", Value: from.TS}}}}
	}
	cur, err := o.coll.Find(ctx, filter, tailOptions(await))
	if err != nil {
		return nil, fmt.Errorf("failed to open oplog cursor from %s: %w", from, err)
	}
	return cur, nil
}

// Collection is a source collection read by dumps and re-fetches.
type Collection struct {
	coll   *mongo.Collection
	retry  recovery.Policy
	logger *slog.Logger
}

func NewCollection(coll *mongo.Collection, retry recovery.Policy, logger *slog.Logger) *Collection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collection{
		coll:   coll,
		retry:  retry,
		logger: logger.With("component", "source", "collection", coll.Name()),
	}
}

func (c *Collection) Name() string { return c.coll.Name() }

// FindByID returns the raw document or model.ErrNotFound. id is a driver value.
func (c *Collection) FindByID(ctx context.Context, id any) (bson.D, error) {
	doc, err := recovery.RetryValue(ctx, c.retry, c.logger, "source.find_by_id", func() (bson.D, error) {
		var doc bson.D
		err := c.coll.FindOne(ctx, bson.D{{Key: model.IDField, Value: id}}).Decode(&doc)
		return doc, err
	})
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%v: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %v: %w", id, err)
	}
	return doc, nil
}

// Scan opens a cursor over all documents sorted by _id, starting after the given id
// when it is not nil.
func (c *Collection) Scan(ctx context.Context, after any) (Cursor, error) {
	filter := bson.D{}
	if after != nil {
		filter = bson.D{{Key: model.IDField, Value: bson.D{{Key: "$gt", Value: after}}}}
	}
	cur, err := c.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: model.IDField, Value: 1}}).
		SetNoCursorTimeout(true))
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", c.coll.Name(), err)
	}
	return cur, nil
}
