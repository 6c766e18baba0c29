package docmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/recovery"
	"github.com/syntrixbase/oplogpipe/pkg/model"
)

// MongoManager stores documents in one MongoDB collection.
type MongoManager struct {
	coll   *mongo.Collection
	retry  recovery.Policy
	logger *slog.Logger
}

var _ Manager = (*MongoManager)(nil)

func NewMongoManager(coll *mongo.Collection, retry recovery.Policy, logger *slog.Logger) *MongoManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &MongoManager{
		coll:   coll,
		retry:  retry,
		logger: logger.With("component", "docmanager", "collection", coll.Name()),
	}
}

func byID(id model.Value) bson.D {
	return bson.D{{Key: model.IDField, Value: id.Interface()}}
}

func (m *MongoManager) Upsert(ctx context.Context, doc *model.Document) error {
	id, err := idOf(doc)
	if err != nil {
		return err
	}
	err = recovery.Retry(ctx, m.retry, m.logger, "sink.upsert", func() error {
		_, err := m.coll.ReplaceOne(ctx, byID(id), doc, options.Replace().SetUpsert(true))
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to upsert %s: %w", id, err)
	}
	return nil
}

func (m *MongoManager) BulkUpsert(ctx context.Context, docs []*model.Document) ([]model.Value, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	ids := make([]model.Value, 0, len(docs))
	writes := make([]mongo.WriteModel, 0, len(docs))
	var failed []model.Value
	for _, doc := range docs {
		id, err := idOf(doc)
		if err != nil {
			m.logger.Warn("skipping document without id in bulk upsert")
			continue
		}
		ids = append(ids, id)
		writes = append(writes, mongo.NewReplaceOneModel().
			SetFilter(byID(id)).
			SetReplacement(doc).
			SetUpsert(true))
	}
	if len(writes) == 0 {
		return failed, nil
	}

	err := recovery.Retry(ctx, m.retry, m.logger, "sink.bulk_upsert", func() error {
		failed = failed[:0]
		_, err := m.coll.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
		var bwe mongo.BulkWriteException
		if errors.As(err, &bwe) && len(bwe.WriteErrors) > 0 && bwe.WriteConcernError == nil {
			for _, we := range bwe.WriteErrors {
				if we.Index >= 0 && we.Index < len(ids) {
					failed = append(failed, ids[we.Index])
				}
			}
			return nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to bulk upsert %d documents: %w", len(writes), err)
	}
	return failed, nil
}

func (m *MongoManager) Remove(ctx context.Context, id model.Value) error {
	err := recovery.Retry(ctx, m.retry, m.logger, "sink.remove", func() error {
		_, err := m.coll.DeleteOne(ctx, byID(id))
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w", id, err)
	}
	return nil
}

func (m *MongoManager) Get(ctx context.Context, id model.Value) (*model.Document, error) {
	doc, err := recovery.RetryValue(ctx, m.retry, m.logger, "sink.get", func() (*model.Document, error) {
		doc := model.NewDocument()
		if err := m.coll.FindOne(ctx, byID(id)).Decode(doc); err != nil {
			return nil, err
		}
		return doc, nil
	})
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get %s: %w", id, err)
	}
	return doc, nil
}

func (m *MongoManager) GetBulk(ctx context.Context, ids []model.Value) ([]*model.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	in := make(bson.A, len(ids))
	for i, id := range ids {
		in[i] = id.Interface()
	}
	return recovery.RetryValue(ctx, m.retry, m.logger, "sink.get_bulk", func() ([]*model.Document, error) {
		cur, err := m.coll.Find(ctx, bson.D{{Key: model.IDField, Value: bson.D{{Key: "$in", Value: in}}}})
		if err != nil {
			return nil, err
		}
		defer cur.Close(ctx)
		var out []*model.Document
		for cur.Next(ctx) {
			doc := model.NewDocument()
			if err := cur.Decode(doc); err != nil {
				return nil, err
			}
			out = append(out, doc)
		}
		return out, cur.Err()
	})
}

func (m *MongoManager) Update(ctx context.Context, id model.Value, spec *model.Document) error {
	return ApplyAndUpsert(ctx, m, id, spec)
}
