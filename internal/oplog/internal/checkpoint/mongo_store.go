package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore implements Store using a MongoDB collection.
type MongoStore struct {
	collection *mongo.Collection
}

func NewMongoStore(db *mongo.Database, collection string) *MongoStore {
	return &MongoStore{collection: db.Collection(collection)}
}

// EnsureIndexes creates the unique (tracker_type, scope_key) index.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "tracker_type", Value: 1}, {Key: "scope_key", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("tracker_scope_unique"),
	})
	if err != nil {
		return fmt.Errorf("failed to create checkpoint index: %w", err)
	}
	return nil
}

func (s *MongoStore) Load(ctx context.Context, trackerType, scopeKey string) (*Record, error) {
	var rec Record
	err := s.collection.FindOne(ctx, bson.M{"tracker_type": trackerType, "scope_key": scopeKey}).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return &rec, nil
}

func (s *MongoStore) Save(ctx context.Context, rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	filter := bson.M{"tracker_type": rec.TrackerType, "scope_key": rec.ScopeKey}
	update := bson.M{"$set": bson.M{
		"checkpoint":      rec.Checkpoint,
		"updated_at":      rec.UpdatedAt,
		"generation_time": rec.GenerationTime,
	}}
	if _, err := s.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *MongoStore) List(ctx context.Context, trackerType string) ([]Record, error) {
	cur, err := s.collection.Find(ctx, bson.M{"tracker_type": trackerType},
		options.Find().SetSort(bson.D{{Key: "scope_key", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	var out []Record
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoints: %w", err)
	}
	return out, nil
}
