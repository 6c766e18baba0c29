// Package pipelineconfig loads consumer pipeline definitions stored in MongoDB.
package pipelineconfig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/recovery"
)

var ErrNotFound = errors.New("pipeline config not found")

// PipelineConfig describes one consumer: which collections of DBName it follows.
type PipelineConfig struct {
	ID          string   `bson:"_id"`
	DBName      string   `bson:"db_name"`
	ProcessType string   `bson:"process_type"`
	Collections []string `bson:"collections"`

	// ExcludeFields lists dotted field paths per collection, merged over the static config.
	ExcludeFields map[string][]string `bson:"exclude_fields,omitempty"`
	// SinkDatabase overrides the downstream database name.
	SinkDatabase string    `bson:"sink_database,omitempty"`
	LogLevel     string    `bson:"log_level,omitempty"`
	UpdatedAt    time.Time `bson:"updated_at"`
}

// GenerateID returns the id a config for (dbName, processType) is saved under.
func GenerateID(dbName, processType string) string {
	return dbName + "_" + processType
}

// Validate checks the fields a consumer needs.
func (c *PipelineConfig) Validate() error {
	var errs []error
	if c.DBName == "" {
		errs = append(errs, errors.New("db_name is required"))
	}
	if c.ProcessType == "" {
		errs = append(errs, errors.New("process_type is required"))
	}
	if len(c.Collections) == 0 {
		errs = append(errs, errors.New("at least one collection is required"))
	}
	seen := make(map[string]bool, len(c.Collections))
	for _, coll := range c.Collections {
		if seen[coll] {
			errs = append(errs, fmt.Errorf("duplicate collection %q", coll))
		}
		seen[coll] = true
	}
	return errors.Join(errs...)
}

// Store reads and writes pipeline configs.
type Store interface {
	// FindByID and Find return ErrNotFound when no config matches.
	FindByID(ctx context.Context, id string) (*PipelineConfig, error)
	Find(ctx context.Context, dbName, processType string) (*PipelineConfig, error)
	Save(ctx context.Context, cfg *PipelineConfig) error
}

// MongoStore keeps configs in PipelineStatus.PipelineConsumerConfig.
type MongoStore struct {
	collection *mongo.Collection
}

func NewMongoStore(db *mongo.Database, collection string) *MongoStore {
	return &MongoStore{collection: db.Collection(collection)}
}

func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "db_name", Value: 1}, {Key: "process_type", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("db_process_unique"),
	})
	if err != nil {
		return fmt.Errorf("failed to create pipeline config index: %w", err)
	}
	return nil
}

func (s *MongoStore) FindByID(ctx context.Context, id string) (*PipelineConfig, error) {
	return s.findOne(ctx, bson.M{"_id": id})
}

func (s *MongoStore) Find(ctx context.Context, dbName, processType string) (*PipelineConfig, error) {
	return s.findOne(ctx, bson.M{"db_name": dbName, "process_type": processType})
}

func (s *MongoStore) findOne(ctx context.Context, filter bson.M) (*PipelineConfig, error) {
	var cfg PipelineConfig
	err := s.collection.FindOne(ctx, filter).Decode(&cfg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline config: %w", err)
	}
	return &cfg, nil
}

func (s *MongoStore) Save(ctx context.Context, cfg *PipelineConfig) error {
	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": cfg.ID}, cfg, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save pipeline config %s: %w", cfg.ID, err)
	}
	return nil
}

type cached struct {
	cfg     *PipelineConfig
	expires time.Time
}

// Service caches Store lookups for TTL and retries transient read errors.
type Service struct {
	store  Store
	ttl    time.Duration
	retry  recovery.Policy
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cached
}

func NewService(store Store, ttl time.Duration, retry recovery.Policy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		ttl:    ttl,
		retry:  retry,
		logger: logger.With("component", "pipeline-config"),
		now:    time.Now,
		cache:  make(map[string]cached),
	}
}

// Get returns the config saved under id.
func (s *Service) Get(ctx context.Context, id string) (*PipelineConfig, error) {
	return s.cached(ctx, "id:"+id, func() (*PipelineConfig, error) {
		return s.store.FindByID(ctx, id)
	})
}

// Lookup returns the config of (dbName, processType).
func (s *Service) Lookup(ctx context.Context, dbName, processType string) (*PipelineConfig, error) {
	return s.cached(ctx, "key:"+GenerateID(dbName, processType), func() (*PipelineConfig, error) {
		return s.store.Find(ctx, dbName, processType)
	})
}

// ConfigID returns the id of the config of (dbName, processType).
func (s *Service) ConfigID(ctx context.Context, dbName, processType string) (string, error) {
	cfg, err := s.Lookup(ctx, dbName, processType)
	if err != nil {
		return "", err
	}
	return cfg.ID, nil
}

// Save validates and stores cfg, assigning its id when empty, and drops cached entries.
func (s *Service) Save(ctx context.Context, cfg *PipelineConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid pipeline config: %w", err)
	}
	if cfg.ID == "" {
		cfg.ID = GenerateID(cfg.DBName, cfg.ProcessType)
	}
	cfg.UpdatedAt = s.now().UTC()
	err := recovery.Retry(ctx, s.retry, s.logger, "pipeline_config.save", func() error {
		return s.store.Save(ctx, cfg)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	clear(s.cache)
	s.mu.Unlock()
	s.logger.InfoContext(ctx, "Saved pipeline config", "id", cfg.ID, "collections", len(cfg.Collections))
	return nil
}

func (s *Service) cached(ctx context.Context, key string, load func() (*PipelineConfig, error)) (*PipelineConfig, error) {
	s.mu.Lock()
	entry, ok := s.cache[key]
	s.mu.Unlock()
	if ok && s.now().Before(entry.expires) {
		return entry.cfg, nil
	}

	cfg, err := recovery.RetryValue(ctx, s.retry, s.logger, "pipeline_config.load", load)
	if err != nil {
		return nil, err
	}
	if s.ttl > 0 {
		s.mu.Lock()
		s.cache[key] = cached{cfg: cfg, expires: s.now().Add(s.ttl)}
		s.mu.Unlock()
	}
	return cfg, nil
}
