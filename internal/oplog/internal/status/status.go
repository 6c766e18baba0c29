// Package status records the run status of each pipeline process so operators
// can see which consumers and producers are alive.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/recovery"
)

// Status is the reported state of a pipeline process.
type Status string

const (
	Started       Status = "STARTED"
	InitialImport Status = "INITIAL_IMPORT"
	Running       Status = "RUNNING"
	Error         Status = "ERROR"
	Stopped       Status = "STOPPED"
	FailedToStart Status = "FAILED_TO_START"
)

// ParseStatus returns the Status named s.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case Started, InitialImport, Running, Error, Stopped, FailedToStart:
		return st, true
	}
	return "", false
}

// Record is the status document of one (process type, database) pair.
type Record struct {
	TrackerType string    `bson:"tracker_type"`
	DBName      string    `bson:"db_name"`
	Status      Status    `bson:"status"`
	RunID       string    `bson:"run_id"`
	PID         int       `bson:"pid"`
	Host        string    `bson:"machine_ip"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

// Store persists status records.
type Store interface {
	Upsert(ctx context.Context, rec Record) error
	// Get returns nil, nil when no record exists.
	Get(ctx context.Context, trackerType, dbName string) (*Record, error)
}

// MongoStore keeps records in PipelineStatus.PipelineStatusTracker.
type MongoStore struct {
	collection *mongo.Collection
}

func NewMongoStore(db *mongo.Database, collection string) *MongoStore {
	return &MongoStore{collection: db.Collection(collection)}
}

// EnsureIndexes creates the unique (tracker_type, db_name) index.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "tracker_type", Value: 1}, {Key: "db_name", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("tracker_db_unique"),
	})
	if err != nil {
		return fmt.Errorf("failed to create status index: %w", err)
	}
	return nil
}

func (s *MongoStore) Upsert(ctx context.Context, rec Record) error {
	filter := bson.M{"tracker_type": rec.TrackerType, "db_name": rec.DBName}
	update := bson.M{"$set": bson.M{
		"status":     rec.Status,
		"run_id":     rec.RunID,
		"pid":        rec.PID,
		"machine_ip": rec.Host,
		"updated_at": rec.UpdatedAt,
	}}
	if _, err := s.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, trackerType, dbName string) (*Record, error) {
	var rec Record
	err := s.collection.FindOne(ctx, bson.M{"tracker_type": trackerType, "db_name": dbName}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load status: %w", err)
	}
	return &rec, nil
}

// Reporter writes the status of the running process. Failures are logged, never returned
// to the caller, so a status outage does not stop the pipeline.
type Reporter struct {
	store       Store
	trackerType string
	dbName      string
	runID       string
	host        string
	pid         int
	retry       recovery.Policy
	logger      *slog.Logger

	mu   sync.Mutex
	last Status
}

// ReporterOptions configures a Reporter.
type ReporterOptions struct {
	TrackerType string
	DBName      string
	RunID       string
	Retry       recovery.Policy
	Logger      *slog.Logger
}

func NewReporter(store Store, opts ReporterOptions) *Reporter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	host, _ := os.Hostname()
	return &Reporter{
		store:       store,
		trackerType: opts.TrackerType,
		dbName:      opts.DBName,
		runID:       opts.RunID,
		host:        host,
		pid:         os.Getpid(),
		retry:       opts.Retry,
		logger:      logger.With("component", "status", "tracker_type", opts.TrackerType, "db", opts.DBName),
	}
}

// Report records st. Repeating the last reported status is a no-op.
func (r *Reporter) Report(ctx context.Context, st Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == st {
		return
	}

	rec := Record{
		TrackerType: r.trackerType,
		DBName:      r.dbName,
		Status:      st,
		RunID:       r.runID,
		PID:         r.pid,
		Host:        r.host,
		UpdatedAt:   time.Now().UTC(),
	}
	err := recovery.Retry(ctx, r.retry, r.logger, "status.upsert", func() error {
		return r.store.Upsert(ctx, rec)
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to update pipeline status", "status", st, "error", err)
		return
	}
	r.last = st
	r.logger.InfoContext(ctx, "Updated pipeline status", "status", st, "pid", r.pid)
}

// Last returns the most recently persisted status.
func (r *Reporter) Last() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Current reads the stored record.
func (r *Reporter) Current(ctx context.Context) (*Record, error) {
	return recovery.RetryValue(ctx, r.retry, r.logger, "status.get", func() (*Record, error) {
		return r.store.Get(ctx, r.trackerType, r.dbName)
	})
}
