package producer

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/syntrixbase/oplogpipe/internal/oplog/events"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/ingest"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/metrics"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/notify"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/progress"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/source"
	"github.com/syntrixbase/oplogpipe/pkg/model"
)

// Oplog is the native replication log of one shard.
type Oplog interface {
	Newest(ctx context.Context) (events.Position, bool, error)
	Tail(ctx context.Context, from events.Position, await time.Duration) (source.Cursor, error)
}

var _ Oplog = (*source.NativeOplog)(nil)

// State is the lifecycle stage of a ShardTail.
type State int32

const (
	StateStarting State = iota
	StateTailing
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "STARTING"
	case StateTailing:
		return "TAILING"
	case StateStopped:
		return "STOPPED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

func (s State) Terminal() bool { return s == StateStopped || s == StateFailed }

// systemDatabases are never ingested.
var systemDatabases = []string{"admin", "local", "config"}

// ShardOptions configures a ShardTail.
type ShardOptions struct {
	ShardID string

	// BatchSize flushes a batch once this many entries were read, filtered ones included.
	BatchSize     int
	AwaitTimeout  time.Duration
	RecreateDelay time.Duration

	// ExcludeDatabases are skipped in addition to the system databases.
	// The capped log database belongs here when it lives on the tailed cluster.
	ExcludeDatabases []string

	Notifier notify.Notifier
	Logger   *slog.Logger
}

// ShardTail ships the oplog of one shard to an ingestor.
type ShardTail struct {
	oplog    Oplog
	ingestor ingest.Ingestor
	progress *progress.Map
	opts     ShardOptions
	logger   *slog.Logger

	// handled is the newest entry already ingested or filtered by this process.
	handled   primitive.Timestamp
	state     atomic.Int32
	processed atomic.Int64

	mu  sync.Mutex
	err error
}

func NewShardTail(oplog Oplog, ing ingest.Ingestor, p *progress.Map, opts ShardOptions) *ShardTail {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	if opts.AwaitTimeout <= 0 {
		opts.AwaitTimeout = 120 * time.Second
	}
	if opts.RecreateDelay <= 0 {
		opts.RecreateDelay = time.Second
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Discard
	}
	return &ShardTail{
		oplog:    oplog,
		ingestor: ing,
		progress: p,
		opts:     opts,
		logger:   logger.With("component", "shard-tail", "shard", opts.ShardID),
	}
}

func (s *ShardTail) Name() string { return s.opts.ShardID }

func (s *ShardTail) State() State { return State(s.state.Load()) }

// Processed returns how many entries were ingested.
func (s *ShardTail) Processed() int64 { return s.processed.Load() }

func (s *ShardTail) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Run tails until ctx is canceled (returns nil) or tailing fails.
func (s *ShardTail) Run(ctx context.Context) error {
	s.state.Store(int32(StateStarting))
	err := s.follow(ctx)
	if err == nil || model.IsCanceled(err) || ctx.Err() != nil {
		s.state.Store(int32(StateStopped))
		s.logger.Info("Shard tail stopped", "processed", s.processed.Load())
		return nil
	}

	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.state.Store(int32(StateFailed))
	s.logger.Error("Shard tail failed", "error", err)
	s.opts.Notifier.Notify(ctx, notify.TagShardTailFailed, notify.SeverityError, map[string]any{
		"shard": s.opts.ShardID,
		"error": err.Error(),
	})
	return err
}

func (s *ShardTail) follow(ctx context.Context) error {
	for {
		from, err := s.checkpoint(ctx)
		if err != nil {
			return err
		}
		if s.State() == StateStarting {
			s.logger.Info("Tailing shard", "from", from.String())
			s.state.Store(int32(StateTailing))
		}
		if err := s.window(ctx, from); err != nil {
			return err
		}
		metrics.TailRestarts.WithLabelValues(s.opts.ShardID).Inc()

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.opts.RecreateDelay):
		}
	}
}

// checkpoint returns the saved shard position, or the newest oplog entry for a new shard.
func (s *ShardTail) checkpoint(ctx context.Context) (events.Position, error) {
	if pos, ok := s.progress.Checkpoint(s.opts.ShardID); ok {
		return pos, nil
	}
	pos, _, err := s.oplog.Newest(ctx)
	if err != nil {
		return events.Position{}, err
	}
	return pos, nil
}

// window reads one tailable cursor until its await time passes without data.
// The checkpoint advances only after the batch before it was ingested.
func (s *ShardTail) window(ctx context.Context, from events.Position) error {
	cur, err := s.oplog.Tail(ctx, from, s.opts.AwaitTimeout)
	if err != nil {
		return fmt.Errorf("open oplog cursor: %w", err)
	}
	defer cur.Close(context.WithoutCancel(ctx))

	var (
		batch []*events.NativeEntry
		count int
		last  primitive.Timestamp
	)
	for cur.TryNext(ctx) {
		e := &events.NativeEntry{}
		if err := cur.Decode(e); err != nil {
			return fmt.Errorf("decode oplog entry: %w", err)
		}
		if !s.handled.IsZero() && e.TS.Compare(s.handled) <= 0 {
			continue
		}
		if e.FromMigrate || !e.Op.IsValid() {
			continue
		}
		ns, err := events.ParseNamespace(e.NS)
		if err != nil {
			continue
		}

		if count >= s.opts.BatchSize {
			if err := s.flush(ctx, batch, e.TS, last); err != nil {
				return err
			}
			batch, count = nil, 0
		}
		count++
		last = e.TS
		if s.filtered(ns.DB) {
			continue
		}
		batch = append(batch, e)
	}
	if err := cur.Err(); err != nil {
		return fmt.Errorf("oplog cursor: %w", err)
	}
	if count > 0 {
		return s.flush(ctx, batch, last, last)
	}
	return nil
}

// flush ingests batch and then moves the shard checkpoint to next.
// handled is the newest entry covered by the batch.
func (s *ShardTail) flush(ctx context.Context, batch []*events.NativeEntry, next, handled primitive.Timestamp) error {
	if len(batch) > 0 {
		if err := s.ingestor.IngestBatch(ctx, s.opts.ShardID, batch, s.progress); err != nil {
			return fmt.Errorf("ingest batch of %d: %w", len(batch), err)
		}
		for _, e := range batch {
			metrics.EntriesProcessed.WithLabelValues(s.opts.ShardID, string(e.Op)).Inc()
		}
		total := s.processed.Add(int64(len(batch)))
		s.logger.Debug("Batch ingested", "entries", len(batch), "total", total)
	}
	s.progress.SetCheckpoint(s.opts.ShardID, events.PositionFromTimestamp(next))
	s.handled = handled
	return nil
}

func (s *ShardTail) filtered(db string) bool {
	return slices.Contains(systemDatabases, db) || slices.Contains(s.opts.ExcludeDatabases, db)
}
