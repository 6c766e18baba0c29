package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/syntrixbase/oplogpipe/internal/oplog/events"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/metrics"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/recovery"
)

// ServiceOptions configures a Service.
type ServiceOptions struct {
	Retry  recovery.Policy
	Logger *slog.Logger
}

type scope struct {
	trackerType string
	scopeKey    string
}

// Service wraps a Store with retries and keeps positions monotonic per scope.
// It is safe for concurrent use.
type Service struct {
	store  Store
	retry  recovery.Policy
	logger *slog.Logger

	mu   sync.Mutex
	high map[scope]events.Position
}

func NewService(store Store, opts ServiceOptions) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Retry.Attempts == 0 {
		opts.Retry = recovery.Policy{Attempts: 5, Interval: 30 * time.Second}
	}
	return &Service{
		store:  store,
		retry:  opts.Retry,
		logger: logger.With("component", "checkpoint"),
		high:   make(map[scope]events.Position),
	}
}

// Load returns the saved position, ok=false when none exists.
func (s *Service) Load(ctx context.Context, trackerType, scopeKey string) (events.Position, bool, error) {
	rec, err := recovery.RetryValue(ctx, s.retry, s.logger, "checkpoint.load", func() (*Record, error) {
		return s.store.Load(ctx, trackerType, scopeKey)
	})
	if err != nil {
		return events.Position{}, false, fmt.Errorf("load checkpoint %s/%s: %w", trackerType, scopeKey, err)
	}
	if rec == nil {
		return events.Position{}, false, nil
	}

	s.mu.Lock()
	key := scope{trackerType, scopeKey}
	if rec.Checkpoint.Compare(s.high[key]) > 0 {
		s.high[key] = rec.Checkpoint
	}
	s.mu.Unlock()
	return rec.Checkpoint, true, nil
}

// LoadAll returns every saved position of trackerType keyed by scope.
func (s *Service) LoadAll(ctx context.Context, trackerType string) (map[string]events.Position, error) {
	recs, err := recovery.RetryValue(ctx, s.retry, s.logger, "checkpoint.list", func() ([]Record, error) {
		return s.store.List(ctx, trackerType)
	})
	if err != nil {
		return nil, fmt.Errorf("list checkpoints %s: %w", trackerType, err)
	}
	out := make(map[string]events.Position, len(recs))
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs {
		out[rec.ScopeKey] = rec.Checkpoint
		key := scope{trackerType, rec.ScopeKey}
		if rec.Checkpoint.Compare(s.high[key]) > 0 {
			s.high[key] = rec.Checkpoint
		}
	}
	return out, nil
}

// Save persists pos. A position older than one already saved through this Service is
// refused with a warning so a stream never moves backwards.
func (s *Service) Save(ctx context.Context, trackerType, scopeKey string, pos events.Position) error {
	if pos.IsZero() {
		return nil
	}
	key := scope{trackerType, scopeKey}

	s.mu.Lock()
	high := s.high[key]
	s.mu.Unlock()
	if pos.Before(high) {
		s.logger.WarnContext(ctx, "refusing checkpoint regression",
			"tracker_type", trackerType,
			"scope", scopeKey,
			"position", pos.String(),
			"saved", high.String(),
		)
		return nil
	}

	rec := Record{
		TrackerType:    trackerType,
		ScopeKey:       scopeKey,
		Checkpoint:     pos,
		UpdatedAt:      time.Now().UTC(),
		GenerationTime: pos.Time(),
	}
	err := recovery.Retry(ctx, s.retry, s.logger, "checkpoint.save", func() error {
		return s.store.Save(ctx, rec)
	})
	if err != nil {
		return fmt.Errorf("save checkpoint %s/%s: %w", trackerType, scopeKey, err)
	}

	s.mu.Lock()
	if pos.Compare(s.high[key]) > 0 {
		s.high[key] = pos
	}
	s.mu.Unlock()

	metrics.CheckpointsSaved.WithLabelValues(trackerType).Inc()
	metrics.CheckpointLag.WithLabelValues(trackerType, scopeKey).Set(time.Since(pos.Time()).Seconds())
	s.logger.DebugContext(ctx, "checkpoint saved", "tracker_type", trackerType, "scope", scopeKey, "position", pos.String())
	return nil
}

// Scope binds the Service to one stream.
func (s *Service) Scope(trackerType, scopeKey string) *Scoped {
	return &Scoped{svc: s, trackerType: trackerType, scopeKey: scopeKey}
}

// Scoped is a Service bound to a single (tracker type, scope key) pair.
type Scoped struct {
	svc         *Service
	trackerType string
	scopeKey    string
}

func (s *Scoped) Load(ctx context.Context) (events.Position, bool, error) {
	return s.svc.Load(ctx, s.trackerType, s.scopeKey)
}

func (s *Scoped) Save(ctx context.Context, pos events.Position) error {
	return s.svc.Save(ctx, s.trackerType, s.scopeKey, pos)
}
