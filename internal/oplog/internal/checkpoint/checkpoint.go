// Package checkpoint persists the last processed position of each logical stream.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/syntrixbase/oplogpipe/internal/oplog/events"
)

var ErrClosed = errors.New("checkpoint store is closed")

// Record is one persisted checkpoint, unique per (TrackerType, ScopeKey).
type Record struct {
	TrackerType string          `bson:"tracker_type"`
	ScopeKey    string          `bson:"scope_key"`
	Checkpoint  events.Position `bson:"checkpoint"`
	UpdatedAt   time.Time       `bson:"updated_at"`
	// GenerationTime is the wall-clock time embedded in Checkpoint.
	GenerationTime time.Time `bson:"generation_time,omitempty"`
}

// Store defines the interface for persisting checkpoints.
type Store interface {
	// Load returns nil, nil when no checkpoint exists.
	Load(ctx context.Context, trackerType, scopeKey string) (*Record, error)

	// Save upserts the record keyed by (TrackerType, ScopeKey).
	Save(ctx context.Context, rec Record) error

	// List returns every record of trackerType.
	List(ctx context.Context, trackerType string) ([]Record, error)
}

// Policy defines when a stream saves its checkpoint.
type Policy struct {
	// Event-based: checkpoint every N processed entries. 0 disables.
	EventCount int

	// Time-based: checkpoint when this much time passed since the last save. 0 disables.
	Interval time.Duration

	// Always checkpoint on graceful shutdown
	OnShutdown bool
}

// DefaultPolicy returns the production cadence.
func DefaultPolicy() Policy {
	return Policy{
		EventCount: 1000,
		OnShutdown: true,
	}
}

// Tracker counts processed entries of one stream and decides when to checkpoint.
// It is owned by a single goroutine.
type Tracker struct {
	policy         Policy
	lastCheckpoint time.Time
	eventsSince    int
	last           events.Position
	saved          events.Position
}

func NewTracker(policy Policy) *Tracker {
	return &Tracker{
		policy:         policy,
		lastCheckpoint: time.Now(),
	}
}

// RecordEvent records a processed position and returns true if a checkpoint should be saved.
func (t *Tracker) RecordEvent(pos events.Position) bool {
	t.last = pos
	t.eventsSince++

	if t.policy.EventCount > 0 && t.eventsSince >= t.policy.EventCount {
		return true
	}
	if t.policy.Interval > 0 && time.Since(t.lastCheckpoint) >= t.policy.Interval {
		return true
	}
	return false
}

// MarkCheckpointed records that pos was persisted.
func (t *Tracker) MarkCheckpointed(pos events.Position) {
	t.lastCheckpoint = time.Now()
	t.eventsSince = 0
	t.saved = pos
}

// Last returns the most recently recorded position.
func (t *Tracker) Last() events.Position {
	return t.last
}

// Dirty reports whether positions were recorded since the last save.
func (t *Tracker) Dirty() bool {
	return !t.last.IsZero() && t.last.Compare(t.saved) != 0
}

// ShouldCheckpointOnShutdown returns true if unsaved progress should be flushed on shutdown.
func (t *Tracker) ShouldCheckpointOnShutdown() bool {
	return t.policy.OnShutdown && t.Dirty()
}
