// Package tail follows the capped log of one source database and applies the
// entries of a single collection to the sink, dumping the collection first
// when no usable checkpoint exists.
package tail

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/syntrixbase/oplogpipe/internal/oplog/events"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/checkpoint"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/dump"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/handler"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/metrics"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/notify"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/source"
	"github.com/syntrixbase/oplogpipe/pkg/model"
)

// Log is the capped log of the source database.
type Log interface {
	Oldest(ctx context.Context, collection string) (events.Position, bool, error)
	Newest(ctx context.Context, collection string) (events.Position, bool, error)
	Tail(ctx context.Context, from events.Position, await time.Duration) (source.Cursor, error)
}

// Checkpointer loads and saves the position of this stream.
type Checkpointer interface {
	Load(ctx context.Context) (events.Position, bool, error)
	Save(ctx context.Context, pos events.Position) error
}

// Dumper copies the whole collection to the sink.
type Dumper interface {
	Run(ctx context.Context) (dump.Stats, error)
}

var (
	_ Log          = (*source.CappedLog)(nil)
	_ Checkpointer = (*checkpoint.Scoped)(nil)
	_ Dumper       = (*dump.Dumper)(nil)
)

// Options configures a Tail.
type Options struct {
	DB         string
	Collection string

	// CheckpointEvery saves the checkpoint after this many applied entries.
	CheckpointEvery int
	AwaitTimeout    time.Duration
	RecreateDelay   time.Duration
	StopTimeout     time.Duration

	// Lock is held around every checkpoint write. The consumer shares it across its tails.
	Lock sync.Locker

	Notifier notify.Notifier
	Logger   *slog.Logger
}

// Tail is the stream of one source collection.
type Tail struct {
	log         Log
	checkpoints Checkpointer
	handler     *handler.Handler
	dumper      Dumper
	opts        Options
	stream      string
	logger      *slog.Logger

	state   atomic.Int32
	tracker *checkpoint.Tracker

	// lastProcessed is the newest applied entry; zero until the first one.
	lastProcessed events.Position
	processed     atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	err    error
	done   chan struct{}
}

func New(log Log, cp Checkpointer, h *handler.Handler, d Dumper, opts Options) *Tail {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.CheckpointEvery <= 0 {
		opts.CheckpointEvery = 1000
	}
	if opts.AwaitTimeout <= 0 {
		opts.AwaitTimeout = 120 * time.Second
	}
	if opts.RecreateDelay <= 0 {
		opts.RecreateDelay = time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 30 * time.Second
	}
	if opts.Lock == nil {
		opts.Lock = &sync.Mutex{}
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Discard
	}
	stream := opts.DB + "." + opts.Collection
	return &Tail{
		log:         log,
		checkpoints: cp,
		handler:     h,
		dumper:      d,
		opts:        opts,
		stream:      stream,
		logger:      logger.With("component", "tail", "stream", stream),
		tracker:     checkpoint.NewTracker(checkpoint.Policy{EventCount: opts.CheckpointEvery, OnShutdown: true}),
		done:        make(chan struct{}),
	}
}

func (t *Tail) Name() string { return t.stream }

// Processed returns how many entries of the collection were applied.
func (t *Tail) Processed() int64 { return t.processed.Load() }

// Err returns the error that ended the tail, if any.
func (t *Tail) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed when Run returns.
func (t *Tail) Done() <-chan struct{} { return t.done }

// Stop asks a running tail to checkpoint and return.
func (t *Tail) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run blocks until ctx is canceled, Stop is called, or an error ends the stream.
// A clean stop returns nil.
func (t *Tail) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
	defer cancel()
	defer close(t.done)

	t.setState(StateInitializing)
	err := t.run(ctx)
	if err != nil && !model.IsCanceled(err) {
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		t.logger.Error("tail stopped with error", "error", err, "last_processed", t.lastProcessed.String())
		t.setState(StateErrored)
		return err
	}
	t.setState(StateStopped)
	t.logger.Info("tail stopped", "processed", t.processed.Load())
	return nil
}

func (t *Tail) run(ctx context.Context) error {
	from, err := t.start(ctx)
	if err != nil {
		return err
	}
	t.setState(StateTailing)
	return t.follow(ctx, from)
}

// start returns the position tailing begins at, dumping first when the
// checkpoint is missing or older than the retained log.
func (t *Tail) start(ctx context.Context) (events.Position, error) {
	pos, ok, err := t.checkpoints.Load(ctx)
	if err != nil {
		return events.Position{}, err
	}
	if ok {
		stale, err := t.stale(ctx, pos)
		if err != nil {
			return events.Position{}, err
		}
		if !stale {
			t.logger.Info("resuming from checkpoint", "checkpoint", pos.String())
			t.tracker.MarkCheckpointed(pos)
			return pos, nil
		}
		t.logger.Warn("checkpoint is older than the retained log, dumping", "checkpoint", pos.String())
	} else {
		t.logger.Info("no checkpoint, dumping")
	}
	return t.dump(ctx)
}

func (t *Tail) stale(ctx context.Context, pos events.Position) (bool, error) {
	oldest, found, err := t.log.Oldest(ctx, t.opts.Collection)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	return pos.Before(oldest), nil
}

func (t *Tail) dump(ctx context.Context) (events.Position, error) {
	t.setState(StateDumping)

	anchor, found, err := t.log.Newest(ctx, t.opts.Collection)
	if err != nil {
		return events.Position{}, err
	}
	if !found {
		anchor = events.PositionFromTime(time.Now())
	}

	stats, err := t.dumper.Run(ctx)
	if err != nil {
		return events.Position{}, err
	}
	t.logger.Info("dump complete", "anchor", anchor.String(), "documents", stats.Scanned)

	if err := t.saveCheckpoint(ctx, anchor); err != nil {
		return events.Position{}, err
	}
	return anchor, nil
}

// follow reads the log from the given position, recreating the cursor each time
// its await window ends with no data.
func (t *Tail) follow(ctx context.Context, from events.Position) error {
	for {
		err := t.window(ctx, from)
		if err != nil {
			if ctx.Err() != nil {
				return t.shutdown(ctx)
			}
			t.flushOnError(ctx)
			return err
		}
		if ctx.Err() != nil {
			return t.shutdown(ctx)
		}

		if t.tracker.Dirty() {
			if err := t.saveCheckpoint(ctx, t.tracker.Last()); err != nil {
				return err
			}
		}
		metrics.TailRestarts.WithLabelValues(t.stream).Inc()

		select {
		case <-ctx.Done():
			return t.shutdown(ctx)
		case <-time.After(t.opts.RecreateDelay):
		}
		if !t.lastProcessed.IsZero() {
			from = t.lastProcessed
		}
	}
}

// window drains one tailable cursor until its await time passes without data.
func (t *Tail) window(ctx context.Context, from events.Position) error {
	cur, err := t.log.Tail(ctx, from, t.opts.AwaitTimeout)
	if err != nil {
		return err
	}
	defer cur.Close(context.WithoutCancel(ctx))

	for cur.TryNext(ctx) {
		var rec events.CappedEntry
		if err := cur.Decode(&rec); err != nil {
			return fmt.Errorf("decode log entry: %w", err)
		}
		if err := t.process(ctx, &rec); err != nil {
			return err
		}
	}
	return cur.Err()
}

func (t *Tail) process(ctx context.Context, rec *events.CappedEntry) error {
	if rec.Collection != t.opts.Collection {
		return nil
	}
	pos := events.PositionFromID(rec.ID)
	if !t.lastProcessed.IsZero() && !t.lastProcessed.Before(pos) {
		return nil
	}

	entry, err := rec.Entry(t.opts.DB)
	if err != nil {
		t.logger.Warn("skipping undecodable log entry", "position", pos.String(), "error", err)
		metrics.EntriesSkipped.WithLabelValues(t.stream, "invalid").Inc()
	} else if err := t.apply(ctx, entry); err != nil {
		return fmt.Errorf("apply %s entry %s: %w", entry.Op, pos, err)
	}

	t.lastProcessed = pos
	t.processed.Add(1)
	if t.tracker.RecordEvent(pos) {
		return t.saveCheckpoint(ctx, pos)
	}
	return nil
}

func (t *Tail) apply(ctx context.Context, e *events.Entry) error {
	rawID, err := e.DocID()
	if err != nil {
		t.logger.Warn("skipping entry without document id", "position", e.Position.String(), "op", e.Op)
		metrics.EntriesSkipped.WithLabelValues(t.stream, "missing_id").Inc()
		return nil
	}

	switch e.Op {
	case events.OperationDelete:
		id, err := model.ValueOf(rawID)
		if err != nil {
			return err
		}
		if err := t.handler.Manager().Remove(ctx, id); err != nil {
			return err
		}
	case events.OperationInsert:
		if err := t.handler.UpsertDoc(ctx, rawID, t.handler.Prepare(e.Document)); err != nil {
			return err
		}
	case events.OperationUpdate:
		applied, err := t.update(ctx, rawID, e.Document)
		if err != nil {
			t.logger.Warn("update failed, re-fetching document", "id", rawID, "error", err)
			if err := t.handler.UpsertDoc(ctx, rawID, nil); err != nil {
				return err
			}
		} else if !applied {
			metrics.EntriesSkipped.WithLabelValues(t.stream, "excluded_fields").Inc()
			return nil
		}
	}
	metrics.EntriesProcessed.WithLabelValues(t.stream, string(e.Op)).Inc()
	return nil
}

// update applies the filtered spec. applied is false when only excluded fields changed.
func (t *Tail) update(ctx context.Context, rawID any, raw bson.D) (applied bool, err error) {
	f := t.handler.Formatter()
	spec, err := f.FilterUpdate(t.opts.Collection, f.Format(raw))
	if err != nil {
		return false, err
	}
	if spec == nil {
		return false, nil
	}
	id, err := model.ValueOf(rawID)
	if err != nil {
		return false, err
	}
	if err := t.handler.Manager().Update(ctx, id, spec); err != nil {
		return false, err
	}
	return true, nil
}

func (t *Tail) saveCheckpoint(ctx context.Context, pos events.Position) error {
	t.opts.Lock.Lock()
	defer t.opts.Lock.Unlock()

	if err := t.checkpoints.Save(ctx, pos); err != nil {
		t.opts.Notifier.Notify(ctx, notify.TagCheckpointFailed, notify.SeverityError, map[string]any{
			"stream":   t.stream,
			"position": pos.String(),
			"error":    err.Error(),
		})
		return err
	}
	t.tracker.MarkCheckpointed(pos)
	return nil
}

// shutdown persists unsaved progress after cancellation.
func (t *Tail) shutdown(ctx context.Context) error {
	t.setState(StateStopping)
	if !t.tracker.ShouldCheckpointOnShutdown() {
		return nil
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.opts.StopTimeout)
	defer cancel()
	if err := t.saveCheckpoint(saveCtx, t.tracker.Last()); err != nil {
		return fmt.Errorf("save checkpoint on stop: %w", err)
	}
	return nil
}

// flushOnError records the last applied entry so a restart does not redo it.
func (t *Tail) flushOnError(ctx context.Context) {
	if !t.tracker.Dirty() {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.opts.StopTimeout)
	defer cancel()
	if err := t.saveCheckpoint(saveCtx, t.tracker.Last()); err != nil {
		t.logger.Error("failed to save checkpoint after error", "error", err)
	}
}
