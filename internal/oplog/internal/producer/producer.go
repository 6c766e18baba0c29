// Package producer tails the native oplog of every shard of a cluster and ships
// the entries to an ingestor, keeping one checkpoint per shard.
package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/syntrixbase/oplogpipe/internal/oplog/events"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/checkpoint"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/health"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/ingest"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/notify"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/progress"
)

// ErrShardStopped is returned when a shard tail ended while the producer was running.
var ErrShardStopped = errors.New("shard tail stopped unexpectedly")

// Stream is a running shard tail.
type Stream interface {
	Name() string
	Run(ctx context.Context) error
	State() State
	Err() error
	Processed() int64
}

var _ Stream = (*ShardTail)(nil)

// Factory builds the tail of shard sharing the progress map p.
type Factory func(shard Shard, p *progress.Map) (Stream, error)

// Checkpointer persists shard positions under a tracker type.
type Checkpointer interface {
	LoadAll(ctx context.Context, trackerType string) (map[string]events.Position, error)
	Save(ctx context.Context, trackerType, scopeKey string, pos events.Position) error
}

var _ Checkpointer = (*checkpoint.Service)(nil)

// Options configures a Producer.
type Options struct {
	// ProcessType names the producer and is the tracker type of its checkpoints.
	ProcessType string

	PollInterval time.Duration
	StopTimeout  time.Duration

	Notifier notify.Notifier
	Logger   *slog.Logger
}

// Producer supervises one tail per shard.
type Producer struct {
	shards      []Shard
	factory     Factory
	checkpoints Checkpointer
	ingestor    ingest.Ingestor
	progress    *progress.Map
	opts        Options
	logger      *slog.Logger

	mu      sync.RWMutex
	streams []Stream
}

func New(shards []Shard, factory Factory, cp Checkpointer, ing ingest.Ingestor, opts Options) *Producer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 30 * time.Second
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Discard
	}
	return &Producer{
		shards:      shards,
		factory:     factory,
		checkpoints: cp,
		ingestor:    ing,
		progress:    progress.New(),
		opts:        opts,
		logger:      logger.With("component", "producer", "process_type", opts.ProcessType),
	}
}

// Progress exposes the shared progress map.
func (p *Producer) Progress() *progress.Map { return p.progress }

// Run starts a tail per shard and blocks until ctx is canceled (returns nil) or a
// shard tail dies (returns its error). Progress is persisted every poll and on exit.
func (p *Producer) Run(ctx context.Context) error {
	if len(p.shards) == 0 {
		return errors.New("no shards to tail")
	}
	if err := p.restore(ctx); err != nil {
		return err
	}

	streams := make([]Stream, 0, len(p.shards))
	for _, shard := range p.shards {
		s, err := p.factory(shard, p.progress)
		if err != nil {
			return fmt.Errorf("failed to create tail for shard %s: %w", shard.ID, err)
		}
		streams = append(streams, s)
	}
	p.mu.Lock()
	p.streams = streams
	p.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, s := range streams {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Run(runCtx)
		}()
	}
	p.logger.InfoContext(ctx, "Producer started", "shards", len(streams), "ingestor", p.ingestor.Name())

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.stopAll(cancel, &wg)
			err := p.persist(context.WithoutCancel(ctx))
			p.logger.Info("Producer stopped")
			return err
		case <-ticker.C:
		}

		dead := deadStream(streams)
		if dead == nil || ctx.Err() != nil {
			if err := p.persist(ctx); err != nil {
				p.logger.WarnContext(ctx, "Failed to persist shard progress", "error", err)
			}
			continue
		}
		err := dead.Err()
		if err == nil {
			err = ErrShardStopped
		}
		p.logger.ErrorContext(ctx, "Shard tail shut down unexpectedly, stopping all shards", "shard", dead.Name(), "error", err)
		p.stopAll(cancel, &wg)
		if perr := p.persist(ctx); perr != nil {
			p.logger.ErrorContext(ctx, "Failed to persist shard progress", "error", perr)
		}
		p.opts.Notifier.Notify(ctx, notify.TagProducerStopped, notify.SeverityError, map[string]any{
			"process_type": p.opts.ProcessType,
			"shard":        dead.Name(),
			"error":        err.Error(),
		})
		return fmt.Errorf("shard %s: %w", dead.Name(), err)
	}
}

// restore loads saved shard checkpoints into the progress map.
func (p *Producer) restore(ctx context.Context) error {
	saved, err := p.checkpoints.LoadAll(ctx, p.opts.ProcessType)
	if err != nil {
		return err
	}
	for shard, pos := range saved {
		p.progress.SetCheckpoint(shard, pos)
	}
	if primer, ok := p.ingestor.(ingest.Primer); ok {
		if err := primer.Prime(ctx, p.progress); err != nil {
			return err
		}
	}
	p.logger.InfoContext(ctx, "Restored shard progress", "shards", len(saved))
	return nil
}

// persist saves every shard checkpoint of the progress map.
func (p *Producer) persist(ctx context.Context) error {
	var errs []error
	for shard, pos := range p.progress.Checkpoints() {
		if err := p.checkpoints.Save(ctx, p.opts.ProcessType, shard, pos); err != nil {
			errs = append(errs, fmt.Errorf("shard %s: %w", shard, err))
		}
	}
	return errors.Join(errs...)
}

func deadStream(streams []Stream) Stream {
	for _, s := range streams {
		if s.State().Terminal() {
			return s
		}
	}
	return nil
}

func (p *Producer) stopAll(cancel context.CancelFunc, wg *sync.WaitGroup) {
	cancel()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("Stopped all shard tails")
	case <-time.After(p.opts.StopTimeout):
		p.logger.Warn("Timed out waiting for shard tails to stop", "timeout", p.opts.StopTimeout)
	}
}

// Health implements health.Provider.
func (p *Producer) Health() []health.StreamHealth {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]health.StreamHealth, 0, len(p.streams))
	for _, s := range p.streams {
		st := s.State()
		h := health.StreamHealth{
			Name:      s.Name(),
			State:     st.String(),
			Status:    health.StatusOK,
			Processed: s.Processed(),
		}
		switch st {
		case StateStopped, StateFailed:
			h.Status = health.StatusUnhealthy
		case StateStarting:
			h.Status = health.StatusDegraded
		}
		if err := s.Err(); err != nil {
			h.Error = err.Error()
		}
		out = append(out, h)
	}
	return out
}
