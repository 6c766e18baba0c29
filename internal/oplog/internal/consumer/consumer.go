// Package consumer runs one tail per configured collection of a database and
// stops the whole group as soon as any of them dies.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/health"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/notify"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/status"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/tail"
)

// ErrStreamStopped is returned when a stream ended while the consumer was running.
var ErrStreamStopped = errors.New("stream stopped unexpectedly")

// Stream is a running collection tail.
type Stream interface {
	Name() string
	Run(ctx context.Context) error
	State() tail.State
	Err() error
	Processed() int64
}

var _ Stream = (*tail.Tail)(nil)

// Factory builds the stream of collection. lock must guard its checkpoint writes.
type Factory func(collection string, lock sync.Locker) (Stream, error)

// StatusReporter records the consumer status.
type StatusReporter interface {
	Report(ctx context.Context, st status.Status)
}

// Options configures a Consumer.
type Options struct {
	DBName      string
	Collections []string

	PollInterval time.Duration
	StopTimeout  time.Duration

	Notifier notify.Notifier
	Status   StatusReporter
	Logger   *slog.Logger
}

// Consumer supervises the streams of one pipeline config.
type Consumer struct {
	opts    Options
	factory Factory
	logger  *slog.Logger

	// checkpointMu serializes checkpoint writes of all streams.
	checkpointMu sync.Mutex

	mu      sync.RWMutex
	streams []Stream
}

func New(factory Factory, opts Options) *Consumer {
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
	if opts.Status == nil {
		opts.Status = nopStatus{}
	}
	return &Consumer{
		opts:    opts,
		factory: factory,
		logger:  logger.With("component", "consumer", "db", opts.DBName),
	}
}

type nopStatus struct{}

func (nopStatus) Report(context.Context, status.Status) {}

// Run starts every stream and blocks until ctx is canceled (returns nil) or a
// stream dies (returns its error).
func (c *Consumer) Run(ctx context.Context) error {
	c.opts.Status.Report(ctx, status.Started)

	streams := make([]Stream, 0, len(c.opts.Collections))
	for _, coll := range c.opts.Collections {
		s, err := c.factory(coll, &c.checkpointMu)
		if err != nil {
			c.opts.Status.Report(ctx, status.FailedToStart)
			return fmt.Errorf("failed to create stream for %s: %w", coll, err)
		}
		streams = append(streams, s)
	}
	c.mu.Lock()
	c.streams = streams
	c.mu.Unlock()

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
	c.logger.InfoContext(ctx, "Consumer started", "streams", len(streams))

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		c.reportProgress(ctx, streams)

		select {
		case <-ctx.Done():
			c.stopAll(cancel, &wg)
			c.opts.Status.Report(context.WithoutCancel(ctx), status.Stopped)
			c.logger.Info("Consumer stopped")
			return nil
		case <-ticker.C:
		}

		dead := deadStream(streams)
		if dead == nil || ctx.Err() != nil {
			continue
		}
		err := dead.Err()
		if err == nil {
			err = ErrStreamStopped
		}
		c.logger.ErrorContext(ctx, "Stream shut down unexpectedly, stopping all streams", "stream", dead.Name(), "error", err)
		c.stopAll(cancel, &wg)
		c.opts.Notifier.Notify(ctx, notify.TagConsumerStopped, notify.SeverityError, map[string]any{
			"db":     c.opts.DBName,
			"stream": dead.Name(),
			"error":  err.Error(),
		})
		c.opts.Status.Report(ctx, status.Error)
		return fmt.Errorf("stream %s: %w", dead.Name(), err)
	}
}

func deadStream(streams []Stream) Stream {
	for _, s := range streams {
		if s.State().Terminal() {
			return s
		}
	}
	return nil
}

// reportProgress reports INITIAL_IMPORT while any stream dumps and RUNNING once all tail.
func (c *Consumer) reportProgress(ctx context.Context, streams []Stream) {
	tailing := 0
	for _, s := range streams {
		switch s.State() {
		case tail.StateDumping:
			c.opts.Status.Report(ctx, status.InitialImport)
			return
		case tail.StateTailing:
			tailing++
		}
	}
	if tailing == len(streams) && tailing > 0 {
		c.opts.Status.Report(ctx, status.Running)
	}
}

// stopAll cancels every stream and waits for them up to StopTimeout.
func (c *Consumer) stopAll(cancel context.CancelFunc, wg *sync.WaitGroup) {
	cancel()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.Info("Stopped all streams")
	case <-time.After(c.opts.StopTimeout):
		c.logger.Warn("Timed out waiting for streams to stop", "timeout", c.opts.StopTimeout)
	}
}

// Health implements health.Provider.
func (c *Consumer) Health() []health.StreamHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]health.StreamHealth, 0, len(c.streams))
	for _, s := range c.streams {
		st := s.State()
		h := health.StreamHealth{
			Name:      s.Name(),
			State:     st.String(),
			Status:    health.StatusOK,
			Processed: s.Processed(),
		}
		switch st {
		case tail.StateErrored, tail.StateStopped:
			h.Status = health.StatusUnhealthy
		case tail.StateInitializing, tail.StateDumping:
			h.Status = health.StatusDegraded
		}
		if err := s.Err(); err != nil {
			h.Error = err.Error()
		}
		out = append(out, h)
	}
	return out
}
