// Package dump copies a whole source collection to the sink with a scanning
// coordinator feeding a fixed pool of bulk-upsert workers.
package dump

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/sync/errgroup"

	"github.com/syntrixbase/oplogpipe/internal/oplog/config"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/docmanager"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/notify"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/recovery"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/source"
	"github.com/syntrixbase/oplogpipe/pkg/model"
)

var (
	// ErrQueueStuck is returned when a worker queue stayed full for every put attempt.
	ErrQueueStuck = errors.New("dump worker queue stuck")

	errWorkerStopped = errors.New("dump worker stopped")
)

// Source is the ordered scan over the collection being dumped.
type Source interface {
	Scan(ctx context.Context, after any) (source.Cursor, error)
}

// Handler prepares scanned documents and re-upserts documents a bulk write rejected.
type Handler interface {
	Prepare(raw bson.D) *model.Document
	UpsertDoc(ctx context.Context, id any, doc *model.Document) error
}

// Options tunes a Dumper. Zero fields take the defaults of config.DumpConfig.
type Options struct {
	DB         string
	Collection string

	Workers           int
	BatchSize         int
	PutTimeout        time.Duration
	PutAttempts       int
	PollInterval      time.Duration
	IdleAlertAfter    time.Duration
	DrainTimeout      time.Duration
	ScanRetries       int
	ScanRetryInterval time.Duration
	Random            bool
}

// OptionsFromConfig copies the dump section of the pipeline config.
func OptionsFromConfig(db, collection string, cfg config.DumpConfig) Options {
	return Options{
		DB:                db,
		Collection:        collection,
		Workers:           cfg.Workers,
		BatchSize:         cfg.BatchSize,
		PutTimeout:        cfg.PutTimeout,
		PutAttempts:       cfg.PutAttempts,
		PollInterval:      cfg.PollInterval,
		IdleAlertAfter:    cfg.IdleAlertAfter,
		DrainTimeout:      cfg.DrainTimeout,
		ScanRetries:       cfg.ScanRetries,
		ScanRetryInterval: cfg.ScanRetryInterval,
		Random:            cfg.Random,
	}
}

func (o *Options) applyDefaults() {
	d := config.DefaultConfig().Dump
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.PutTimeout <= 0 {
		o.PutTimeout = d.PutTimeout
	}
	if o.PutAttempts <= 0 {
		o.PutAttempts = d.PutAttempts
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.IdleAlertAfter <= 0 {
		o.IdleAlertAfter = d.IdleAlertAfter
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = d.DrainTimeout
	}
	if o.ScanRetries <= 0 {
		o.ScanRetries = d.ScanRetries
	}
	if o.ScanRetryInterval <= 0 {
		o.ScanRetryInterval = d.ScanRetryInterval
	}
}

// Stats summarizes one dump run.
type Stats struct {
	Scanned   int64
	Upserted  int64
	Refetched int64
	// Watermarks holds the last id dispatched to each worker.
	Watermarks []any
}

// Dumper runs one parallel dump. It is not reusable.
type Dumper struct {
	src      Source
	manager  docmanager.Manager
	handler  Handler
	notifier notify.Notifier
	opts     Options
	logger   *slog.Logger

	workers []*worker
	next    int

	mu         sync.Mutex
	watermarks []any

	scanned   atomic.Int64
	upserted  atomic.Int64
	refetched atomic.Int64
}

func New(src Source, mgr docmanager.Manager, h Handler, n notify.Notifier, opts Options, logger *slog.Logger) *Dumper {
	if logger == nil {
		logger = slog.Default()
	}
	if n == nil {
		n = notify.Discard
	}
	opts.applyDefaults()
	d := &Dumper{
		src:        src,
		manager:    mgr,
		handler:    h,
		notifier:   n,
		opts:       opts,
		logger:     logger.With("component", "dump", "db", opts.DB, "collection", opts.Collection),
		watermarks: make([]any, opts.Workers),
	}
	for i := 0; i < opts.Workers; i++ {
		d.workers = append(d.workers, newWorker(d, i))
	}
	return d
}

// Run scans the collection and blocks until every worker has drained its queue.
func (d *Dumper) Run(ctx context.Context) (Stats, error) {
	started := time.Now()
	d.logger.InfoContext(ctx, "Starting collection dump", "workers", d.opts.Workers, "batch_size", d.opts.BatchSize)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	g, gctx := errgroup.WithContext(workerCtx)
	for _, w := range d.workers {
		g.Go(func() error { return w.run(gctx) })
	}

	scanErr := d.scan(gctx)
	for _, w := range d.workers {
		close(w.queue)
	}
	if scanErr != nil {
		d.logger.ErrorContext(ctx, "Dump scan failed, stopping workers", "error", scanErr)
		stopWorkers()
	}

	waitErr := d.wait(ctx, g, stopWorkers)
	stats := d.stats()

	err := errors.Join(scanErr, waitErr)
	if err != nil {
		d.notifier.Notify(ctx, notify.TagBulkDumpFailed, notify.SeverityError, map[string]any{
			"db":         d.opts.DB,
			"collection": d.opts.Collection,
			"scanned":    stats.Scanned,
			"error":      err.Error(),
		})
		return stats, fmt.Errorf("dump %s.%s: %w", d.opts.DB, d.opts.Collection, err)
	}

	d.logger.InfoContext(ctx, "Collection dump finished",
		"scanned", stats.Scanned,
		"upserted", stats.Upserted,
		"refetched", stats.Refetched,
		"duration", time.Since(started))
	return stats, nil
}

// wait blocks until the worker group returns or the drain timeout elapses.
// On timeout the workers are cancelled and the dump counts as finished.
func (d *Dumper) wait(ctx context.Context, g *errgroup.Group, stopWorkers context.CancelFunc) error {
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	timer := time.NewTimer(d.opts.DrainTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		d.logger.ErrorContext(ctx, "Dump workers did not finish in time, proceeding", "timeout", d.opts.DrainTimeout)
		stopWorkers()
		return nil
	}
}

func (d *Dumper) stats() Stats {
	d.mu.Lock()
	marks := append([]any(nil), d.watermarks...)
	d.mu.Unlock()
	return Stats{
		Scanned:    d.scanned.Load(),
		Upserted:   d.upserted.Load(),
		Refetched:  d.refetched.Load(),
		Watermarks: marks,
	}
}

// scan reads the collection in _id order, reopening the cursor after the last
// dispatched id when a transient error interrupts it.
func (d *Dumper) scan(ctx context.Context) error {
	var after any
	failures := 0
	for {
		err := d.scanFrom(ctx, &after)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !recovery.IsTransient(err) {
			return err
		}
		failures++
		if failures >= d.opts.ScanRetries {
			return fmt.Errorf("scan failed after %d attempts: %w", failures, err)
		}
		d.logger.WarnContext(ctx, "Dump scan interrupted, resuming", "after", after, "attempt", failures, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.opts.ScanRetryInterval):
		}
	}
}

func (d *Dumper) scanFrom(ctx context.Context, after *any) error {
	cur, err := d.src.Scan(ctx, *after)
	if err != nil {
		return err
	}
	defer cur.Close(context.WithoutCancel(ctx))

	for cur.Next(ctx) {
		var raw bson.D
		if err := cur.Decode(&raw); err != nil {
			return fmt.Errorf("decode scanned document: %w", err)
		}
		id, ok := rawID(raw)
		if !ok {
			d.logger.WarnContext(ctx, "Skipping scanned document without _id")
			continue
		}

		w := d.pick()
		if err := w.put(ctx, d.handler.Prepare(raw)); err != nil {
			return err
		}

		d.mu.Lock()
		d.watermarks[w.id] = id
		d.mu.Unlock()
		*after = id
		d.scanned.Add(1)
	}
	return cur.Err()
}

func (d *Dumper) pick() *worker {
	if d.opts.Random {
		return d.workers[rand.IntN(len(d.workers))]
	}
	w := d.workers[d.next]
	d.next = (d.next + 1) % len(d.workers)
	return w
}

func rawID(raw bson.D) (any, bool) {
	for _, e := range raw {
		if e.Key == model.IDField {
			return e.Value, true
		}
	}
	return nil, false
}
