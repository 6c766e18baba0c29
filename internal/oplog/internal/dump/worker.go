package dump

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/metrics"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/notify"
	"github.com/syntrixbase/oplogpipe/pkg/model"
)

type worker struct {
	d     *Dumper
	id    int
	queue chan *model.Document
	done  chan struct{}
	label string
}

func newWorker(d *Dumper, id int) *worker {
	return &worker{
		d:     d,
		id:    id,
		queue: make(chan *model.Document, 3*d.opts.BatchSize),
		done:  make(chan struct{}),
		label: strconv.Itoa(id),
	}
}

// put blocks until the queue accepts doc. Every PutTimeout spent waiting sends
// BULK_DUMP_STUCK; after PutAttempts waits it gives up.
func (w *worker) put(ctx context.Context, doc *model.Document) error {
	opts := w.d.opts
	for attempt := 1; attempt <= opts.PutAttempts; attempt++ {
		timer := time.NewTimer(opts.PutTimeout)
		select {
		case w.queue <- doc:
			timer.Stop()
			metrics.QueueDepth.WithLabelValues(opts.Collection, w.label).Set(float64(len(w.queue)))
			return nil
		case <-w.done:
			timer.Stop()
			return fmt.Errorf("%w: worker %d", errWorkerStopped, w.id)
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			w.d.logger.WarnContext(ctx, "Dump worker queue full", "worker", w.id, "attempt", attempt, "waited", opts.PutTimeout)
			w.d.notifier.Notify(ctx, notify.TagBulkDumpStuck, notify.SeverityWarning, map[string]any{
				"db":         opts.DB,
				"collection": opts.Collection,
				"worker":     w.id,
				"attempt":    attempt,
			})
		}
	}
	return fmt.Errorf("%w: worker %d after %d attempts", ErrQueueStuck, w.id, opts.PutAttempts)
}

// run drains the queue in batches until it is closed and empty.
func (w *worker) run(ctx context.Context) error {
	defer close(w.done)

	opts := w.d.opts
	batch := make([]*model.Document, 0, opts.BatchSize)
	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()
	lastData := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case doc, ok := <-w.queue:
			if !ok {
				return w.flush(ctx, batch)
			}
			lastData = time.Now()
			batch = append(batch, doc)
			if len(batch) >= opts.BatchSize {
				if err := w.flush(ctx, batch); err != nil {
					return err
				}
				batch = batch[:0]
			}
			metrics.QueueDepth.WithLabelValues(opts.Collection, w.label).Set(float64(len(w.queue)))
		case <-ticker.C:
			if len(batch) > 0 {
				if err := w.flush(ctx, batch); err != nil {
					return err
				}
				batch = batch[:0]
			}
			if idle := time.Since(lastData); idle >= opts.IdleAlertAfter {
				w.d.logger.WarnContext(ctx, "Dump worker waiting for data", "worker", w.id, "idle", idle)
				w.d.notifier.Notify(ctx, notify.TagBulkDumpWaiting, notify.SeverityWarning, map[string]any{
					"db":         opts.DB,
					"collection": opts.Collection,
					"worker":     w.id,
				})
				lastData = time.Now()
			}
		}
	}
}

func (w *worker) flush(ctx context.Context, batch []*model.Document) error {
	if len(batch) == 0 {
		return nil
	}
	coll := w.d.opts.Collection

	failed, err := w.d.manager.BulkUpsert(ctx, batch)
	if err != nil {
		return fmt.Errorf("worker %d bulk upsert: %w", w.id, err)
	}
	written := len(batch) - len(failed)
	w.d.upserted.Add(int64(written))
	metrics.DumpDocuments.WithLabelValues(coll).Add(float64(written))

	if len(failed) > 0 {
		w.d.logger.WarnContext(ctx, "Bulk upsert rejected documents, re-fetching", "worker", w.id, "count", len(failed))
		metrics.DumpBulkFailures.WithLabelValues(coll).Add(float64(len(failed)))
	}
	for _, id := range failed {
		if err := w.d.handler.UpsertDoc(ctx, id.Interface(), nil); err != nil {
			return fmt.Errorf("worker %d re-upsert %v: %w", w.id, id, err)
		}
		w.d.refetched.Add(1)
		w.d.upserted.Add(1)
		metrics.DumpDocuments.WithLabelValues(coll).Inc()
	}
	return nil
}
