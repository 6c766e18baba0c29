package dump

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/syntrixbase/oplogpipe/internal/oplog/config"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/docmanager"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/formatter"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/notify"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/source"
	"github.com/syntrixbase/oplogpipe/pkg/model"
)

// sliceCursor serves docs in order. It fails with err once failAt documents were served.
type sliceCursor struct {
	docs   []bson.D
	pos    int
	cur    bson.D
	failAt int
	err    error
	delay  time.Duration
}

func (c *sliceCursor) Next(ctx context.Context) bool {
	if c.delay > 0 && c.pos == 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			c.err = ctx.Err()
			return false
		}
	}
	if c.failAt > 0 && c.pos == c.failAt && c.err != nil {
		return false
	}
	if c.pos >= len(c.docs) {
		c.err = nil
		return false
	}
	c.cur = c.docs[c.pos]
	c.pos++
	return true
}

func (c *sliceCursor) TryNext(ctx context.Context) bool { return c.Next(ctx) }
func (c *sliceCursor) Decode(v any) error {
	*(v.(*bson.D)) = c.cur
	return nil
}
func (c *sliceCursor) Err() error                  { return c.err }
func (c *sliceCursor) ID() int64                   { return 0 }
func (c *sliceCursor) Close(context.Context) error { return nil }

// fakeSource scans docs sorted by int32 _id. The first scan fails after failAt documents.
type fakeSource struct {
	mu     sync.Mutex
	docs   []bson.D
	failAt int
	delay  time.Duration
	afters []any
}

func (s *fakeSource) Scan(_ context.Context, after any) (source.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afters = append(s.afters, after)

	var docs []bson.D
	for _, d := range s.docs {
		if after == nil || d[0].Value.(int32) > after.(int32) {
			docs = append(docs, d)
		}
	}
	cur := &sliceCursor{docs: docs, delay: s.delay}
	if len(s.afters) == 1 && s.failAt > 0 {
		cur.failAt = s.failAt
		cur.err = errors.New("connection reset by peer")
	}
	return cur, nil
}

func (s *fakeSource) FindByID(_ context.Context, id any) (bson.D, error) {
	for _, d := range s.docs {
		if fmt.Sprint(d[0].Value) == fmt.Sprint(id) {
			return d, nil
		}
	}
	return nil, model.ErrNotFound
}

type recordingHandler struct {
	f       *formatter.Formatter
	sink    docmanager.Manager
	src     *fakeSource
	mu      sync.Mutex
	upserts []any
}

func (h *recordingHandler) Prepare(raw bson.D) *model.Document { return h.f.Format(raw) }

func (h *recordingHandler) UpsertDoc(ctx context.Context, id any, _ *model.Document) error {
	h.mu.Lock()
	h.upserts = append(h.upserts, id)
	h.mu.Unlock()
	raw, err := h.src.FindByID(ctx, id)
	if err != nil {
		return err
	}
	return h.sink.Upsert(ctx, h.f.Format(raw))
}

// blockingSink holds every BulkUpsert until release is closed.
type blockingSink struct {
	*docmanager.Memory
	release chan struct{}
}

func (s *blockingSink) BulkUpsert(ctx context.Context, docs []*model.Document) ([]model.Value, error) {
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.Memory.BulkUpsert(ctx, docs)
}

func makeDocs(n int) []bson.D {
	docs := make([]bson.D, n)
	for i := range docs {
		docs[i] = bson.D{{Key: "_id", Value: int32(i + 1)}, {Key: "n", Value: int32(i)}}
	}
	return docs
}

func fastOptions() Options {
	return Options{
		DB:                "shop",
		Collection:        "orders",
		Workers:           3,
		BatchSize:         4,
		PutTimeout:        time.Minute,
		PutAttempts:       1,
		PollInterval:      5 * time.Millisecond,
		IdleAlertAfter:    time.Hour,
		DrainTimeout:      5 * time.Second,
		ScanRetries:       3,
		ScanRetryInterval: time.Millisecond,
	}
}

func newFixture(src *fakeSource, sink docmanager.Manager) *recordingHandler {
	return &recordingHandler{f: formatter.New(nil, nil), sink: sink, src: src}
}

func TestDumper_CopiesEveryDocument(t *testing.T) {
	t.Parallel()
	src := &fakeSource{docs: makeDocs(50)}
	sink := docmanager.NewMemory()

	d := New(src, sink, newFixture(src, sink), nil, fastOptions(), nil)
	stats, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(50), stats.Scanned)
	assert.Equal(t, int64(50), stats.Upserted)
	assert.Equal(t, 50, sink.Len())
	require.Len(t, stats.Watermarks, 3)
	assert.Equal(t, int32(48), stats.Watermarks[2])
	assert.Equal(t, int32(50), stats.Watermarks[1])
}

func TestDumper_RandomDispatch(t *testing.T) {
	t.Parallel()
	src := &fakeSource{docs: makeDocs(30)}
	sink := docmanager.NewMemory()

	opts := fastOptions()
	opts.Random = true
	_, err := New(src, sink, newFixture(src, sink), nil, opts, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 30, sink.Len())
}

func TestDumper_ResumesScanAfterTransientError(t *testing.T) {
	t.Parallel()
	src := &fakeSource{docs: makeDocs(10), failAt: 3}
	sink := docmanager.NewMemory()

	stats, err := New(src, sink, newFixture(src, sink), nil, fastOptions(), nil).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []any{nil, int32(3)}, src.afters)
	assert.Equal(t, int64(10), stats.Scanned)
	assert.Equal(t, 10, sink.Len())
}

func TestDumper_RefetchesBulkFailures(t *testing.T) {
	t.Parallel()
	src := &fakeSource{docs: makeDocs(12)}
	sink := docmanager.NewMemory()
	sink.FailBulk = func(doc *model.Document) bool {
		id, _ := doc.ID()
		n, _ := id.Int()
		return n%4 == 0
	}
	h := newFixture(src, sink)

	stats, err := New(src, sink, h, nil, fastOptions(), nil).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 12, sink.Len())
	assert.Equal(t, int64(3), stats.Refetched)
	assert.ElementsMatch(t, []any{int64(4), int64(8), int64(12)}, h.upserts)
}

func TestDumper_Backpressure(t *testing.T) {
	t.Parallel()
	src := &fakeSource{docs: makeDocs(100)}
	sink := &blockingSink{Memory: docmanager.NewMemory(), release: make(chan struct{})}

	opts := fastOptions()
	opts.Workers = 1
	opts.BatchSize = 2
	opts.PollInterval = time.Hour
	d := New(src, sink, newFixture(src, sink.Memory), nil, opts, nil)

	type result struct {
		stats Stats
		err   error
	}
	done := make(chan result, 1)
	go func() {
		stats, err := d.Run(context.Background())
		done <- result{stats, err}
	}()

	// One batch is held by the blocked sink and the queue holds 3x the batch size.
	require.Eventually(t, func() bool {
		return len(d.workers[0].queue) == cap(d.workers[0].queue)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 6, cap(d.workers[0].queue))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(8), d.scanned.Load())

	close(sink.release)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, int64(100), res.stats.Scanned)
	assert.Equal(t, 100, sink.Len())
}

func TestDumper_StuckQueueFails(t *testing.T) {
	t.Parallel()
	src := &fakeSource{docs: makeDocs(40)}
	sink := &blockingSink{Memory: docmanager.NewMemory(), release: make(chan struct{})}
	rec := &notify.Recorder{}

	opts := fastOptions()
	opts.Workers = 1
	opts.BatchSize = 2
	opts.PutTimeout = 10 * time.Millisecond
	opts.PutAttempts = 2
	opts.PollInterval = time.Hour

	_, err := New(src, sink, newFixture(src, sink.Memory), rec, opts, nil).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQueueStuck)
	assert.Equal(t, 2, rec.Count(notify.TagBulkDumpStuck))
	assert.Equal(t, 1, rec.Count(notify.TagBulkDumpFailed))
}

func TestDumper_DrainTimeoutProceeds(t *testing.T) {
	t.Parallel()
	src := &fakeSource{docs: makeDocs(8)}
	sink := &blockingSink{Memory: docmanager.NewMemory(), release: make(chan struct{})}
	rec := &notify.Recorder{}

	opts := fastOptions()
	opts.Workers = 1
	opts.BatchSize = 4
	opts.DrainTimeout = 50 * time.Millisecond

	started := time.Now()
	stats, err := New(src, sink, newFixture(src, sink.Memory), rec, opts, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(started), 2*time.Second)

	assert.Equal(t, int64(8), stats.Scanned)
	assert.Equal(t, int64(0), stats.Upserted)
	assert.Equal(t, 0, sink.Len())
	assert.Equal(t, 0, rec.Count(notify.TagBulkDumpFailed))
}

func TestDumper_IdleWorkerAlerts(t *testing.T) {
	t.Parallel()
	src := &fakeSource{docs: makeDocs(2), delay: 80 * time.Millisecond}
	sink := docmanager.NewMemory()
	rec := &notify.Recorder{}

	opts := fastOptions()
	opts.Workers = 1
	opts.IdleAlertAfter = 20 * time.Millisecond

	_, err := New(src, sink, newFixture(src, sink), rec, opts, nil).Run(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rec.Count(notify.TagBulkDumpWaiting), 1)
	assert.Equal(t, 2, sink.Len())
}

func TestDumper_WorkerFailureStopsScan(t *testing.T) {
	t.Parallel()
	src := &fakeSource{docs: makeDocs(200)}
	sink := &failingSink{Memory: docmanager.NewMemory()}

	opts := fastOptions()
	opts.Workers = 2
	_, err := New(src, sink, newFixture(src, sink.Memory), nil, opts, nil).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

type failingSink struct {
	*docmanager.Memory
}

func (s *failingSink) BulkUpsert(context.Context, []*model.Document) ([]model.Value, error) {
	return nil, errors.New("disk full")
}

func TestNew_AppliesDefaults(t *testing.T) {
	t.Parallel()
	d := New(&fakeSource{}, docmanager.NewMemory(), nil, nil, Options{}, nil)
	assert.Equal(t, 1, d.opts.Workers)
	assert.Equal(t, 500, d.opts.BatchSize)
	assert.Equal(t, 30*time.Minute, d.opts.PutTimeout)
	assert.Equal(t, 1500, cap(d.workers[0].queue))
}

func TestOptionsFromConfig(t *testing.T) {
	t.Parallel()
	cfg := config.DefaultConfig().Dump
	cfg.Workers = 4
	cfg.Random = true

	opts := OptionsFromConfig("shop", "orders", cfg)
	assert.Equal(t, "shop", opts.DB)
	assert.Equal(t, "orders", opts.Collection)
	assert.Equal(t, 4, opts.Workers)
	assert.True(t, opts.Random)
	assert.Equal(t, 60, opts.ScanRetries)
}
