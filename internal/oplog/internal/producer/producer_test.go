package producer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/oplogpipe/internal/oplog/events"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/health"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/notify"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/progress"
)

// fakeShard advances its checkpoint once, then runs until canceled or failed.
type fakeShard struct {
	id    string
	p     *progress.Map
	next  events.Position
	state atomic.Int32
	fail  chan error

	mu  sync.Mutex
	err error
}

func (s *fakeShard) Name() string     { return s.id }
func (s *fakeShard) State() State     { return State(s.state.Load()) }
func (s *fakeShard) Processed() int64 { return 1 }
func (s *fakeShard) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeShard) Run(ctx context.Context) error {
	s.state.Store(int32(StateTailing))
	s.p.SetCheckpoint(s.id, s.next)
	select {
	case <-ctx.Done():
		s.state.Store(int32(StateStopped))
		return nil
	case err := <-s.fail:
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.state.Store(int32(StateFailed))
		return err
	}
}

type memCheckpoints struct {
	mu    sync.Mutex
	saved map[string]events.Position
	saves int
}

func (c *memCheckpoints) LoadAll(_ context.Context, trackerType string) (map[string]events.Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if trackerType != "orders_producer" {
		return nil, nil
	}
	out := make(map[string]events.Position, len(c.saved))
	for k, v := range c.saved {
		out[k] = v
	}
	return out, nil
}

func (c *memCheckpoints) Save(_ context.Context, trackerType, scope string, pos events.Position) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if trackerType != "orders_producer" {
		return errors.New("unexpected tracker type " + trackerType)
	}
	c.saved[scope] = pos
	c.saves++
	return nil
}

func (c *memCheckpoints) get(scope string) events.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saved[scope]
}

type producerHarness struct {
	cp       *memCheckpoints
	ing      *fakeIngestor
	rec      *notify.Recorder
	mu       sync.Mutex
	shards   map[string]*fakeShard
	restored map[string]events.Position
}

func newProducerHarness() *producerHarness {
	return &producerHarness{
		cp:       &memCheckpoints{saved: map[string]events.Position{"rs0": tsPos(10)}},
		ing:      &fakeIngestor{},
		rec:      &notify.Recorder{},
		shards:   make(map[string]*fakeShard),
		restored: make(map[string]events.Position),
	}
}

func (h *producerHarness) factory(shard Shard, p *progress.Map) (Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if pos, ok := p.Checkpoint(shard.ID); ok {
		h.restored[shard.ID] = pos
	}
	s := &fakeShard{id: shard.ID, p: p, next: tsPos(20), fail: make(chan error, 1)}
	h.shards[shard.ID] = s
	return s, nil
}

func (h *producerHarness) shard(id string) *fakeShard {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.shards[id]
}

func (h *producerHarness) producer(shards ...Shard) *Producer {
	return New(shards, h.factory, h.cp, h.ing, Options{
		ProcessType:  "orders_producer",
		PollInterval: 5 * time.Millisecond,
		StopTimeout:  time.Second,
		Notifier:     h.rec,
	})
}

var twoShards = []Shard{
	{ID: "rs0", ReplicaSet: "rs0", Hosts: []string{"a:27017"}},
	{ID: "rs1", ReplicaSet: "rs1", Hosts: []string{"b:27017"}},
}

func TestProducer_RestoresAndPersists(t *testing.T) {
	t.Parallel()
	h := newProducerHarness()
	p := h.producer(twoShards...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		return h.cp.get("rs0") == tsPos(20) && h.cp.get("rs1") == tsPos(20)
	}, 2*time.Second, 5*time.Millisecond)

	report := p.Health()
	require.Len(t, report, 2)
	assert.Equal(t, health.StatusOK, report[0].Status)

	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, map[string]events.Position{"rs0": tsPos(10)}, h.restored)
	assert.True(t, h.ing.primed)
	assert.Equal(t, tsPos(20), h.cp.get("rs0"))
	assert.Equal(t, 0, h.rec.Count(notify.TagProducerStopped))
	assert.Equal(t, StateStopped, h.shard("rs0").State())
}

func TestProducer_DeadShardStopsAll(t *testing.T) {
	t.Parallel()
	h := newProducerHarness()
	p := h.producer(twoShards...)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		s := h.shard("rs1")
		return s != nil && s.State() == StateTailing
	}, 2*time.Second, 5*time.Millisecond)
	h.shard("rs1").fail <- errors.New("oplog cursor killed")

	var err error
	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer did not stop")
	}
	require.Error(t, err)
	assert.ErrorContains(t, err, "shard rs1: oplog cursor killed")
	assert.Equal(t, 1, h.rec.Count(notify.TagProducerStopped))
	assert.Equal(t, StateStopped, h.shard("rs0").State())
	assert.Equal(t, tsPos(20), h.cp.get("rs1"))

	for _, s := range p.Health() {
		if s.Name == "rs1" {
			assert.Equal(t, health.StatusUnhealthy, s.Status)
			assert.Equal(t, "oplog cursor killed", s.Error)
		}
	}
}

func TestProducer_StartupErrors(t *testing.T) {
	t.Parallel()
	h := newProducerHarness()

	err := h.producer().Run(context.Background())
	assert.ErrorContains(t, err, "no shards")

	failing := New(twoShards, func(Shard, *progress.Map) (Stream, error) {
		return nil, errors.New("dial tcp: no route to host")
	}, h.cp, h.ing, Options{ProcessType: "orders_producer"})
	err = failing.Run(context.Background())
	assert.ErrorContains(t, err, "failed to create tail for shard rs0")
}
