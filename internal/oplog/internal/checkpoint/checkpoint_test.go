package checkpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/syntrixbase/oplogpipe/internal/oplog/events"
)

func pos(t uint32) events.Position {
	return events.PositionFromTimestamp(primitive.Timestamp{T: t, I: 1})
}

func TestTracker_EventCount(t *testing.T) {
	t.Parallel()

	tr := NewTracker(Policy{EventCount: 3, OnShutdown: true})
	assert.False(t, tr.Dirty())
	assert.False(t, tr.ShouldCheckpointOnShutdown())

	assert.False(t, tr.RecordEvent(pos(1)))
	assert.False(t, tr.RecordEvent(pos(2)))
	assert.True(t, tr.RecordEvent(pos(3)))
	assert.Equal(t, pos(3), tr.Last())
	assert.True(t, tr.Dirty())

	tr.MarkCheckpointed(pos(3))
	assert.False(t, tr.Dirty())
	assert.False(t, tr.RecordEvent(pos(4)))
	assert.True(t, tr.ShouldCheckpointOnShutdown())
}

func TestTracker_Interval(t *testing.T) {
	t.Parallel()

	tr := NewTracker(Policy{Interval: time.Millisecond})
	time.Sleep(5 * time.Millisecond)
	assert.True(t, tr.RecordEvent(pos(1)))
	assert.False(t, tr.ShouldCheckpointOnShutdown(), "OnShutdown disabled")
}

func TestDefaultPolicy(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	assert.Equal(t, 1000, p.EventCount)
	assert.True(t, p.OnShutdown)
}
