// Package progress holds the producer state shared by its shard tails and ingestor.
package progress

import (
	"maps"
	"sync"

	"github.com/syntrixbase/oplogpipe/internal/oplog/events"
)

// State is the mutable producer state. It is only reachable inside Map.Do.
type State struct {
	// Checkpoints holds the last ingested position per shard id.
	Checkpoints map[string]events.Position
	// DBNames lists databases whose capped log is known to exist.
	DBNames map[string]bool
}

// Map guards State with a single mutex.
type Map struct {
	mu    sync.Mutex
	state State
}

func New() *Map {
	return &Map{state: State{
		Checkpoints: make(map[string]events.Position),
		DBNames:     make(map[string]bool),
	}}
}

// Do runs fn with exclusive access to the state.
func (m *Map) Do(fn func(s *State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.state)
}

func (m *Map) Checkpoint(shardID string) (events.Position, bool) {
	var (
		pos events.Position
		ok  bool
	)
	m.Do(func(s *State) { pos, ok = s.Checkpoints[shardID] })
	return pos, ok
}

func (m *Map) SetCheckpoint(shardID string, pos events.Position) {
	m.Do(func(s *State) { s.Checkpoints[shardID] = pos })
}

// Checkpoints returns a copy of every shard checkpoint.
func (m *Map) Checkpoints() map[string]events.Position {
	var out map[string]events.Position
	m.Do(func(s *State) { out = maps.Clone(s.Checkpoints) })
	return out
}

func (m *Map) HasDB(db string) bool {
	var ok bool
	m.Do(func(s *State) { ok = s.DBNames[db] })
	return ok
}

func (m *Map) AddDB(db string) {
	m.Do(func(s *State) { s.DBNames[db] = true })
}
