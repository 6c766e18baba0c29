package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"go.mongodb.org/mongo-driver/bson"
)

const keyPrefix = "checkpoint/"

// PebbleStore implements Store on a local PebbleDB. It suits single-host
// deployments where the checkpoint should live next to the process.
type PebbleStore struct {
	db     *pebble.DB
	mu     sync.RWMutex
	closed bool
}

// OpenPebbleStore opens or creates a store at path.
func OpenPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func recordKey(trackerType, scopeKey string) []byte {
	return []byte(keyPrefix + trackerType + "/" + scopeKey)
}

func (s *PebbleStore) Load(_ context.Context, trackerType, scopeKey string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	value, closer, err := s.db.Get(recordKey(trackerType, scopeKey))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	defer closer.Close()

	var rec Record
	if err := bson.Unmarshal(value, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &rec, nil
}

func (s *PebbleStore) Save(_ context.Context, rec Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	data, err := bson.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := s.db.Set(recordKey(rec.TrackerType, rec.ScopeKey), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *PebbleStore) List(_ context.Context, trackerType string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	prefix := []byte(keyPrefix + trackerType + "/")
	upper := append([]byte(nil), prefix...)
	upper[len(upper)-1]++ // '/' + 1 bounds the prefix

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var out []Record
	for iter.First(); iter.Valid(); iter.Next() {
		var rec Record
		if err := bson.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint %s: %w", iter.Key(), err)
		}
		out = append(out, rec)
	}
	return out, iter.Error()
}

// Close flushes and closes the database.
func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
