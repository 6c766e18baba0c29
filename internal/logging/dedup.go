package logging

import (
	"context"
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const maxDedupKeys = 4096

// DedupHandler drops records identical to one emitted less than window ago.
// Identity covers level, message, record attributes and the attributes bound
// through WithAttrs/WithGroup, never the time. The first identical record after
// the window carries the number of records it stood in for as "suppressed".
type DedupHandler struct {
	next  slog.Handler
	scope uint64
	state *dedupState
}

type dedupState struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	seen   map[uint64]*dedupEntry
}

type dedupEntry struct {
	emitted    time.Time
	suppressed int
}

func NewDedupHandler(next slog.Handler, window time.Duration) *DedupHandler {
	return &DedupHandler{
		next: next,
		state: &dedupState{
			window: window,
			now:    time.Now,
			seen:   make(map[uint64]*dedupEntry),
		},
	}
}

func (h *DedupHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *DedupHandler) Handle(ctx context.Context, r slog.Record) error {
	suppressed, emit := h.state.admit(h.key(r))
	if !emit {
		return nil
	}
	if suppressed > 0 {
		r = r.Clone()
		r.AddAttrs(slog.Int("suppressed", suppressed))
	}
	return h.next.Handle(ctx, r)
}

func (h *DedupHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	d := newDigest(h.scope)
	for _, a := range attrs {
		writeAttr(d, a)
	}
	return &DedupHandler{next: h.next.WithAttrs(attrs), scope: d.Sum64(), state: h.state}
}

func (h *DedupHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	d := newDigest(h.scope)
	_, _ = d.WriteString("group:" + name)
	return &DedupHandler{next: h.next.WithGroup(name), scope: d.Sum64(), state: h.state}
}

func (h *DedupHandler) key(r slog.Record) uint64 {
	d := newDigest(h.scope)
	_, _ = d.WriteString(r.Level.String())
	_, _ = d.WriteString("|" + r.Message)
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(d, a)
		return true
	})
	return d.Sum64()
}

func newDigest(seed uint64) *xxhash.Digest {
	d := xxhash.New()
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], seed)
	_, _ = d.Write(b[:])
	return d
}

func writeAttr(d *xxhash.Digest, a slog.Attr) {
	_, _ = d.WriteString("|" + a.Key + "=" + a.Value.String())
}

// admit reports whether a record with key should be written and how many
// identical records were dropped since the last one written.
func (s *dedupState) admit(key uint64) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.seen[key]
	if ok && now.Sub(e.emitted) < s.window {
		e.suppressed++
		return 0, false
	}
	suppressed := 0
	if ok {
		suppressed = e.suppressed
	}
	if len(s.seen) >= maxDedupKeys {
		s.prune(now)
	}
	s.seen[key] = &dedupEntry{emitted: now}
	return suppressed, true
}

func (s *dedupState) prune(now time.Time) {
	for k, e := range s.seen {
		if now.Sub(e.emitted) >= s.window {
			delete(s.seen, k)
		}
	}
	if len(s.seen) >= maxDedupKeys {
		clear(s.seen)
	}
}
