// Package notify sends operator notifications. Delivery is fire-and-forget: a failing
// transport is logged and never blocks or fails the caller.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/syntrixbase/oplogpipe/internal/core/pubsub"
	"github.com/syntrixbase/oplogpipe/internal/logging"
	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/metrics"
)

// Severity of a notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notification tags.
const (
	TagResyncFailed     = "RESYNC_FAILED"
	TagBulkDumpStuck    = "BULK_DUMP_STUCK"
	TagBulkDumpWaiting  = "BULK_DUMP_WAITING"
	TagBulkDumpFailed   = "BULK_DUMP_FAILED"
	TagConsumerStopped  = "CONSUMER_STOPPED"
	TagShardTailFailed  = "SHARD_TAIL_FAILED"
	TagProducerStopped  = "PRODUCER_STOPPED"
	TagCheckpointFailed = "CHECKPOINT_FAILED"
)

// Notifier is the notification sink.
type Notifier interface {
	Notify(ctx context.Context, tag string, severity Severity, fields map[string]any)
}

// Message is the published form of a notification.
type Message struct {
	Tag      string         `json:"tag"`
	Severity Severity       `json:"severity"`
	Fields   map[string]any `json:"fields,omitempty"`
	Host     string         `json:"host"`
	RunID    string         `json:"run_id,omitempty"`
	Time     time.Time      `json:"time"`
}

// Service logs every notification and, when a publisher is configured, publishes it
// asynchronously on subject.
type Service struct {
	logger  *slog.Logger
	pub     pubsub.Publisher
	subject string
	timeout time.Duration
	host    string
	wg      sync.WaitGroup
}

var _ Notifier = (*Service)(nil)

// New creates a Service. pub may be nil.
func New(logger *slog.Logger, pub pubsub.Publisher, subject string) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	host, _ := os.Hostname()
	return &Service{
		logger:  logger.With("component", "notify"),
		pub:     pub,
		subject: subject,
		timeout: 5 * time.Second,
		host:    host,
	}
}

func (s *Service) Notify(ctx context.Context, tag string, severity Severity, fields map[string]any) {
	metrics.NotificationsSent.WithLabelValues(tag, string(severity)).Inc()

	attrs := []any{"tag", tag, "severity", string(severity)}
	for k, v := range fields {
		attrs = append(attrs, k, v)
	}
	switch severity {
	case SeverityError:
		s.logger.ErrorContext(ctx, "notification", attrs...)
	case SeverityWarning:
		s.logger.WarnContext(ctx, "notification", attrs...)
	default:
		s.logger.InfoContext(ctx, "notification", attrs...)
	}

	if s.pub == nil {
		return
	}
	msg := Message{
		Tag:      tag,
		Severity: severity,
		Fields:   fields,
		Host:     s.host,
		RunID:    logging.RunID(ctx),
		Time:     time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to encode notification", "tag", tag, "error", err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		if err := s.pub.Publish(pubCtx, pubsub.Message{
			Subject: s.subject,
			Data:    data,
			Header:  map[string]string{"Oplog-Tag": tag},
		}); err != nil {
			s.logger.Warn("failed to publish notification", "tag", tag, "error", err)
		}
	}()
}

// Close waits for in-flight publishes.
func (s *Service) Close() {
	s.wg.Wait()
}

// Record is one notification captured by a Recorder.
type Record struct {
	Tag      string
	Severity Severity
	Fields   map[string]any
}

// Recorder keeps notifications in memory.
type Recorder struct {
	mu      sync.Mutex
	records []Record
}

var _ Notifier = (*Recorder)(nil)

func (r *Recorder) Notify(_ context.Context, tag string, severity Severity, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, Record{Tag: tag, Severity: severity, Fields: fields})
}

// Records returns a copy of the captured notifications.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.records...)
}

// Count returns how many notifications carried tag.
func (r *Recorder) Count(tag string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.records {
		if rec.Tag == tag {
			n++
		}
	}
	return n
}

type discard struct{}

func (discard) Notify(context.Context, string, Severity, map[string]any) {}

// Discard drops every notification.
var Discard Notifier = discard{}
