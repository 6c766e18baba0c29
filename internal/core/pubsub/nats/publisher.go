package nats

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/syntrixbase/oplogpipe/internal/core/pubsub"
)

type jetStreamPublisher struct {
	js   JetStream
	opts pubsub.PublisherOptions
}

// NewPublisher creates a Publisher backed by NATS JetStream.
// When opts.StreamName is set the stream is created or updated to capture the prefix.
func NewPublisher(ctx context.Context, js JetStream, opts pubsub.PublisherOptions) (pubsub.Publisher, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream cannot be nil")
	}
	if opts.StreamName != "" {
		if _, err := js.CreateOrUpdateStream(ctx, streamConfig(opts)); err != nil {
			return nil, fmt.Errorf("failed to ensure stream %s: %w", opts.StreamName, err)
		}
	}
	return &jetStreamPublisher{js: js, opts: opts}, nil
}

func streamConfig(opts pubsub.PublisherOptions) jetstream.StreamConfig {
	cfg := jetstream.StreamConfig{
		Name:       opts.StreamName,
		Subjects:   opts.StreamSubjects(),
		Storage:    jetstream.FileStorage,
		MaxAge:     opts.MaxAge,
		Duplicates: opts.DuplicateWindow,
	}
	if opts.Storage == pubsub.MemoryStorage {
		cfg.Storage = jetstream.MemoryStorage
	}
	return cfg
}

func (p *jetStreamPublisher) Publish(ctx context.Context, msg pubsub.Message) error {
	m := nats.NewMsg(p.opts.FullSubject(msg.Subject))
	m.Data = msg.Data
	for k, v := range msg.Header {
		m.Header.Set(k, v)
	}

	var publishOpts []jetstream.PublishOpt
	if msg.ID != "" {
		publishOpts = append(publishOpts, jetstream.WithMsgID(msg.ID))
	}
	if p.opts.RetryAttempts > 0 {
		publishOpts = append(publishOpts, jetstream.WithRetryAttempts(p.opts.RetryAttempts))
	}

	ack, err := p.js.PublishMsg(ctx, m, publishOpts...)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", m.Subject, err)
	}
	if ack != nil && ack.Duplicate {
		return pubsub.ErrDuplicate
	}
	return nil
}

// Close is a no-op; the connection is owned by the caller.
func (p *jetStreamPublisher) Close() error {
	return nil
}
