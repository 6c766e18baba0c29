// Package pubsub publishes pipeline records and alerts to a message stream.
package pubsub

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicate is returned when the stream already holds a message with the same ID.
var ErrDuplicate = errors.New("duplicate message")

// Message is one record to publish.
type Message struct {
	Subject string
	Data    []byte

	// ID lets the stream drop a redelivered message inside its duplicate window.
	ID string

	Header map[string]string
}

// Publisher publishes messages to a stream.
type Publisher interface {
	// Publish sends msg below the publisher's subject prefix.
	Publish(ctx context.Context, msg Message) error

	// Close releases resources.
	Close() error
}

// StorageType defines the storage backend for streams.
type StorageType int

const (
	// FileStorage stores data on disk (default).
	FileStorage StorageType = iota
	// MemoryStorage stores data in memory.
	MemoryStorage
)

// ParseStorage maps "memory" to MemoryStorage and anything else to FileStorage.
func ParseStorage(s string) StorageType {
	if s == "memory" {
		return MemoryStorage
	}
	return FileStorage
}

// PublisherOptions configures publisher behavior.
type PublisherOptions struct {
	// StreamName is the stream capturing SubjectPrefix.
	// When empty the stream is assumed to exist.
	StreamName string

	// SubjectPrefix is prepended to all subjects.
	SubjectPrefix string

	// RetryAttempts is the number of retry attempts for publishing.
	// 0 means no retry (default).
	RetryAttempts int

	Storage StorageType

	// MaxAge bounds how long the stream keeps messages. 0 keeps them forever.
	MaxAge time.Duration

	// DuplicateWindow is how long the stream tracks message ids.
	DuplicateWindow time.Duration
}

// FullSubject joins the prefix and subject.
func (o PublisherOptions) FullSubject(subject string) string {
	if o.SubjectPrefix == "" {
		return subject
	}
	return o.SubjectPrefix + "." + subject
}

// StreamSubjects returns the subject filter of the stream.
func (o PublisherOptions) StreamSubjects() []string {
	if o.SubjectPrefix != "" {
		return []string{o.SubjectPrefix + ".>"}
	}
	return []string{o.StreamName + ".>"}
}
