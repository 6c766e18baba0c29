// Package oplog runs the MongoDB oplog pipeline.
//
// Two processes share this package:
//
//   - Consumer: follows the per-database capped log for the collections of one
//     pipeline config and keeps a sink collection in sync, dumping a collection
//     first when its checkpoint is missing or stale.
//   - Producer: tails the native oplog of every shard of the source cluster and
//     ships the entries to Kafka, NATS JetStream, or the capped log.
//
// # Usage
//
//	c, err := oplog.NewConsumer(ctx, cfg, configID, runID, logger)
//	if err != nil { ... }
//	defer c.Close(ctx)
//	err = c.Run(ctx)
//
// # Package Organization
//
//   - checkpoint: per-stream position persistence (MongoDB or Pebble)
//   - tail, dump, handler, formatter, docmanager: the consumer stream
//   - producer, ingest, progress: the shard-wide producer
//   - status, pipelineconfig: operator-facing records in MongoDB
//   - health, metrics, notify: observability and alerts
package oplog

import (
	"context"

	"github.com/syntrixbase/oplogpipe/internal/oplog/internal/health"
)

// Service is a runnable pipeline process.
type Service interface {
	// Run blocks until ctx is canceled (returns nil) or the pipeline fails.
	Run(ctx context.Context) error

	// Close releases connections. It is safe to call after Run returned.
	Close(ctx context.Context) error

	// Health returns the current health report.
	Health() HealthReport
}

var (
	_ Service = (*Consumer)(nil)
	_ Service = (*Producer)(nil)
)

// Re-export health types for the entry points.
type (
	HealthReport = health.Report
	HealthStatus = health.Status
)

const (
	HealthOK        = health.StatusOK
	HealthDegraded  = health.StatusDegraded
	HealthUnhealthy = health.StatusUnhealthy
)
