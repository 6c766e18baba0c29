package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Tailing
	EntriesProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oplog_entries_processed_total",
		Help: "The total number of log entries applied, by stream and operation",
	}, []string{"stream", "op"})

	EntriesSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oplog_entries_skipped_total",
		Help: "The total number of log entries skipped, by stream and reason",
	}, []string{"stream", "reason"})

	TailRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oplog_tail_cursor_restarts_total",
		Help: "The total number of tailable cursor recreations",
	}, []string{"stream"})

	TailState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "oplog_tail_state",
		Help: "1 for the current state of each stream, 0 otherwise",
	}, []string{"stream", "state"})

	// Checkpoints
	CheckpointsSaved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oplog_checkpoints_saved_total",
		Help: "The total number of checkpoints saved",
	}, []string{"tracker_type"})

	CheckpointLag = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "oplog_checkpoint_lag_seconds",
		Help: "Seconds between the last saved checkpoint and its save time",
	}, []string{"tracker_type", "scope"})

	// Dump
	DumpDocuments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oplog_dump_documents_total",
		Help: "The total number of documents upserted by bulk dumps",
	}, []string{"collection"})

	DumpBulkFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oplog_dump_bulk_failures_total",
		Help: "The total number of documents a bulk upsert reported as failed",
	}, []string{"collection"})

	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "oplog_dump_queue_depth",
		Help: "The current depth of a dump worker queue",
	}, []string{"collection", "worker"})

	// Ingestion
	IngestBatchSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oplog_ingest_batch_size",
		Help:    "The number of actions per ingested batch",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	}, []string{"ingestor"})

	IngestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "oplog_ingest_latency_seconds",
		Help: "The latency of batch ingestion",
	}, []string{"ingestor"})

	IngestErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oplog_ingest_errors_total",
		Help: "The total number of failed batch ingestions",
	}, []string{"ingestor"})

	// Notifications
	NotificationsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oplog_notifications_total",
		Help: "The total number of notifications, by tag and severity",
	}, []string{"tag", "severity"})
)

func init() {
	prometheus.MustRegister(EntriesProcessed)
	prometheus.MustRegister(EntriesSkipped)
	prometheus.MustRegister(TailRestarts)
	prometheus.MustRegister(TailState)
	prometheus.MustRegister(CheckpointsSaved)
	prometheus.MustRegister(CheckpointLag)
	prometheus.MustRegister(DumpDocuments)
	prometheus.MustRegister(DumpBulkFailures)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(IngestBatchSize)
	prometheus.MustRegister(IngestLatency)
	prometheus.MustRegister(IngestErrors)
	prometheus.MustRegister(NotificationsSent)
}
