package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Registered(t *testing.T) {
	EntriesProcessed.WithLabelValues("registered", "i").Inc()
	IngestBatchSize.WithLabelValues("registered").Observe(3)

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["oplog_entries_processed_total"])
	assert.True(t, names["oplog_ingest_batch_size"])
}

func TestMetrics_Counters(t *testing.T) {
	EntriesSkipped.WithLabelValues("counters", "invalid").Inc()
	EntriesSkipped.WithLabelValues("counters", "invalid").Inc()
	assert.Equal(t, 2.0, testutil.ToFloat64(EntriesSkipped.WithLabelValues("counters", "invalid")))

	QueueDepth.WithLabelValues("counters", "0").Set(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(QueueDepth.WithLabelValues("counters", "0")))
}
