package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1000, cfg.Consumer.CheckpointEvery)
	assert.Equal(t, 500, cfg.Dump.BatchSize)
	assert.Equal(t, 30*time.Minute, cfg.Dump.PutTimeout)
	assert.Equal(t, 120*time.Second, cfg.Consumer.AwaitTimeout)
}

func TestApplyDefaults_FillsZeroValues(t *testing.T) {
	var cfg Config
	cfg.Dump.BatchSize = 10
	cfg.ApplyDefaults()

	assert.Equal(t, 10, cfg.Dump.BatchSize)
	assert.Equal(t, 1, cfg.Dump.Workers)
	assert.Equal(t, "collection_tracker", cfg.Consumer.TrackerType)
	assert.Equal(t, IngestorMongo, cfg.Producer.Ingestor)
	assert.Equal(t, "oplogs", cfg.Capped.Database)
	assert.Equal(t, "file", cfg.NATS.Storage)
	assert.Equal(t, 10*time.Minute, cfg.NATS.DuplicateWindow)
	require.NoError(t, cfg.Validate())
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("OPLOG_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("OPLOG_PRODUCER_INGESTOR", "kafka")
	t.Setenv("OPLOG_HEALTH_PORT", "9999")
	t.Setenv("OPLOG_CHECKPOINT_BACKEND", "pebble")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, IngestorKafka, cfg.Producer.Ingestor)
	assert.Equal(t, 9999, cfg.Health.Port)
	assert.Equal(t, BackendPebble, cfg.Checkpoint.Backend)
	require.NoError(t, cfg.Validate())
}

func TestValidate_Errors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Producer.Ingestor = IngestorKafka
	cfg.Checkpoint.Backend = "redis"
	cfg.Dump.Workers = 0
	cfg.NATS.Storage = "tape"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oplog.kafka.brokers")
	assert.Contains(t, err.Error(), "oplog.checkpoint.backend")
	assert.Contains(t, err.Error(), "oplog.dump.workers")
	assert.Contains(t, err.Error(), "oplog.nats.storage")
}

func TestResolvePaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResolvePaths("config", "data")
	assert.Equal(t, filepath.Join("data", "checkpoints"), cfg.Checkpoint.PebblePath)

	abs := DefaultConfig()
	abs.Checkpoint.PebblePath = "/var/lib/oplog"
	abs.ResolvePaths("config", "data")
	assert.Equal(t, "/var/lib/oplog", abs.Checkpoint.PebblePath)
}

func TestCappedSizing(t *testing.T) {
	c := DefaultConfig().Capped
	c.DBCategories = map[string]string{"tiny": "xsmall", "big": "large"}

	size, ok := c.SizeFor("big")
	require.True(t, ok)
	assert.Equal(t, int64(20<<30), size)

	_, ok = c.SizeFor("tiny")
	assert.False(t, ok)

	size, ok = c.SizeFor("other")
	require.True(t, ok)
	assert.Equal(t, int64(5<<30), size)
}
