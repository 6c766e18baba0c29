package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("OPLOG_MONGO_URI", "")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "mongodb://localhost:27017", cfg.Mongo.URI)
	assert.Equal(t, cfg.Mongo.URI, cfg.Mongo.OplogClusterURI())
	assert.Equal(t, 1000, cfg.Oplog.Consumer.CheckpointEvery)
	assert.Equal(t, filepath.Join("data", "logs"), cfg.Logging.Dir)
}

func TestLoadConfig_FileLayering(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yml"), []byte(`
mongo:
  uri: "mongodb://file:27017"
  oplog_uri: "mongodb://oplog:27017"
oplog:
  dump:
    workers: 4
  consumer:
    exclude_fields:
      users: ["password", "profile.ssn"]
`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.local.yml"), []byte(`
oplog:
  dump:
    workers: 8
`), 0644))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "mongodb://file:27017", cfg.Mongo.URI)
	assert.Equal(t, "mongodb://oplog:27017", cfg.Mongo.OplogClusterURI())
	assert.Equal(t, 8, cfg.Oplog.Dump.Workers)
	assert.Equal(t, 500, cfg.Oplog.Dump.BatchSize)
	assert.Equal(t, []string{"password", "profile.ssn"}, cfg.Oplog.Consumer.ExcludeFields["users"])
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("OPLOG_MONGO_URI", "mongodb://env:27017")
	t.Setenv("OPLOG_DATA_DIR", "/tmp/oplog-data")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "mongodb://env:27017", cfg.Mongo.URI)
	assert.Equal(t, filepath.Join("/tmp/oplog-data", "checkpoints"), cfg.Oplog.Checkpoint.PebblePath)
}

func TestLoadConfig_InvalidIsError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yml"), []byte(`
oplog:
  producer:
    ingestor: "carrier-pigeon"
`), 0644))

	_, err := LoadConfig(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestLoadConfig_MalformedFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.local.yml"), []byte("not: [valid"), 0644))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "mongodb://localhost:27017", cfg.Mongo.URI)
}
