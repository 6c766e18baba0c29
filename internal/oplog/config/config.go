package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Ingestor backends for the producer.
const (
	IngestorKafka = "kafka"
	IngestorMongo = "mongo"
	IngestorNATS  = "nats"
)

// Checkpoint backends.
const (
	BackendMongo  = "mongo"
	BackendPebble = "pebble"
)

// Config holds configuration for the oplog pipeline.
type Config struct {
	Consumer   ConsumerConfig   `yaml:"consumer"`
	Dump       DumpConfig       `yaml:"dump"`
	Producer   ProducerConfig   `yaml:"producer"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Status     StatusConfig     `yaml:"status"`
	Capped     CappedConfig     `yaml:"capped"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	NATS       NATSConfig       `yaml:"nats"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	Health     HealthConfig     `yaml:"health"`
}

// ConsumerConfig controls per-collection tails.
type ConsumerConfig struct {
	// TrackerType is the checkpoint tracker type for collection tails.
	TrackerType string `yaml:"tracker_type"`

	// PollInterval is how often the consumer checks tail liveness.
	PollInterval time.Duration `yaml:"poll_interval"`

	// CheckpointEvery persists the checkpoint after this many processed entries.
	CheckpointEvery int `yaml:"checkpoint_every"`

	// AwaitTimeout bounds one tailable cursor window.
	AwaitTimeout time.Duration `yaml:"await_timeout"`

	// RecreateDelay is the pause before a cursor is recreated after its window ends.
	RecreateDelay time.Duration `yaml:"recreate_delay"`

	StopTimeout time.Duration `yaml:"stop_timeout"`

	// SinkURI is the downstream MongoDB. Empty means the source cluster.
	SinkURI string `yaml:"sink_uri"`
	// SinkDatabase overrides the downstream database name (defaults to the source db name).
	SinkDatabase string `yaml:"sink_database"`

	ResyncRetries      int           `yaml:"resync_retries"`
	FetchRetries       int           `yaml:"fetch_retries"`
	FetchRetryInterval time.Duration `yaml:"fetch_retry_interval"`
	FetchTimeout       time.Duration `yaml:"fetch_timeout"`

	// ExcludeFields lists dotted field paths never delivered, keyed by collection.
	ExcludeFields map[string][]string `yaml:"exclude_fields"`
}

// DumpConfig controls the parallel bulk dump.
type DumpConfig struct {
	Workers           int           `yaml:"workers"`
	BatchSize         int           `yaml:"batch_size"`
	PutTimeout        time.Duration `yaml:"put_timeout"`
	PutAttempts       int           `yaml:"put_attempts"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	IdleAlertAfter    time.Duration `yaml:"idle_alert_after"`
	DrainTimeout      time.Duration `yaml:"drain_timeout"`
	ScanRetries       int           `yaml:"scan_retries"`
	ScanRetryInterval time.Duration `yaml:"scan_retry_interval"`
	// Random dispatches documents to a random worker instead of round robin.
	Random bool `yaml:"random"`
}

// ProducerConfig controls shard-wide native oplog tails.
type ProducerConfig struct {
	ProcessType      string        `yaml:"process_type"`
	Ingestor         string        `yaml:"ingestor"`
	BatchSize        int           `yaml:"batch_size"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	AwaitTimeout     time.Duration `yaml:"await_timeout"`
	RecreateDelay    time.Duration `yaml:"recreate_delay"`
	StopTimeout      time.Duration `yaml:"stop_timeout"`
	ExcludeDatabases []string      `yaml:"exclude_databases"`
}

// CheckpointConfig selects and tunes checkpoint persistence.
type CheckpointConfig struct {
	Backend       string        `yaml:"backend"`
	Database      string        `yaml:"database"`
	Collection    string        `yaml:"collection"`
	PebblePath    string        `yaml:"pebble_path"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// StatusConfig locates pipeline status and pipeline config records.
type StatusConfig struct {
	Database         string        `yaml:"database"`
	StatusCollection string        `yaml:"status_collection"`
	ConfigCollection string        `yaml:"config_collection"`
	ConfigCacheTTL   time.Duration `yaml:"config_cache_ttl"`
}

// CappedConfig describes the per-database capped log written by the Mongo ingestor.
type CappedConfig struct {
	Database        string            `yaml:"database"`
	DefaultCategory string            `yaml:"default_category"`
	CategorySizes   map[string]int64  `yaml:"category_sizes"`
	DBCategories    map[string]string `yaml:"db_categories"`
	SkipCategories  []string          `yaml:"skip_categories"`
}

// KafkaConfig configures the Kafka ingestor.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchBytes   int64         `yaml:"batch_bytes"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// NATSConfig configures the NATS JetStream ingestor and alert publisher.
type NATSConfig struct {
	URL           string `yaml:"url"`
	Stream        string `yaml:"stream"`
	SubjectPrefix string `yaml:"subject_prefix"`

	// Storage is "file" or "memory".
	Storage string        `yaml:"storage"`
	MaxAge  time.Duration `yaml:"max_age"`

	// DuplicateWindow is how long JetStream remembers message ids. Entries
	// re-read after a producer restart inside the window are dropped.
	DuplicateWindow time.Duration `yaml:"duplicate_window"`
}

// AlertsConfig configures notification delivery.
type AlertsConfig struct {
	// NATS publishes alerts on Subject in addition to logging them.
	NATS    bool   `yaml:"nats"`
	Subject string `yaml:"subject"`
}

// HealthConfig holds the health and metrics endpoint configuration.
type HealthConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Port        int    `yaml:"port"`
	Path        string `yaml:"path"`
	MetricsPath string `yaml:"metrics_path"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Consumer: ConsumerConfig{
			TrackerType:        "collection_tracker",
			PollInterval:       10 * time.Second,
			CheckpointEvery:    1000,
			AwaitTimeout:       120 * time.Second,
			RecreateDelay:      time.Second,
			StopTimeout:        30 * time.Second,
			ResyncRetries:      3,
			FetchRetries:       5,
			FetchRetryInterval: 10 * time.Second,
			FetchTimeout:       2 * time.Second,
		},
		Dump: DumpConfig{
			Workers:           1,
			BatchSize:         500,
			PutTimeout:        30 * time.Minute,
			PutAttempts:       5,
			PollInterval:      500 * time.Millisecond,
			IdleAlertAfter:    10 * time.Minute,
			DrainTimeout:      30 * time.Minute,
			ScanRetries:       60,
			ScanRetryInterval: time.Second,
		},
		Producer: ProducerConfig{
			Ingestor:      IngestorMongo,
			BatchSize:     1000,
			PollInterval:  10 * time.Second,
			AwaitTimeout:  120 * time.Second,
			RecreateDelay: time.Second,
			StopTimeout:   30 * time.Second,
		},
		Checkpoint: CheckpointConfig{
			Backend:       BackendMongo,
			Database:      "PipelineStatus",
			Collection:    "PipelineProgressTracker",
			PebblePath:    "checkpoints",
			RetryAttempts: 5,
			RetryInterval: 30 * time.Second,
		},
		Status: StatusConfig{
			Database:         "PipelineStatus",
			StatusCollection: "PipelineStatusTracker",
			ConfigCollection: "PipelineConsumerConfig",
			ConfigCacheTTL:   5 * time.Minute,
		},
		Capped: CappedConfig{
			Database:        "oplogs",
			DefaultCategory: "medium",
			CategorySizes: map[string]int64{
				"small":  1 << 30,
				"medium": 5 << 30,
				"large":  20 << 30,
			},
			SkipCategories: []string{"xsmall"},
		},
		Kafka: KafkaConfig{
			Topic:        "oplog",
			BatchBytes:   1 << 20,
			WriteTimeout: 10 * time.Second,
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			Stream:          "OPLOG",
			SubjectPrefix:   "oplog",
			Storage:         "file",
			MaxAge:          72 * time.Hour,
			DuplicateWindow: 10 * time.Minute,
		},
		Alerts: AlertsConfig{
			Subject: "oplog.alerts",
		},
		Health: HealthConfig{
			Enabled:     true,
			Port:        8085,
			Path:        "/health",
			MetricsPath: "/metrics",
		},
	}
}

// ApplyDefaults fills zero values with defaults.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()

	if c.Consumer.TrackerType == "" {
		c.Consumer.TrackerType = d.Consumer.TrackerType
	}
	if c.Consumer.PollInterval == 0 {
		c.Consumer.PollInterval = d.Consumer.PollInterval
	}
	if c.Consumer.CheckpointEvery == 0 {
		c.Consumer.CheckpointEvery = d.Consumer.CheckpointEvery
	}
	if c.Consumer.AwaitTimeout == 0 {
		c.Consumer.AwaitTimeout = d.Consumer.AwaitTimeout
	}
	if c.Consumer.RecreateDelay == 0 {
		c.Consumer.RecreateDelay = d.Consumer.RecreateDelay
	}
	if c.Consumer.StopTimeout == 0 {
		c.Consumer.StopTimeout = d.Consumer.StopTimeout
	}
	if c.Consumer.ResyncRetries == 0 {
		c.Consumer.ResyncRetries = d.Consumer.ResyncRetries
	}
	if c.Consumer.FetchRetries == 0 {
		c.Consumer.FetchRetries = d.Consumer.FetchRetries
	}
	if c.Consumer.FetchRetryInterval == 0 {
		c.Consumer.FetchRetryInterval = d.Consumer.FetchRetryInterval
	}
	if c.Consumer.FetchTimeout == 0 {
		c.Consumer.FetchTimeout = d.Consumer.FetchTimeout
	}

	if c.Dump.Workers == 0 {
		c.Dump.Workers = d.Dump.Workers
	}
	if c.Dump.BatchSize == 0 {
		c.Dump.BatchSize = d.Dump.BatchSize
	}
	if c.Dump.PutTimeout == 0 {
		c.Dump.PutTimeout = d.Dump.PutTimeout
	}
	if c.Dump.PutAttempts == 0 {
		c.Dump.PutAttempts = d.Dump.PutAttempts
	}
	if c.Dump.PollInterval == 0 {
		c.Dump.PollInterval = d.Dump.PollInterval
	}
	if c.Dump.IdleAlertAfter == 0 {
		c.Dump.IdleAlertAfter = d.Dump.IdleAlertAfter
	}
	if c.Dump.DrainTimeout == 0 {
		c.Dump.DrainTimeout = d.Dump.DrainTimeout
	}
	if c.Dump.ScanRetries == 0 {
		c.Dump.ScanRetries = d.Dump.ScanRetries
	}
	if c.Dump.ScanRetryInterval == 0 {
		c.Dump.ScanRetryInterval = d.Dump.ScanRetryInterval
	}

	if c.Producer.Ingestor == "" {
		c.Producer.Ingestor = d.Producer.Ingestor
	}
	if c.Producer.BatchSize == 0 {
		c.Producer.BatchSize = d.Producer.BatchSize
	}
	if c.Producer.PollInterval == 0 {
		c.Producer.PollInterval = d.Producer.PollInterval
	}
	if c.Producer.AwaitTimeout == 0 {
		c.Producer.AwaitTimeout = d.Producer.AwaitTimeout
	}
	if c.Producer.RecreateDelay == 0 {
		c.Producer.RecreateDelay = d.Producer.RecreateDelay
	}
	if c.Producer.StopTimeout == 0 {
		c.Producer.StopTimeout = d.Producer.StopTimeout
	}

	if c.Checkpoint.Backend == "" {
		c.Checkpoint.Backend = d.Checkpoint.Backend
	}
	if c.Checkpoint.Database == "" {
		c.Checkpoint.Database = d.Checkpoint.Database
	}
	if c.Checkpoint.Collection == "" {
		c.Checkpoint.Collection = d.Checkpoint.Collection
	}
	if c.Checkpoint.PebblePath == "" {
		c.Checkpoint.PebblePath = d.Checkpoint.PebblePath
	}
	if c.Checkpoint.RetryAttempts == 0 {
		c.Checkpoint.RetryAttempts = d.Checkpoint.RetryAttempts
	}
	if c.Checkpoint.RetryInterval == 0 {
		c.Checkpoint.RetryInterval = d.Checkpoint.RetryInterval
	}

	if c.Status.Database == "" {
		c.Status.Database = d.Status.Database
	}
	if c.Status.StatusCollection == "" {
		c.Status.StatusCollection = d.Status.StatusCollection
	}
	if c.Status.ConfigCollection == "" {
		c.Status.ConfigCollection = d.Status.ConfigCollection
	}
	if c.Status.ConfigCacheTTL == 0 {
		c.Status.ConfigCacheTTL = d.Status.ConfigCacheTTL
	}

	if c.Capped.Database == "" {
		c.Capped.Database = d.Capped.Database
	}
	if c.Capped.DefaultCategory == "" {
		c.Capped.DefaultCategory = d.Capped.DefaultCategory
	}
	if len(c.Capped.CategorySizes) == 0 {
		c.Capped.CategorySizes = d.Capped.CategorySizes
	}
	if c.Capped.SkipCategories == nil {
		c.Capped.SkipCategories = d.Capped.SkipCategories
	}

	if c.Kafka.Topic == "" {
		c.Kafka.Topic = d.Kafka.Topic
	}
	if c.Kafka.BatchBytes == 0 {
		c.Kafka.BatchBytes = d.Kafka.BatchBytes
	}
	if c.Kafka.WriteTimeout == 0 {
		c.Kafka.WriteTimeout = d.Kafka.WriteTimeout
	}

	if c.NATS.URL == "" {
		c.NATS.URL = d.NATS.URL
	}
	if c.NATS.Stream == "" {
		c.NATS.Stream = d.NATS.Stream
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = d.NATS.SubjectPrefix
	}
	if c.NATS.Storage == "" {
		c.NATS.Storage = d.NATS.Storage
	}
	if c.NATS.MaxAge == 0 {
		c.NATS.MaxAge = d.NATS.MaxAge
	}
	if c.NATS.DuplicateWindow == 0 {
		c.NATS.DuplicateWindow = d.NATS.DuplicateWindow
	}
	if c.Alerts.Subject == "" {
		c.Alerts.Subject = d.Alerts.Subject
	}

	if c.Health.Port == 0 {
		c.Health.Port = d.Health.Port
	}
	if c.Health.Path == "" {
		c.Health.Path = d.Health.Path
	}
	if c.Health.MetricsPath == "" {
		c.Health.MetricsPath = d.Health.MetricsPath
	}
}

// ApplyEnvOverrides applies environment variable overrides.
func (c *Config) ApplyEnvOverrides() {
	if val := os.Getenv("OPLOG_SINK_URI"); val != "" {
		c.Consumer.SinkURI = val
	}
	if val := os.Getenv("OPLOG_KAFKA_BROKERS"); val != "" {
		c.Kafka.Brokers = strings.Split(val, ",")
	}
	if val := os.Getenv("OPLOG_NATS_URL"); val != "" {
		c.NATS.URL = val
	}
	if val := os.Getenv("OPLOG_CHECKPOINT_BACKEND"); val != "" {
		c.Checkpoint.Backend = val
	}
	if val := os.Getenv("OPLOG_PRODUCER_INGESTOR"); val != "" {
		c.Producer.Ingestor = val
	}
	if val := os.Getenv("OPLOG_HEALTH_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Health.Port = port
		}
	}
}

// ResolvePaths resolves the pebble checkpoint path against dataDir.
func (c *Config) ResolvePaths(_, dataDir string) {
	if c.Checkpoint.PebblePath != "" && !filepath.IsAbs(c.Checkpoint.PebblePath) && dataDir != "" {
		c.Checkpoint.PebblePath = filepath.Join(dataDir, c.Checkpoint.PebblePath)
	}
}

// Validate returns an error if the configuration is invalid.
func (c *Config) Validate() error {
	var errs []error

	if c.Consumer.CheckpointEvery < 0 {
		errs = append(errs, errors.New("oplog.consumer.checkpoint_every must be >= 0"))
	}
	if c.Dump.Workers < 1 {
		errs = append(errs, errors.New("oplog.dump.workers must be >= 1"))
	}
	if c.Dump.BatchSize < 1 {
		errs = append(errs, errors.New("oplog.dump.batch_size must be >= 1"))
	}
	if c.Producer.BatchSize < 1 {
		errs = append(errs, errors.New("oplog.producer.batch_size must be >= 1"))
	}

	switch c.Producer.Ingestor {
	case IngestorKafka:
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("oplog.kafka.brokers is required for the kafka ingestor"))
		}
	case IngestorMongo, IngestorNATS:
	default:
		errs = append(errs, fmt.Errorf("oplog.producer.ingestor must be one of kafka, mongo, nats; got %q", c.Producer.Ingestor))
	}

	if c.NATS.Storage != "file" && c.NATS.Storage != "memory" {
		errs = append(errs, fmt.Errorf("oplog.nats.storage must be file or memory; got %q", c.NATS.Storage))
	}

	switch c.Checkpoint.Backend {
	case BackendMongo, BackendPebble:
	default:
		errs = append(errs, fmt.Errorf("oplog.checkpoint.backend must be mongo or pebble; got %q", c.Checkpoint.Backend))
	}

	if _, ok := c.Capped.CategorySizes[c.Capped.DefaultCategory]; !ok && !c.skipsCategory(c.Capped.DefaultCategory) {
		errs = append(errs, fmt.Errorf("oplog.capped.default_category %q has no size", c.Capped.DefaultCategory))
	}

	return errors.Join(errs...)
}

func (c *Config) skipsCategory(category string) bool {
	for _, s := range c.Capped.SkipCategories {
		if s == category {
			return true
		}
	}
	return false
}

// CategoryFor returns the size category of a source database.
func (c CappedConfig) CategoryFor(db string) string {
	if cat, ok := c.DBCategories[db]; ok {
		return cat
	}
	return c.DefaultCategory
}

// SizeFor returns the capped size for db, or ok=false when db is not logged.
func (c CappedConfig) SizeFor(db string) (size int64, ok bool) {
	cat := c.CategoryFor(db)
	for _, s := range c.SkipCategories {
		if s == cat {
			return 0, false
		}
	}
	size, ok = c.CategorySizes[cat]
	return size, ok
}
