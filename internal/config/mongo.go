package config

import (
	"errors"
	"os"
	"time"
)

// MongoConfig holds MongoDB connection settings.
type MongoConfig struct {
	// URI is the source cluster. Collections are dumped from here and the
	// producer tails its native oplog.
	URI string `yaml:"uri"`

	// OplogURI is the cluster holding the capped oplog database and pipeline
	// status records. Empty means URI.
	OplogURI string `yaml:"oplog_uri"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		URI:            "mongodb://localhost:27017",
		ConnectTimeout: 10 * time.Second,
	}
}

func (c *MongoConfig) ApplyDefaults() {
	d := DefaultMongoConfig()
	if c.URI == "" {
		c.URI = d.URI
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
}

func (c *MongoConfig) ApplyEnvOverrides() {
	if val := os.Getenv("OPLOG_MONGO_URI"); val != "" {
		c.URI = val
	}
	if val := os.Getenv("OPLOG_MONGO_OPLOG_URI"); val != "" {
		c.OplogURI = val
	}
}

func (c *MongoConfig) ResolvePaths(_, _ string) {}

func (c *MongoConfig) Validate() error {
	if c.URI == "" {
		return errors.New("mongo.uri is required")
	}
	return nil
}

// OplogClusterURI returns the URI of the cluster holding capped logs and status records.
func (c MongoConfig) OplogClusterURI() string {
	if c.OplogURI != "" {
		return c.OplogURI
	}
	return c.URI
}
