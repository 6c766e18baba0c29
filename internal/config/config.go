package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	oplog "github.com/syntrixbase/oplogpipe/internal/oplog/config"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Mongo   MongoConfig   `yaml:"mongo"`
	Oplog   oplog.Config  `yaml:"oplog"`

	// DataDir is the base directory for logs and local checkpoint files.
	DataDir string `yaml:"data_dir"`
}

// LoadConfig loads configuration from configDir and environment variables.
// Order: defaults -> config.yml -> config.local.yml -> ApplyDefaults -> ApplyEnvOverrides -> ResolvePaths -> Validate
func LoadConfig(configDir string) (*Config, error) {
	cfg := &Config{
		Logging: DefaultLoggingConfig(),
		Mongo:   DefaultMongoConfig(),
		Oplog:   oplog.DefaultConfig(),
		DataDir: "data",
	}

	loadFile(filepath.Join(configDir, "config.yml"), cfg)
	loadFile(filepath.Join(configDir, "config.local.yml"), cfg)

	if val := os.Getenv("OPLOG_DATA_DIR"); val != "" {
		cfg.DataDir = val
	}

	if err := ApplyServiceConfigs(configDir, cfg.DataDir,
		Section{"logging", &cfg.Logging},
		Section{"mongo", &cfg.Mongo},
		Section{"oplog", &cfg.Oplog},
	); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, nil
}

func loadFile(filename string, cfg *Config) {
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		log.Printf("Warning: Error reading %s: %v", filename, err)
		return
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("Warning: Error parsing %s: %v", filename, err)
	}
}
