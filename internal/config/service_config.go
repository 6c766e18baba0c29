package config

import (
	"errors"
	"fmt"
)

// ServiceConfig is the lifecycle every section of Config goes through.
type ServiceConfig interface {
	ApplyDefaults()
	ApplyEnvOverrides()
	// ResolvePaths makes relative paths absolute. Config files resolve
	// against configDir, runtime data (logs, local checkpoints) against dataDir.
	ResolvePaths(configDir, dataDir string)
	Validate() error
}

// Section names a part of Config for error reporting.
type Section struct {
	Name   string
	Config ServiceConfig
}

// ApplyServiceConfigs runs ApplyDefaults, ApplyEnvOverrides, ResolvePaths and
// Validate on every section. All invalid sections are reported, each error
// prefixed with the section name.
func ApplyServiceConfigs(configDir, dataDir string, sections ...Section) error {
	var errs []error
	for _, s := range sections {
		s.Config.ApplyDefaults()
		s.Config.ApplyEnvOverrides()
		s.Config.ResolvePaths(configDir, dataDir)
		if err := s.Config.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}
