package backend

import (
	"fmt"
	"time"
)

const (
	DefaultProvider    = ProviderLocal
	DefaultGracePeriod = 5 * time.Second
)

// Config holds provider-agnostic backend configuration.
type Config struct {
	Provider      string            `mapstructure:"provider" yaml:"provider"`
	GracePeriod   time.Duration     `mapstructure:"grace_period" yaml:"grace_period"`
	DefaultLabels map[string]string `mapstructure:"default_labels" yaml:"default_labels"`
}

// ApplyDefaults fills in zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Provider == "" {
		c.Provider = DefaultProvider
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = DefaultGracePeriod
	}
}

// Validate checks that the core configuration is valid.
func (c *Config) Validate() error {
	if c.Provider == "" {
		return fmt.Errorf("backend: provider is required")
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("backend: grace_period must not be negative")
	}
	return nil
}
