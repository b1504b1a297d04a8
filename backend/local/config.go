package local

import "fmt"

// Config holds local-runner-specific configuration.
type Config struct {
	// Shell is the shell binary used to interpret task commands.
	Shell string `mapstructure:"shell" yaml:"shell"`
	// Env is additional environment variables (key=value), merged with the
	// scheduler's environment.
	Env []string `mapstructure:"env" yaml:"env"`
}

// ApplyDefaults fills in zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Shell == "" {
		c.Shell = "/bin/sh"
	}
}

// Validate checks the local runner configuration.
func (c *Config) Validate() error {
	if c.Shell == "" {
		return fmt.Errorf("local: shell is required")
	}
	return nil
}
