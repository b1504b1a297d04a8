package docker

import (
	"errors"
	"fmt"
)

// Config holds Docker-specific backend configuration.
type Config struct {
	Host       string     `mapstructure:"host" yaml:"host"`
	APIVersion string     `mapstructure:"api_version" yaml:"api_version"`
	TLS        *TLSConfig `mapstructure:"tls" yaml:"tls"`
	Network    string     `mapstructure:"network" yaml:"network"`
	Platform   string     `mapstructure:"platform" yaml:"platform"`

	// Shell interprets task commands inside the container.
	Shell string `mapstructure:"shell" yaml:"shell"`
	// Binds are extra host mounts ("src:dst[:mode]") made available to every
	// attempt, typically the data and reference directories.
	Binds []string `mapstructure:"binds" yaml:"binds"`
	// DefaultImage runs tasks that declare no image of their own.
	DefaultImage string `mapstructure:"default_image" yaml:"default_image"`
}

// TLSConfig holds Docker TLS settings.
type TLSConfig struct {
	CACert string `mapstructure:"ca_cert" yaml:"ca_cert"`
	Cert   string `mapstructure:"cert" yaml:"cert"`
	Key    string `mapstructure:"key" yaml:"key"`
}

// ApplyDefaults fills in zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "unix:///var/run/docker.sock"
	}
	if c.Shell == "" {
		c.Shell = "/bin/sh"
	}
}

// Validate checks the Docker configuration.
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("docker: host is required")
	}
	if c.TLS != nil {
		if c.TLS.Cert == "" || c.TLS.Key == "" {
			return fmt.Errorf("docker: tls cert and key are both required when tls is enabled")
		}
	}
	return nil
}
