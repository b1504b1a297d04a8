// Package config assembles a run's configuration from YAML files,
// environment variables, and .env files, in that order of precedence
// (environment last, strongest).
package config

import (
	"fmt"
	"time"

	"github.com/kbukum/flowrun/backend"
	"github.com/kbukum/flowrun/backend/docker"
	"github.com/kbukum/flowrun/backend/kube"
	"github.com/kbukum/flowrun/backend/local"
	"github.com/kbukum/flowrun/engine"
	"github.com/kbukum/flowrun/logger"
	"github.com/kbukum/flowrun/observability"
	"github.com/kbukum/flowrun/task"
	"github.com/kbukum/flowrun/validation"
)

// Config is the full run configuration.
type Config struct {
	Pipeline PipelineConfig    `mapstructure:"pipeline" yaml:"pipeline"`
	Params   map[string]string `mapstructure:"params" yaml:"params"`
	// Workdir is where task outputs and the resume cache live.
	Workdir string `mapstructure:"workdir" yaml:"workdir"`
	// Resume reuses cached outputs for unchanged tasks.
	Resume bool `mapstructure:"resume" yaml:"resume"`

	Engine  EngineConfig  `mapstructure:"engine" yaml:"engine"`
	Backend BackendConfig `mapstructure:"backend" yaml:"backend"`
	Logging logger.Config `mapstructure:"logging" yaml:"logging"`
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// PipelineConfig selects the pipeline definition to run.
type PipelineConfig struct {
	// File is an explicit pipeline file path. Takes precedence over Name.
	File string `mapstructure:"file" yaml:"file"`
	// Name is looked up in Dirs when File is empty.
	Name string `mapstructure:"name" yaml:"name"`
	// Dirs are the directories searched for named pipelines and includes.
	Dirs []string `mapstructure:"dirs" yaml:"dirs"`
	// Profile selects a named parameter profile declared by the pipeline.
	Profile string `mapstructure:"profile" yaml:"profile"`
}

// EngineConfig is the scheduler configuration with human-readable resource
// strings ("8", "500m", "32g") as declared in files and flags.
type EngineConfig struct {
	CPU          string        `mapstructure:"cpu" yaml:"cpu"`
	Memory       string        `mapstructure:"memory" yaml:"memory"`
	MaxParallel  int           `mapstructure:"max_parallel" yaml:"max_parallel" validate:"gte=0"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	GracePeriod  time.Duration `mapstructure:"grace_period" yaml:"grace_period"`
}

// Build parses the resource strings into an engine configuration.
func (c EngineConfig) Build() (engine.Config, error) {
	out := engine.Config{
		MaxParallel:  c.MaxParallel,
		PollInterval: c.PollInterval,
		GracePeriod:  c.GracePeriod,
	}
	if c.CPU != "" {
		cpu, err := task.ParseCPU(c.CPU)
		if err != nil {
			return engine.Config{}, fmt.Errorf("config: engine.cpu: %w", err)
		}
		out.Budget.CPU = cpu
	}
	if c.Memory != "" {
		mem, err := task.ParseMemory(c.Memory)
		if err != nil {
			return engine.Config{}, fmt.Errorf("config: engine.memory: %w", err)
		}
		out.Budget.Memory = mem
	}
	return out, nil
}

// BackendConfig selects and configures the execution backend.
type BackendConfig struct {
	backend.Config `mapstructure:",squash" yaml:",inline"`

	Local  local.Config  `mapstructure:"local" yaml:"local"`
	Docker docker.Config `mapstructure:"docker" yaml:"docker"`
	Kube   kube.Config   `mapstructure:"kubernetes" yaml:"kubernetes"`
}

// ProviderConfig returns the sub-configuration for the selected provider.
func (c *BackendConfig) ProviderConfig() (interface{}, error) {
	switch c.Provider {
	case backend.ProviderLocal:
		return &c.Local, nil
	case backend.ProviderDocker:
		return &c.Docker, nil
	case backend.ProviderKubernetes:
		return &c.Kube, nil
	default:
		return nil, fmt.Errorf("config: unknown backend provider %q", c.Provider)
	}
}

// TracingConfig configures the optional OTLP trace exporter.
type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint   string  `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure   bool    `mapstructure:"insecure" yaml:"insecure"`
	SampleRate float64 `mapstructure:"sample_rate" yaml:"sample_rate" validate:"gte=0,lte=1"`
}

// TracerConfig converts to the observability package's configuration.
func (c TracingConfig) TracerConfig(serviceName string) observability.TracerConfig {
	tc := observability.DefaultTracerConfig(serviceName)
	if c.Endpoint != "" {
		tc.Endpoint = c.Endpoint
	}
	tc.Insecure = c.Insecure
	if c.SampleRate > 0 {
		tc.SampleRate = c.SampleRate
	}
	return tc
}

// ApplyDefaults fills in zero-valued fields across all sections.
func (c *Config) ApplyDefaults() {
	if c.Workdir == "" {
		c.Workdir = "./work"
	}
	if c.Params == nil {
		c.Params = make(map[string]string)
	}
	if len(c.Pipeline.Dirs) == 0 {
		c.Pipeline.Dirs = []string{".", "./pipelines"}
	}
	c.Backend.ApplyDefaults()
	c.Logging.ApplyDefaults()
	c.Backend.Local.ApplyDefaults()
	c.Backend.Docker.ApplyDefaults()
	c.Backend.Kube.ApplyDefaults()
	if c.Tracing.Endpoint == "" {
		c.Tracing.Endpoint = "localhost:4318"
		c.Tracing.Insecure = true
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = 1
	}
}

// Validate checks the assembled configuration.
func (c *Config) Validate() error {
	if err := validation.Validate(c); err != nil {
		return err
	}
	if c.Pipeline.File == "" && c.Pipeline.Name == "" {
		return fmt.Errorf("config: pipeline.file or pipeline.name is required")
	}
	if err := c.Backend.Config.Validate(); err != nil {
		return err
	}
	providerCfg, err := c.Backend.ProviderConfig()
	if err != nil {
		return err
	}
	if v, ok := providerCfg.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	if _, err := c.Engine.Build(); err != nil {
		return err
	}
	return nil
}
