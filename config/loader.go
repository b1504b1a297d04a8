package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// envPrefix scopes environment overrides: FLOWRUN_ENGINE_CPU sets engine.cpu.
const envPrefix = "FLOWRUN"

// FileSystem abstracts file probing so the loader is testable.
type FileSystem interface {
	Exists(path string) bool
	LoadEnv(path string) error
}

// RealFileSystem probes the actual filesystem.
type RealFileSystem struct{}

func (RealFileSystem) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (RealFileSystem) LoadEnv(path string) error {
	return godotenv.Load(path)
}

// LoaderConfig holds the loader's dependencies and file overrides.
type LoaderConfig struct {
	FileSystem FileSystem
	ConfigFile string
	EnvFile    string
}

// LoaderOption customizes Load.
type LoaderOption func(*LoaderConfig)

// WithFileSystem sets a custom filesystem probe.
func WithFileSystem(fs FileSystem) LoaderOption {
	return func(lc *LoaderConfig) { lc.FileSystem = fs }
}

// WithConfigFile sets an explicit config file path.
func WithConfigFile(path string) LoaderOption {
	return func(lc *LoaderConfig) { lc.ConfigFile = path }
}

// WithEnvFile sets an explicit .env file path.
func WithEnvFile(path string) LoaderOption {
	return func(lc *LoaderConfig) { lc.EnvFile = path }
}

// configSearchPaths are tried in order when no explicit file is given.
var configSearchPaths = []string{
	"./flowrun.yaml",
	"./flowrun.yml",
	"./config/flowrun.yaml",
	"./config/flowrun.yml",
}

var envSearchPaths = []string{
	".env.flowrun",
	".env",
}

// Load assembles the run configuration. Order of precedence, weakest first:
// YAML file, .env file, process environment. Defaults are applied but
// validation is left to the caller, so flags can still override.
func Load(opts ...LoaderOption) (*Config, error) {
	var lc LoaderConfig
	for _, opt := range opts {
		opt(&lc)
	}
	if lc.FileSystem == nil {
		lc.FileSystem = RealFileSystem{}
	}

	configFile := lc.ConfigFile
	if configFile == "" {
		configFile = firstExisting(lc.FileSystem, configSearchPaths)
	} else if !lc.FileSystem.Exists(configFile) {
		return nil, fmt.Errorf("config: file %s not found", configFile)
	}

	envFile := lc.EnvFile
	if envFile == "" {
		envFile = firstExisting(lc.FileSystem, envSearchPaths)
	}
	if envFile != "" && lc.FileSystem.Exists(envFile) {
		if err := lc.FileSystem.LoadEnv(envFile); err != nil {
			return nil, fmt.Errorf("config: loading %s: %w", envFile, err)
		}
	}

	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", configFile, err)
		}
	}

	bindEnvOverrides(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

func firstExisting(fs FileSystem, paths []string) string {
	for _, p := range paths {
		if fs.Exists(p) {
			return p
		}
	}
	return ""
}

// bindEnvOverrides maps FLOWRUN_-prefixed environment variables onto nested
// config keys. Underscores are ambiguous between nesting and multi-word keys
// (FLOWRUN_ENGINE_MAX_PARALLEL is engine.max_parallel), so every split of the
// remainder is bound; collisions are impossible because key paths never
// overlap between sections.
func bindEnvOverrides(v *viper.Viper) {
	for _, env := range os.Environ() {
		pair := strings.SplitN(env, "=", 2)
		if len(pair) != 2 || !strings.HasPrefix(pair[0], envPrefix+"_") {
			continue
		}
		rest := strings.ToLower(strings.TrimPrefix(pair[0], envPrefix+"_"))
		for _, key := range keyVariants(rest) {
			v.Set(key, pair[1])
		}
	}
}

// keyVariants lists the nested-key readings of an underscore-separated
// environment suffix: "engine_max_parallel" yields "engine.max_parallel",
// "engine.max.parallel", and "engine_max.parallel" among others.
func keyVariants(suffix string) []string {
	parts := strings.Split(suffix, "_")
	if len(parts) == 1 {
		return parts
	}

	variants := []string{
		suffix,
		strings.ReplaceAll(suffix, "_", "."),
	}
	for i := 1; i < len(parts); i++ {
		variants = append(variants,
			strings.Join(parts[:i], ".")+"."+strings.Join(parts[i:], "_"))
	}

	seen := make(map[string]bool, len(variants))
	out := variants[:0]
	for _, k := range variants {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}
