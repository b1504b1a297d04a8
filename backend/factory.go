package backend

import (
	"fmt"

	"github.com/kbukum/flowrun/logger"
)

// Factory creates a Backend implementation from core config and
// provider-specific config.
type Factory func(cfg Config, providerCfg any, log *logger.Logger) (Backend, error)

var factories = make(map[string]Factory)

// RegisterFactory registers a backend provider factory.
func RegisterFactory(name string, f Factory) {
	factories[name] = f
}

// New creates a Backend for the configured provider.
func New(cfg Config, providerCfg any, log *logger.Logger) (Backend, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := log.WithComponent("backend")

	f, ok := factories[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("backend: unsupported provider %q (not registered)", cfg.Provider)
	}

	l.Info("initializing execution backend", map[string]interface{}{"provider": cfg.Provider})
	return f(cfg, providerCfg, l)
}
