package engine

import (
	"fmt"
	"time"

	"github.com/kbukum/flowrun/task"
)

// Budget is the total resource pool concurrent attempts must fit inside.
// Zero means unlimited for that dimension.
type Budget struct {
	// CPU is the pool size in nanocores.
	CPU int64 `mapstructure:"cpu" yaml:"cpu"`
	// Memory is the pool size in bytes.
	Memory int64 `mapstructure:"memory" yaml:"memory"`
}

// Fits reports whether a request fits in the given remaining capacity.
func (b Budget) Fits(res task.Resources, availCPU, availMem int64) bool {
	if b.CPU > 0 && res.CPU > availCPU {
		return false
	}
	if b.Memory > 0 && res.Memory > availMem {
		return false
	}
	return true
}

// NeverFits reports whether a request exceeds the whole pool and so can
// never be scheduled.
func (b Budget) NeverFits(res task.Resources) bool {
	if b.CPU > 0 && res.CPU > b.CPU {
		return true
	}
	if b.Memory > 0 && res.Memory > b.Memory {
		return true
	}
	return false
}

func (b Budget) String() string {
	return fmt.Sprintf("cpu=%s memory=%s", task.FormatCPU(b.CPU), task.FormatMemory(b.Memory))
}

// Config configures the scheduler.
type Config struct {
	// Budget caps the sum of resource requests across running attempts.
	Budget Budget `mapstructure:"budget" yaml:"budget"`
	// MaxParallel limits concurrently running attempts (0 = unlimited).
	MaxParallel int `mapstructure:"max_parallel" yaml:"max_parallel"`
	// PollInterval is how often running attempts are polled.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	// GracePeriod bounds how long cancellation waits for running attempts.
	GracePeriod time.Duration `mapstructure:"grace_period" yaml:"grace_period"`
}

// ApplyDefaults fills in zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = 10 * time.Second
	}
}

// Validate checks the scheduler configuration.
func (c *Config) Validate() error {
	if c.Budget.CPU < 0 || c.Budget.Memory < 0 {
		return fmt.Errorf("engine: budget must not be negative")
	}
	if c.MaxParallel < 0 {
		return fmt.Errorf("engine: max_parallel must not be negative")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("engine: poll_interval must be positive")
	}
	return nil
}
