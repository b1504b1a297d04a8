package task

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kbukum/flowrun/errors"
)

// Resources are the parsed per-instance resource requirements.
// CPU is in nanocores, Memory in bytes, matching container runtimes.
type Resources struct {
	CPU     int64         `yaml:"-"`
	Memory  int64         `yaml:"-"`
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// Raw strings as declared in the pipeline definition ("2", "500m", "4g").
	CPURaw    string `yaml:"cpu,omitempty"`
	MemoryRaw string `yaml:"memory,omitempty"`
}

// Parse converts the raw declaration strings into nanocores and bytes.
func (r *Resources) Parse() error {
	if r.CPURaw != "" {
		cpu, err := ParseCPU(r.CPURaw)
		if err != nil {
			return errors.Configuration(err.Error())
		}
		r.CPU = cpu
	}
	if r.MemoryRaw != "" {
		mem, err := ParseMemory(r.MemoryRaw)
		if err != nil {
			return errors.Configuration(err.Error())
		}
		r.Memory = mem
	}
	return nil
}

// String renders the request in human-readable form.
func (r Resources) String() string {
	return fmt.Sprintf("%s cpu, %s mem", FormatCPU(r.CPU), FormatMemory(r.Memory))
}

// ParseMemory converts human-readable memory strings to bytes.
// Supported suffixes: k/ki (KiB), m/mi (MiB), g/gi (GiB), t/ti (TiB).
// Without suffix, the value is treated as bytes.
func ParseMemory(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("task: empty memory string")
	}

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "ti"):
		multiplier = 1024 * 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "ti")
	case strings.HasSuffix(s, "gi"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "gi")
	case strings.HasSuffix(s, "mi"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "mi")
	case strings.HasSuffix(s, "ki"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "ki")
	case strings.HasSuffix(s, "t"):
		multiplier = 1024 * 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "t")
	case strings.HasSuffix(s, "g"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "g")
	case strings.HasSuffix(s, "m"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "k"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "k")
	}

	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("task: parse memory %q: %w", s, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("task: memory must be non-negative: %d", val)
	}
	return val * multiplier, nil
}

// ParseCPU converts human-readable CPU strings to nanocores.
// Supported formats: "0.5" (cores), "500m" (millicores), "1" (1 core).
func ParseCPU(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("task: empty CPU string")
	}

	if strings.HasSuffix(s, "m") {
		// Millicores: "500m" = 0.5 CPU = 500,000,000 nanocores
		val, err := strconv.ParseFloat(strings.TrimSuffix(s, "m"), 64)
		if err != nil {
			return 0, fmt.Errorf("task: parse CPU %q: %w", s, err)
		}
		return int64(val * 1e6), nil
	}

	val, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("task: parse CPU %q: %w", s, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("task: CPU must be non-negative: %s", s)
	}
	return int64(val * 1e9), nil
}

// FormatMemory converts bytes to a human-readable string.
func FormatMemory(bytes int64) string {
	switch {
	case bytes >= 1024*1024*1024:
		return fmt.Sprintf("%dg", bytes/(1024*1024*1024))
	case bytes >= 1024*1024:
		return fmt.Sprintf("%dm", bytes/(1024*1024))
	case bytes >= 1024:
		return fmt.Sprintf("%dk", bytes/1024)
	default:
		return fmt.Sprintf("%d", bytes)
	}
}

// FormatCPU converts nanocores to a human-readable string.
func FormatCPU(nanocores int64) string {
	if nanocores%1e9 == 0 {
		return fmt.Sprintf("%d", nanocores/1e9)
	}
	if nanocores%1e6 == 0 {
		return fmt.Sprintf("%dm", nanocores/1e6)
	}
	return fmt.Sprintf("%.3f", float64(nanocores)/1e9)
}
