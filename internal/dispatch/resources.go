package dispatch

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/animus-labs/rangekeeper/internal/domain"
)

// ResourceBounds limits what a workload may request. Quantities use the
// Kubernetes notation ("500m", "2" for CPU; "512Mi", "4Gi" for memory).
type ResourceBounds struct {
	DefaultCPU    string `yaml:"default_cpu"`
	DefaultMemory string `yaml:"default_memory"`
	MaxCPU        string `yaml:"max_cpu"`
	MaxMemory     string `yaml:"max_memory"`
}

func DefaultResourceBounds() ResourceBounds {
	return ResourceBounds{
		DefaultCPU:    "500m",
		DefaultMemory: "512Mi",
		MaxCPU:        "2",
		MaxMemory:     "4Gi",
	}
}

func (b ResourceBounds) Validate() error {
	maxCPU, err := parseMilliCPU(b.MaxCPU)
	if err != nil {
		return fmt.Errorf("resource bounds: max_cpu: %w", err)
	}
	maxMemory, err := parseMemory(b.MaxMemory)
	if err != nil {
		return fmt.Errorf("resource bounds: max_memory: %w", err)
	}
	defCPU, err := parseMilliCPU(b.DefaultCPU)
	if err != nil {
		return fmt.Errorf("resource bounds: default_cpu: %w", err)
	}
	defMemory, err := parseMemory(b.DefaultMemory)
	if err != nil {
		return fmt.Errorf("resource bounds: default_memory: %w", err)
	}
	switch {
	case defCPU > maxCPU:
		return fmt.Errorf("resource bounds: default_cpu %s exceeds max_cpu %s", b.DefaultCPU, b.MaxCPU)
	case defMemory > maxMemory:
		return fmt.Errorf("resource bounds: default_memory %s exceeds max_memory %s", b.DefaultMemory, b.MaxMemory)
	}
	return nil
}

// Resources are the fixed limits applied to one dispatched unit.
type Resources struct {
	CPU    string
	Memory string
}

// Resolve applies defaults and rejects requests outside the bounds with a
// validation error.
func (b ResourceBounds) Resolve(workload domain.WorkloadSpec) (Resources, error) {
	cpu := strings.TrimSpace(workload.CPU)
	if cpu == "" {
		cpu = b.DefaultCPU
	}
	memory := strings.TrimSpace(workload.Memory)
	if memory == "" {
		memory = b.DefaultMemory
	}

	milli, err := parseMilliCPU(cpu)
	if err != nil {
		return Resources{}, domain.Validationf("workload %s: cpu: %v", workload.Name, err)
	}
	maxMilli, err := parseMilliCPU(b.MaxCPU)
	if err != nil {
		return Resources{}, fmt.Errorf("resource bounds: max_cpu: %w", err)
	}
	if milli > maxMilli {
		return Resources{}, domain.Validationf("workload %s: cpu %s exceeds limit %s", workload.Name, cpu, b.MaxCPU)
	}

	bytes, err := parseMemory(memory)
	if err != nil {
		return Resources{}, domain.Validationf("workload %s: memory: %v", workload.Name, err)
	}
	maxBytes, err := parseMemory(b.MaxMemory)
	if err != nil {
		return Resources{}, fmt.Errorf("resource bounds: max_memory: %w", err)
	}
	if bytes > maxBytes {
		return Resources{}, domain.Validationf("workload %s: memory %s exceeds limit %s", workload.Name, humanize.IBytes(bytes), humanize.IBytes(maxBytes))
	}
	return Resources{CPU: cpu, Memory: memory}, nil
}

// parseMilliCPU accepts whole or fractional cores and millicores.
func parseMilliCPU(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("quantity is required")
	}
	if milli, ok := strings.CutSuffix(value, "m"); ok {
		n, err := strconv.ParseInt(milli, 10, 64)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid cpu quantity %q", value)
		}
		return n, nil
	}
	cores, err := strconv.ParseFloat(value, 64)
	if err != nil || cores <= 0 {
		return 0, fmt.Errorf("invalid cpu quantity %q", value)
	}
	return int64(cores * 1000), nil
}

// parseMemory accepts binary (Ki, Mi, Gi) and decimal (K, M, G) suffixes.
func parseMemory(value string) (uint64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("quantity is required")
	}
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, fmt.Errorf("invalid memory quantity %q", value)
	}
	if n == 0 {
		return 0, fmt.Errorf("memory quantity %q must be positive", value)
	}
	return n, nil
}
