package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// WorkloadSpec is the resolved scenario description the Dispatcher runs.
type WorkloadSpec struct {
	Name            string            `yaml:"name"`
	Class           string            `yaml:"class"`
	Image           string            `yaml:"image"`
	Command         []string          `yaml:"command,omitempty"`
	Args            []string          `yaml:"args,omitempty"`
	Env             map[string]string `yaml:"env,omitempty"`
	CPU             string            `yaml:"cpu,omitempty"`
	Memory          string            `yaml:"memory,omitempty"`
	DefaultDuration time.Duration     `yaml:"default_duration,omitempty"`
	MaxDuration     time.Duration     `yaml:"max_duration,omitempty"`
	Ref             string            `yaml:"-"`
}

func (w WorkloadSpec) Validate() error {
	if strings.TrimSpace(w.Name) == "" {
		return errors.New("workload name is required")
	}
	if strings.TrimSpace(w.Class) == "" {
		return fmt.Errorf("workload %s: class is required", w.Name)
	}
	if strings.TrimSpace(w.Image) == "" {
		return fmt.Errorf("workload %s: image is required", w.Name)
	}
	if w.DefaultDuration < 0 || w.MaxDuration < 0 {
		return fmt.Errorf("workload %s: durations must be non-negative", w.Name)
	}
	if w.MaxDuration > 0 && w.DefaultDuration > w.MaxDuration {
		return fmt.Errorf("workload %s: default_duration exceeds max_duration", w.Name)
	}
	return nil
}

// ResourceKind orders force-deletion: leaves go first, groups last.
type ResourceKind string

const (
	ResourceLeaf      ResourceKind = "leaf"
	ResourceContainer ResourceKind = "container"
	ResourceGroup     ResourceKind = "group"
)

// Tier is the deletion pass a kind belongs to. Unknown kinds are treated as leaves.
func (k ResourceKind) Tier() int {
	switch k {
	case ResourceContainer:
		return 1
	case ResourceGroup:
		return 2
	default:
		return 0
	}
}

// ResourceRecord is a control-plane resource carrying an execution's resource tag.
type ResourceRecord struct {
	ID   string       `json:"id"`
	Type string       `json:"type"`
	Kind ResourceKind `json:"kind"`
	Tag  string       `json:"tag"`
}

// DispatchStatus is the Dispatcher's view of an isolated execution unit.
type DispatchStatus string

const (
	DispatchPending   DispatchStatus = "pending"
	DispatchRunning   DispatchStatus = "running"
	DispatchSucceeded DispatchStatus = "succeeded"
	DispatchFailed    DispatchStatus = "failed"
	DispatchNotFound  DispatchStatus = "not_found"
)
