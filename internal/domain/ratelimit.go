package domain

import (
	"fmt"
	"strings"
	"time"
)

// ScopeType names a rate-limit dimension.
type ScopeType string

const (
	ScopeGlobal        ScopeType = "global"
	ScopeWorkloadClass ScopeType = "workload_class"
	ScopeRequester     ScopeType = "requester"
)

// ScopeKey identifies one RateLimitCounter.
type ScopeKey struct {
	Type ScopeType
	Key  string
}

func (k ScopeKey) String() string {
	return string(k.Type) + "/" + k.Key
}

func (k ScopeKey) Validate() error {
	switch k.Type {
	case ScopeGlobal, ScopeWorkloadClass, ScopeRequester:
	default:
		return fmt.Errorf("unsupported scope type %q", k.Type)
	}
	if strings.TrimSpace(k.Key) == "" {
		return fmt.Errorf("scope %s: key is required", k.Type)
	}
	return nil
}

// RateLimitCounter is a versioned token-bucket record. The whole bucket refills
// when the window rolls over. Version 0 means the record does not exist yet.
type RateLimitCounter struct {
	Scope       ScopeKey
	WindowStart time.Time
	Count       int
	Capacity    int
	Window      time.Duration
	Version     int64
}

// WindowEnd is the instant the current window rolls over.
func (c RateLimitCounter) WindowEnd() time.Time {
	return c.WindowStart.Add(c.Window)
}
