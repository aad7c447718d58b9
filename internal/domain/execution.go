package domain

import (
	"errors"
	"strings"
	"time"
)

// ExecutionStatus is the lifecycle phase of one Execution.
type ExecutionStatus string

const (
	StatusQueued       ExecutionStatus = "queued"
	StatusProvisioning ExecutionStatus = "provisioning"
	StatusOperating    ExecutionStatus = "operating"
	StatusTearingDown  ExecutionStatus = "tearing_down"
	StatusCompleted    ExecutionStatus = "completed"
	StatusFailed       ExecutionStatus = "failed"
)

// validTransitions lists every edge of the execution state machine. Terminal
// states have no outgoing edges.
var validTransitions = map[ExecutionStatus]map[ExecutionStatus]bool{
	StatusQueued: {
		StatusProvisioning: true,
		StatusFailed:       true,
	},
	StatusProvisioning: {
		StatusOperating:   true,
		StatusTearingDown: true,
		StatusFailed:      true,
	},
	StatusOperating: {
		StatusTearingDown: true,
		StatusFailed:      true,
	},
	StatusTearingDown: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// NormalizeStatus maps stored values to canonical statuses; unknown values map to "".
func NormalizeStatus(value string) ExecutionStatus {
	switch ExecutionStatus(strings.ToLower(strings.TrimSpace(value))) {
	case StatusQueued:
		return StatusQueued
	case StatusProvisioning:
		return StatusProvisioning
	case StatusOperating:
		return StatusOperating
	case StatusTearingDown:
		return StatusTearingDown
	case StatusCompleted:
		return StatusCompleted
	case StatusFailed:
		return StatusFailed
	default:
		return ""
	}
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to ExecutionStatus) bool {
	return validTransitions[from][to]
}

// IsTerminal reports whether the status admits no further transitions.
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Order returns the position of the status along the lifecycle. Both
// terminal statuses share the last position.
func (s ExecutionStatus) Order() int {
	switch s {
	case StatusQueued:
		return 1
	case StatusProvisioning:
		return 2
	case StatusOperating:
		return 3
	case StatusTearingDown:
		return 4
	case StatusCompleted, StatusFailed:
		return 5
	default:
		return 0
	}
}

// PhaseDeadlines bound how long an Execution may stay in each phase.
type PhaseDeadlines struct {
	Queued       time.Time `json:"queued,omitempty"`
	Provisioning time.Time `json:"provisioning,omitempty"`
	Operating    time.Time `json:"operating,omitempty"`
	TearingDown  time.Time `json:"tearing_down,omitempty"`
}

// ExecutionError is the human-readable failure summary stored on a record.
type ExecutionError struct {
	Code               string `json:"code"`
	Message            string `json:"message"`
	RemainingResources int    `json:"remaining_resources,omitempty"`
}

func (e *ExecutionError) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Message
}

// Execution is one run of one workload.
type Execution struct {
	ID            string
	WorkloadName  string
	WorkloadClass string
	WorkloadRef   string
	RequestedBy   string
	Status        ExecutionStatus
	Duration      time.Duration
	Tags          map[string]string
	ResourceTag   string
	DispatchID    string
	CredentialID  string
	Deadlines     PhaseDeadlines
	Error         *ExecutionError
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (e Execution) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("execution id is required")
	}
	if strings.TrimSpace(e.WorkloadName) == "" {
		return errors.New("workload name is required")
	}
	if strings.TrimSpace(e.RequestedBy) == "" {
		return errors.New("requested_by is required")
	}
	if strings.TrimSpace(e.ResourceTag) == "" {
		return errors.New("resource tag is required")
	}
	if NormalizeStatus(string(e.Status)) == "" {
		return errors.New("status is invalid")
	}
	if e.Duration <= 0 {
		return errors.New("duration must be positive")
	}
	return nil
}

// Clone returns a deep copy safe to hand across goroutines.
func (e Execution) Clone() Execution {
	out := e
	if e.Tags != nil {
		out.Tags = make(map[string]string, len(e.Tags))
		for k, v := range e.Tags {
			out.Tags[k] = v
		}
	}
	if e.Error != nil {
		errCopy := *e.Error
		out.Error = &errCopy
	}
	return out
}

// Transition is one append-only history entry.
type Transition struct {
	ExecutionID string          `json:"execution_id"`
	Seq         int64           `json:"seq"`
	From        ExecutionStatus `json:"from"`
	To          ExecutionStatus `json:"to"`
	At          time.Time       `json:"at"`
	Reason      string          `json:"reason,omitempty"`
	Error       *ExecutionError `json:"error,omitempty"`
}

// TransitionFields carries the record fields written together with a status change.
// Zero values leave the stored field untouched.
type TransitionFields struct {
	At           time.Time
	Reason       string
	Error        *ExecutionError
	DispatchID   string
	CredentialID string
	Deadlines    *PhaseDeadlines
}

// ExecutionFilter narrows list queries. Zero values match everything.
type ExecutionFilter struct {
	Status       ExecutionStatus
	Statuses     []ExecutionStatus
	RequestedBy  string
	WorkloadName string
	Limit        int
}

// Matches applies the filter in memory.
func (f ExecutionFilter) Matches(e Execution) bool {
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if e.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.RequestedBy != "" && e.RequestedBy != f.RequestedBy {
		return false
	}
	if f.WorkloadName != "" && e.WorkloadName != f.WorkloadName {
		return false
	}
	return true
}
