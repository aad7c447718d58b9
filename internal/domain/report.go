package domain

import "time"

// Report is the summary stored once an execution reaches a terminal status.
type Report struct {
	ExecutionID        string            `json:"execution_id"`
	WorkloadName       string            `json:"workload_name"`
	WorkloadClass      string            `json:"workload_class,omitempty"`
	RequestedBy        string            `json:"requested_by"`
	Tags               map[string]string `json:"tags,omitempty"`
	ResourceTag        string            `json:"resource_tag"`
	Status             ExecutionStatus   `json:"status"`
	Error              *ExecutionError   `json:"error,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	FinishedAt         time.Time         `json:"finished_at"`
	ResourcesDeleted   int               `json:"resources_deleted"`
	ResourcesRemaining int               `json:"resources_remaining"`
	CredentialRevoked  bool              `json:"credential_revoked"`
	History            []Transition      `json:"history"`
}
