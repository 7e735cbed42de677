package schema

import (
	"encoding/json"
	"time"
)

// EventType tags the variants of Event.
type EventType string

const (
	EventWorkflowStatus   EventType = "workflow_status"
	EventStepUpdate       EventType = "step_update"
	EventStepComplete     EventType = "step_complete"
	EventWorkflowComplete EventType = "workflow_complete"
	EventError            EventType = "error"
)

// Event is one unit of progress information for a workflow.
// Data holds a Step snapshot, a Workflow snapshot or an ErrorPayload depending on Type.
type Event struct {
	Type       EventType       `json:"type"`
	WorkflowID string          `json:"workflow_id"`
	Sequence   int64           `json:"sequence"`
	Timestamp  time.Time       `json:"timestamp"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data,omitempty"`
	Replayed   bool            `json:"replayed,omitempty"`
}

// ErrorPayload is the data of an error event.
type ErrorPayload struct {
	StepID     string    `json:"step_id,omitempty"`
	Kind       ErrorKind `json:"kind"`
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	RetryCount int       `json:"retry_count"`
	Retrying   bool      `json:"retrying,omitempty"`
	DelayMs    int64     `json:"delay_ms,omitempty"`
}

// IsTerminal reports whether the event ends the workflow's stream.
func (e Event) IsTerminal() bool {
	return e.Type == EventWorkflowComplete
}

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusPending   WorkflowStatus = "pending"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// Terminal reports whether no further mutation can happen in this status.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusCancelled:
		return true
	}
	return false
}

// StepStatus represents the lifecycle state of a step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// Terminal reports whether the step has settled.
func (s StepStatus) Terminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed
}
