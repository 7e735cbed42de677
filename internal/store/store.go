package store

import (
	"context"
	"time"

	"github.com/rendis/crewflow/pkg/schema"
)

// Store archives workflow snapshots and their event logs.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	SaveWorkflow(ctx context.Context, wf *schema.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Events (append-only, sequence assigned by the producer)
	AppendEvent(ctx context.Context, event schema.Event) error
	GetEvents(ctx context.Context, workflowID string, since int64) ([]schema.Event, error)

	// Lifecycle
	Close() error
}

// WorkflowFilter narrows ListWorkflows. Results are newest first.
type WorkflowFilter struct {
	Status       *schema.WorkflowStatus
	WorkflowType string
	Since        *time.Time
	Limit        int
	Offset       int
}

func (f WorkflowFilter) match(wf *schema.Workflow) bool {
	if f.Status != nil && wf.Status != *f.Status {
		return false
	}
	if f.WorkflowType != "" && wf.WorkflowType != f.WorkflowType {
		return false
	}
	if f.Since != nil && wf.CreatedAt.Before(*f.Since) {
		return false
	}
	return true
}

func storeNotFound(resource, id string) *schema.CrewError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func sequenceConflict(workflowID string, got, want int64) *schema.CrewError {
	return schema.NewErrorf(schema.ErrCodeConflict,
		"event sequence %d for workflow %q out of order (expected %d)", got, workflowID, want).
		WithDetails(map[string]any{"workflow_id": workflowID, "sequence": got, "expected": want})
}
