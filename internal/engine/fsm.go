package engine

import (
	"sync"
	"time"

	"github.com/rendis/crewflow/pkg/schema"
)

// Transition describes one state change of a workflow or of one of its steps.
// StepID and Agent are empty for workflow transitions.
type Transition[S ~string] struct {
	WorkflowID string
	StepID     string
	Agent      string
	From, To   S
	Elapsed    time.Duration // time spent in From, when known
}

// TransitionHook observes a transition. A before-hook error aborts it.
type TransitionHook[S ~string] func(t Transition[S]) error

type hookKey[S ~string] struct {
	from, to S
}

// FSM validates lifecycle transitions against a fixed table and runs hooks.
// It holds no per-entity state: the caller owns the status field and only
// mutates it once Transition returns nil.
type FSM[S ~string] struct {
	kind    string
	allowed map[S][]S

	mu     sync.RWMutex
	before map[hookKey[S]][]TransitionHook[S]
	after  map[hookKey[S]][]TransitionHook[S]
	enter  map[S][]TransitionHook[S]
}

// ValidWorkflowTransitions is the workflow lifecycle table.
var ValidWorkflowTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowStatusPending: {schema.WorkflowStatusRunning, schema.WorkflowStatusCancelled, schema.WorkflowStatusFailed},
	schema.WorkflowStatusRunning: {schema.WorkflowStatusCompleted, schema.WorkflowStatusFailed, schema.WorkflowStatusCancelled},
}

// ValidStepTransitions is the step lifecycle table. running -> running marks a retry.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending: {schema.StepStatusRunning},
	schema.StepStatusRunning: {schema.StepStatusRunning, schema.StepStatusCompleted, schema.StepStatusFailed},
}

// NewFSM creates an FSM over the given table. kind names the entity in errors.
func NewFSM[S ~string](kind string, allowed map[S][]S) *FSM[S] {
	return &FSM[S]{
		kind:    kind,
		allowed: allowed,
		before:  make(map[hookKey[S]][]TransitionHook[S]),
		after:   make(map[hookKey[S]][]TransitionHook[S]),
		enter:   make(map[S][]TransitionHook[S]),
	}
}

// NewWorkflowFSM creates the workflow lifecycle FSM.
func NewWorkflowFSM() *FSM[schema.WorkflowStatus] {
	return NewFSM("workflow", ValidWorkflowTransitions)
}

// NewStepFSM creates the step lifecycle FSM.
func NewStepFSM() *FSM[schema.StepStatus] {
	return NewFSM("step", ValidStepTransitions)
}

// OnBefore registers a hook called before from -> to.
func (f *FSM[S]) OnBefore(from, to S, hook TransitionHook[S]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey[S]{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after from -> to.
func (f *FSM[S]) OnAfter(from, to S, hook TransitionHook[S]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey[S]{from, to}
	f.after[key] = append(f.after[key], hook)
}

// OnEnter registers a hook called after any transition into to.
func (f *FSM[S]) OnEnter(to S, hook TransitionHook[S]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enter[to] = append(f.enter[to], hook)
}

// Can reports whether from -> to is in the table.
func (f *FSM[S]) Can(from, to S) bool {
	for _, a := range f.allowed[from] {
		if a == to {
			return true
		}
	}
	return false
}

// Transition validates t and runs its hooks. After and enter hook errors are
// returned but the transition is considered done.
func (f *FSM[S]) Transition(t Transition[S]) error {
	if !f.Can(t.From, t.To) {
		details := map[string]any{"workflow_id": t.WorkflowID, "from": string(t.From), "to": string(t.To)}
		err := schema.NewErrorf(schema.ErrCodeInternal, "invalid %s transition: %s -> %s", f.kind, t.From, t.To)
		if t.StepID != "" {
			details["step_id"] = t.StepID
			err = err.WithStep(t.StepID)
		}
		return err.WithDetails(details)
	}

	f.mu.RLock()
	key := hookKey[S]{t.From, t.To}
	before := f.before[key]
	after := make([]TransitionHook[S], 0, len(f.after[key])+len(f.enter[t.To]))
	after = append(after, f.after[key]...)
	after = append(after, f.enter[t.To]...)
	f.mu.RUnlock()

	for _, hook := range before {
		if err := hook(t); err != nil {
			return err
		}
	}
	var firstErr error
	for _, hook := range after {
		if err := hook(t); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
