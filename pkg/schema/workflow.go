package schema

import (
	"encoding/json"
	"time"
)

// WorkflowDefinition is the ordered, immutable pipeline a workflow executes.
type WorkflowDefinition struct {
	WorkflowType string       `json:"workflow_type,omitempty"`
	Steps        []StepSpec   `json:"steps"`
	Retry        *RetryPolicy `json:"retry,omitempty"`   // default for steps without their own policy
	Timeout      string       `json:"timeout,omitempty"` // default per-step timeout (e.g. "2m")
}

// StepSpec describes a single step: which agent runs it and with what configuration.
type StepSpec struct {
	ID      string          `json:"id"`
	Agent   string          `json:"agent"`
	Config  json.RawMessage `json:"config,omitempty"` // agent-specific, opaque to the engine
	Retry   *RetryPolicy    `json:"retry,omitempty"`
	Timeout string          `json:"timeout,omitempty"`
}

// RetryPolicy configures retry behavior for a step.
type RetryPolicy struct {
	Max      int    `json:"max" yaml:"max"`                       // max retry attempts after the first
	Backoff  string `json:"backoff,omitempty" yaml:"backoff"`     // fixed | linear | exponential (default: fixed)
	Delay    string `json:"delay,omitempty" yaml:"delay"`         // base delay (e.g. "1s", "500ms")
	MaxDelay string `json:"max_delay,omitempty" yaml:"max_delay"` // cap for linear/exponential growth
}

// Backoff modes.
const (
	BackoffFixed       = "fixed"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// StepPolicy returns the retry policy effective for a step, falling back to the definition default.
func (d *WorkflowDefinition) StepPolicy(i int) *RetryPolicy {
	if i >= 0 && i < len(d.Steps) && d.Steps[i].Retry != nil {
		return d.Steps[i].Retry
	}
	return d.Retry
}

// StepTimeout returns the effective timeout string for a step.
func (d *WorkflowDefinition) StepTimeout(i int) string {
	if i >= 0 && i < len(d.Steps) && d.Steps[i].Timeout != "" {
		return d.Steps[i].Timeout
	}
	return d.Timeout
}

// Workflow is a snapshot of one execution of a definition.
// Snapshots handed out by the engine are never mutated afterwards.
type Workflow struct {
	ID               string             `json:"id"`
	WorkflowType     string             `json:"workflow_type,omitempty"`
	Definition       WorkflowDefinition `json:"definition"`
	Input            json.RawMessage    `json:"input,omitempty"`
	Status           WorkflowStatus     `json:"status"`
	Steps            []Step             `json:"steps"`
	CurrentStepIndex int                `json:"current_step_index"`
	Progress         int                `json:"progress"`
	Error            *StepError         `json:"error,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	StartedAt        *time.Time         `json:"started_at,omitempty"`
	EndedAt          *time.Time         `json:"ended_at,omitempty"`
	AggregatedResult *AggregatedResult  `json:"aggregated_result,omitempty"`
}

// Step is the runtime state of one step.
type Step struct {
	ID         string          `json:"id"`
	AgentName  string          `json:"agent_name"`
	Status     StepStatus      `json:"status"`
	Progress   int             `json:"progress"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *StepError      `json:"error,omitempty"`
	RetryCount int             `json:"retry_count"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	EndedAt    *time.Time      `json:"ended_at,omitempty"`
}

// AggregatedResult is the final summary produced once a workflow is terminal.
type AggregatedResult struct {
	TotalDurationMs int64                      `json:"total_duration_ms"`
	StepDurationsMs map[string]int64           `json:"step_durations_ms"`
	CompletedSteps  int                        `json:"completed_steps"`
	FailedSteps     int                        `json:"failed_steps"` // excludes a step interrupted by cancellation
	TotalSteps      int                        `json:"total_steps"`  // steps that started
	SkippedSteps    int                        `json:"skipped_steps"`
	SuccessRate     float64                    `json:"success_rate"`
	Results         map[string]json.RawMessage `json:"results"`
	Error           *StepError                 `json:"error,omitempty"`
	Cancelled       bool                       `json:"cancelled,omitempty"`
}

// NewWorkflow builds a pending workflow with one pending step per spec.
func NewWorkflow(id string, def WorkflowDefinition, input json.RawMessage, now time.Time) *Workflow {
	steps := make([]Step, len(def.Steps))
	for i, s := range def.Steps {
		steps[i] = Step{ID: s.ID, AgentName: s.Agent, Status: StepStatusPending}
	}
	return &Workflow{
		ID:           id,
		WorkflowType: def.WorkflowType,
		Definition:   def,
		Input:        input,
		Status:       WorkflowStatusPending,
		Steps:        steps,
		CreatedAt:    now,
	}
}

// Clone returns a copy whose step slice can be mutated independently.
// Raw payloads are shared; they are treated as immutable once set.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	c := *w
	c.Steps = make([]Step, len(w.Steps))
	copy(c.Steps, w.Steps)
	return &c
}

// Terminal reports whether the workflow has reached a terminal status.
func (w *Workflow) Terminal() bool {
	return w.Status.Terminal()
}

// Recompute refreshes the derived fields current_step_index and progress.
func (w *Workflow) Recompute() {
	if len(w.Steps) == 0 {
		w.CurrentStepIndex, w.Progress = 0, 0
		return
	}
	started, sum := 0, 0
	for _, s := range w.Steps {
		if s.Status != StepStatusPending {
			started++
		}
		switch s.Status {
		case StepStatusCompleted:
			sum += 100
		case StepStatusRunning:
			sum += clampPct(s.Progress)
		}
	}
	w.CurrentStepIndex = started
	w.Progress = sum / len(w.Steps)
}

// StepIndex returns the index of the step with the given id, or -1.
func (w *Workflow) StepIndex(id string) int {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return i
		}
	}
	return -1
}

func clampPct(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
