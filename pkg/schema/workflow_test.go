package schema

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threeSteps() WorkflowDefinition {
	return WorkflowDefinition{
		Retry: &RetryPolicy{Max: 2},
		Steps: []StepSpec{
			{ID: "a", Agent: "ideation"},
			{ID: "b", Agent: "codegen", Retry: &RetryPolicy{Max: 5}, Timeout: "10s"},
			{ID: "c", Agent: "review"},
		},
		Timeout: "1m",
	}
}

func TestNewWorkflow(t *testing.T) {
	now := time.Now()
	wf := NewWorkflow("wf-1", threeSteps(), json.RawMessage(`{"x":1}`), now)

	assert.Equal(t, WorkflowStatusPending, wf.Status)
	require.Len(t, wf.Steps, 3)
	for i, s := range wf.Steps {
		assert.Equal(t, wf.Definition.Steps[i].ID, s.ID)
		assert.Equal(t, StepStatusPending, s.Status)
	}
	assert.Equal(t, 0, wf.CurrentStepIndex)
	assert.False(t, wf.Terminal())
}

func TestWorkflow_CloneIsIndependent(t *testing.T) {
	wf := NewWorkflow("wf-1", threeSteps(), nil, time.Now())
	c := wf.Clone()
	c.Steps[0].Status = StepStatusRunning

	assert.Equal(t, StepStatusPending, wf.Steps[0].Status)
	assert.Nil(t, (*Workflow)(nil).Clone())
}

func TestWorkflow_Recompute(t *testing.T) {
	wf := NewWorkflow("wf-1", threeSteps(), nil, time.Now())
	wf.Steps[0].Status = StepStatusCompleted
	wf.Steps[1].Status = StepStatusRunning
	wf.Steps[1].Progress = 50
	wf.Recompute()

	assert.Equal(t, 2, wf.CurrentStepIndex)
	assert.Equal(t, 50, wf.Progress)

	wf.Steps[1].Progress = 250
	wf.Recompute()
	assert.Equal(t, 66, wf.Progress)
}

func TestDefinition_StepDefaults(t *testing.T) {
	def := threeSteps()
	assert.Equal(t, 2, def.StepPolicy(0).Max)
	assert.Equal(t, 5, def.StepPolicy(1).Max)
	assert.Equal(t, "1m", def.StepTimeout(0))
	assert.Equal(t, "10s", def.StepTimeout(1))
	assert.Same(t, def.Retry, def.StepPolicy(99))
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, WorkflowStatusRunning.Terminal())
	assert.True(t, WorkflowStatusCancelled.Terminal())
	assert.True(t, StepStatusFailed.Terminal())
	assert.False(t, StepStatusPending.Terminal())
}
