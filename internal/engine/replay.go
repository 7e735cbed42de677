package engine

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/crewflow/pkg/schema"
)

// Replay folds an ordered event log back into a workflow snapshot.
// The log must start at sequence 1 with the submission's workflow_status
// event and have no gaps. Error events carry no state and are skipped.
func Replay(events []schema.Event) (*schema.Workflow, error) {
	if len(events) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "replay: empty event log")
	}

	var wf *schema.Workflow
	for i, ev := range events {
		if want := int64(i + 1); ev.Sequence != want {
			return nil, schema.NewErrorf(schema.ErrCodeConflict,
				"replay: sequence gap at position %d: got %d, want %d", i, ev.Sequence, want)
		}
		if wf == nil {
			if ev.Type != schema.EventWorkflowStatus {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"replay: log starts with %s, want %s", ev.Type, schema.EventWorkflowStatus)
			}
			wf = &schema.Workflow{}
			if err := json.Unmarshal(ev.Data, wf); err != nil {
				return nil, replayDecodeError(ev, err)
			}
			continue
		}
		if ev.WorkflowID != wf.ID {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"replay: event %d belongs to workflow %q, not %q", ev.Sequence, ev.WorkflowID, wf.ID)
		}

		switch ev.Type {
		case schema.EventWorkflowStatus, schema.EventWorkflowComplete:
			var snap schema.Workflow
			if err := json.Unmarshal(ev.Data, &snap); err != nil {
				return nil, replayDecodeError(ev, err)
			}
			applyWorkflowFields(wf, &snap)
		case schema.EventStepUpdate, schema.EventStepComplete:
			var step schema.Step
			if err := json.Unmarshal(ev.Data, &step); err != nil {
				return nil, replayDecodeError(ev, err)
			}
			idx := wf.StepIndex(step.ID)
			if idx < 0 {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"replay: event %d references unknown step %q", ev.Sequence, step.ID)
			}
			wf.Steps[idx] = step
		}
		wf.Recompute()
	}
	return wf, nil
}

// applyWorkflowFields copies workflow-level state; steps come from step events.
func applyWorkflowFields(dst, src *schema.Workflow) {
	dst.Status = src.Status
	dst.StartedAt = src.StartedAt
	dst.EndedAt = src.EndedAt
	dst.Error = src.Error
	dst.AggregatedResult = src.AggregatedResult
}

func replayDecodeError(ev schema.Event, err error) error {
	return schema.NewError(schema.ErrCodeValidation,
		fmt.Sprintf("replay: decode %s event %d: %s", ev.Type, ev.Sequence, err.Error())).WithCause(err)
}
