package engine

import (
	"encoding/json"

	"github.com/rendis/crewflow/pkg/schema"
)

// Aggregate summarizes a terminal workflow. Completed steps contribute their
// results even when the workflow failed or was cancelled.
func Aggregate(wf *schema.Workflow) *schema.AggregatedResult {
	agg := &schema.AggregatedResult{
		StepDurationsMs: make(map[string]int64, len(wf.Steps)),
		Results:         make(map[string]json.RawMessage, len(wf.Steps)),
		Error:           wf.Error,
		Cancelled:       wf.Status == schema.WorkflowStatusCancelled,
	}
	if wf.StartedAt != nil && wf.EndedAt != nil {
		agg.TotalDurationMs = wf.EndedAt.Sub(*wf.StartedAt).Milliseconds()
	}

	for _, s := range wf.Steps {
		if s.StartedAt != nil && s.EndedAt != nil {
			agg.StepDurationsMs[s.ID] = s.EndedAt.Sub(*s.StartedAt).Milliseconds()
		}
		switch s.Status {
		case schema.StepStatusPending:
			agg.SkippedSteps++
			continue
		case schema.StepStatusCompleted:
			agg.CompletedSteps++
			agg.Results[s.ID] = s.Result
		case schema.StepStatusFailed:
			if s.Error == nil || s.Error.Kind != schema.KindCancelled {
				agg.FailedSteps++
			}
		}
		agg.TotalSteps++
	}
	if agg.TotalSteps > 0 {
		agg.SuccessRate = float64(agg.CompletedSteps) / float64(agg.TotalSteps)
	}
	return agg
}
