package agents

import (
	"context"
	"encoding/json"
)

// Executor performs the work of one step. The context carries the workflow's
// cancellation; implementations return promptly once it is done, with an error
// wrapping ctx.Err() or a CANCELLED CrewError.
type Executor interface {
	Name() string
	Describe() Info
	Execute(ctx context.Context, req Request) (json.RawMessage, error)
}

// ProgressFunc reports an optional 0-100 progress estimate. Never blocks.
type ProgressFunc func(percent int, message string)

// Request is the read-only context handed to an Executor.
type Request struct {
	WorkflowID   string                     `json:"workflow_id"`
	WorkflowType string                     `json:"workflow_type,omitempty"`
	StepID       string                     `json:"step_id"`
	Attempt      int                        `json:"attempt"`
	Config       json.RawMessage            `json:"config,omitempty"`
	Input        json.RawMessage            `json:"input,omitempty"`
	Results      map[string]json.RawMessage `json:"results"` // prior step results by step id
	Progress     ProgressFunc               `json:"-"`
}

// Report forwards progress if the request carries a sink.
func (r Request) Report(percent int, message string) {
	if r.Progress != nil {
		r.Progress(percent, message)
	}
}

// Env decodes the request into the generic map form used by expression engines:
// {input, results, config, step, workflow_type}.
func (r Request) Env() (map[string]any, error) {
	env := map[string]any{
		"step":          r.StepID,
		"workflow_type": r.WorkflowType,
		"attempt":       r.Attempt,
	}
	input, err := decodeObject(r.Input)
	if err != nil {
		return nil, err
	}
	env["input"] = input
	config, err := decodeObject(r.Config)
	if err != nil {
		return nil, err
	}
	env["config"] = config

	results := make(map[string]any, len(r.Results))
	for id, raw := range r.Results {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		results[id] = v
	}
	env["results"] = results
	return env, nil
}

// Info describes a registered agent for listings and validation.
type Info struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	ConfigSchema json.RawMessage `json:"config_schema,omitempty"`
}

func decodeObject(raw json.RawMessage) (map[string]any, error) {
	out := map[string]any{}
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
