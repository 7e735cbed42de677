package agents

import (
	"context"
	"encoding/json"

	"github.com/rendis/crewflow/internal/expressions"
	"github.com/rendis/crewflow/pkg/schema"
)

const transformConfigSchema = `{
  "type": "object",
  "required": ["query"],
  "properties": {"query": {"type": "string", "minLength": 1}}
}`

// TransformAgent reshapes the workflow context with a jq query from its step config,
// e.g. collecting earlier results into a final report.
type TransformAgent struct {
	jq *expressions.GoJQEngine
}

// NewTransformAgent creates the "transform" agent.
func NewTransformAgent(jq *expressions.GoJQEngine) *TransformAgent {
	return &TransformAgent{jq: jq}
}

func (a *TransformAgent) Name() string { return "transform" }

func (a *TransformAgent) Describe() Info {
	return Info{
		Name:         a.Name(),
		Description:  "Runs a jq query over {input, results, config} and returns its output",
		ConfigSchema: json.RawMessage(transformConfigSchema),
	}
}

func (a *TransformAgent) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	var cfg struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(req.Config, &cfg); err != nil || cfg.Query == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "transform: config.query is required")
	}
	env, err := req.Env()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInternal, "decode step context: %s", err.Error()).WithCause(err)
	}
	out, err := a.jq.Evaluate(ctx, cfg.Query, env)
	if err != nil {
		return nil, err
	}
	req.Report(100, "transformed")
	return json.Marshal(out)
}

var _ Executor = (*TransformAgent)(nil)
