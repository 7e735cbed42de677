package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/crewflow/internal/agents/provider"
	"github.com/rendis/crewflow/internal/expressions"
	"github.com/rendis/crewflow/pkg/schema"
)

// LLMConfig declares one language-model agent (ideation, codegen, review, ...).
type LLMConfig struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description,omitempty"`
	System      string `yaml:"system" json:"system,omitempty"`
	Prompt      string `yaml:"prompt" json:"prompt"` // expr expression over {input, results, config, step}
	Model       string `yaml:"model" json:"model,omitempty"`
	MaxTokens   int    `yaml:"max_tokens" json:"max_tokens,omitempty"`
}

// llmStepConfig is the per-step config an LLM agent accepts.
type llmStepConfig struct {
	Prompt    string `json:"prompt,omitempty"`
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

const llmConfigSchema = `{
  "type": "object",
  "properties": {
    "prompt": {"type": "string", "minLength": 1},
    "model": {"type": "string"},
    "max_tokens": {"type": "integer", "minimum": 1}
  }
}`

// LLMOutput is the result payload of an LLM agent.
type LLMOutput struct {
	Text     string `json:"text"`
	Provider string `json:"provider"`
}

// LLMAgent renders a prompt from the workflow context and completes it with a provider.
type LLMAgent struct {
	cfg       LLMConfig
	completer provider.Completer
	exprs     *expressions.ExprEngine
}

// NewLLMAgent checks the prompt expression and builds the agent.
func NewLLMAgent(cfg LLMConfig, c provider.Completer, exprs *expressions.ExprEngine) (*LLMAgent, error) {
	if cfg.Name == "" || cfg.Prompt == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "llm agent needs a name and a prompt")
	}
	if c == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "llm agent %q has no provider", cfg.Name)
	}
	if err := exprs.Check(cfg.Prompt); err != nil {
		return nil, fmt.Errorf("agent %s: %w", cfg.Name, err)
	}
	return &LLMAgent{cfg: cfg, completer: c, exprs: exprs}, nil
}

func (a *LLMAgent) Name() string { return a.cfg.Name }

func (a *LLMAgent) Describe() Info {
	return Info{Name: a.cfg.Name, Description: a.cfg.Description, ConfigSchema: json.RawMessage(llmConfigSchema)}
}

func (a *LLMAgent) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	var sc llmStepConfig
	if len(req.Config) > 0 {
		if err := json.Unmarshal(req.Config, &sc); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode %s config: %s", a.cfg.Name, err.Error()).WithCause(err)
		}
	}
	env, err := req.Env()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInternal, "decode step context: %s", err.Error()).WithCause(err)
	}

	req.Report(10, "rendering prompt")
	expression := a.cfg.Prompt
	if sc.Prompt != "" {
		expression = sc.Prompt
	}
	prompt, err := a.exprs.Render(ctx, expression, env)
	if err != nil {
		return nil, err
	}

	p := provider.Prompt{System: a.cfg.System, User: prompt, Model: a.cfg.Model, MaxTokens: a.cfg.MaxTokens}
	if sc.Model != "" {
		p.Model = sc.Model
	}
	if sc.MaxTokens > 0 {
		p.MaxTokens = sc.MaxTokens
	}

	req.Report(50, "waiting for "+a.completer.Name())
	text, err := a.completer.Complete(ctx, p)
	if err != nil {
		return nil, err
	}
	req.Report(100, "completed")

	return json.Marshal(LLMOutput{Text: text, Provider: a.completer.Name()})
}

var _ Executor = (*LLMAgent)(nil)
