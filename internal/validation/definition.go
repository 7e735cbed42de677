package validation

import (
	"fmt"
	"time"

	"github.com/rendis/crewflow/pkg/schema"
)

// AgentLookup is the view of the agent registry validation needs.
type AgentLookup interface {
	Has(name string) bool
	ConfigSchema(name string) []byte
}

// DefinitionValidator runs the checks a definition must pass before a workflow
// is created from it:
//  1. structural (JSON Schema)
//  2. semantic (unique step ids, known agents, durations, retry bounds)
//  3. per-agent config schemas
type DefinitionValidator struct {
	schemas *SchemaValidator
	agents  AgentLookup
}

// NewDefinitionValidator creates a validator. agents may be nil to skip agent checks.
func NewDefinitionValidator(agents AgentLookup) (*DefinitionValidator, error) {
	sv, err := NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &DefinitionValidator{schemas: sv, agents: agents}, nil
}

// Validate returns every problem found. Structural errors skip the later stages.
func (v *DefinitionValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "definition is nil")
		return r
	}
	if len(def.Steps) == 0 {
		r := &schema.ValidationResult{}
		r.AddError("steps", schema.ErrCodeValidation, "definition has no steps")
		return r
	}

	result := v.schemas.Definition(def)
	if !result.Valid() {
		return result
	}

	result.Merge(v.semantic(def))
	if result.Valid() && v.agents != nil {
		for i, step := range def.Steps {
			prefix := fmt.Sprintf("steps[%d].config", i)
			result.Merge(v.schemas.Document(prefix, step.Config, v.agents.ConfigSchema(step.Agent)))
		}
	}
	return result
}

// ValidateDefinition returns an INVALID_DEFINITION error, or nil.
func (v *DefinitionValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return v.Validate(def).ToError()
}

func (v *DefinitionValidator) semantic(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	seen := make(map[string]int, len(def.Steps))
	for i, step := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		if prev, dup := seen[step.ID]; dup {
			result.AddError(path+".id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q (also steps[%d])", step.ID, prev))
		}
		seen[step.ID] = i

		if v.agents != nil && !v.agents.Has(step.Agent) {
			result.AddError(path+".agent", schema.ErrCodeNotFound, fmt.Sprintf("unknown agent %q", step.Agent))
		}
		checkDuration(result, path+".timeout", step.Timeout)
		checkRetry(result, path+".retry", step.Retry)
	}
	checkDuration(result, "timeout", def.Timeout)
	checkRetry(result, "retry", def.Retry)
	return result
}

func checkDuration(result *schema.ValidationResult, path, s string) {
	if s == "" {
		return
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		result.AddError(path, schema.ErrCodeValidation, err.Error())
		return
	}
	if d <= 0 {
		result.AddError(path, schema.ErrCodeValidation, "duration must be positive")
	}
}

func checkRetry(result *schema.ValidationResult, path string, p *schema.RetryPolicy) {
	if p == nil {
		return
	}
	checkDuration(result, path+".delay", p.Delay)
	checkDuration(result, path+".max_delay", p.MaxDelay)
	if p.Max > 10 {
		result.AddWarning(path+".max", schema.ErrCodeValidation, fmt.Sprintf("%d retries is unusually high", p.Max))
	}
	if p.Delay != "" && p.MaxDelay != "" {
		d, err1 := time.ParseDuration(p.Delay)
		m, err2 := time.ParseDuration(p.MaxDelay)
		if err1 == nil && err2 == nil && m < d {
			result.AddError(path+".max_delay", schema.ErrCodeValidation, "max_delay is shorter than delay")
		}
	}
}
