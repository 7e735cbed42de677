package validation

import (
	"encoding/json"
	"testing"

	"github.com/rendis/crewflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAgents map[string][]byte

func (f fakeAgents) Has(name string) bool { _, ok := f[name]; return ok }

func (f fakeAgents) ConfigSchema(name string) []byte { return f[name] }

var testAgents = fakeAgents{
	"ideation":  nil,
	"codegen":   nil,
	"transform": []byte(`{"type":"object","required":["query"],"properties":{"query":{"type":"string"}}}`),
}

func newValidator(t *testing.T) *DefinitionValidator {
	t.Helper()
	v, err := NewDefinitionValidator(testAgents)
	require.NoError(t, err)
	return v
}

func validDef() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		WorkflowType: "quick_prototype",
		Retry:        &schema.RetryPolicy{Max: 3, Backoff: "fixed", Delay: "1s"},
		Steps: []schema.StepSpec{
			{ID: "ideation", Agent: "ideation"},
			{ID: "codegen", Agent: "codegen", Timeout: "2m"},
			{ID: "report", Agent: "transform", Config: json.RawMessage(`{"query":"."}`)},
		},
	}
}

func TestValidate_Valid(t *testing.T) {
	r := newValidator(t).Validate(validDef())
	assert.True(t, r.Valid(), "%+v", r.Errors)
	assert.NoError(t, newValidator(t).ValidateDefinition(validDef()))
}

func TestValidate_EmptyAndNil(t *testing.T) {
	v := newValidator(t)

	err := v.ValidateDefinition(&schema.WorkflowDefinition{})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidDefinition))
	assert.Contains(t, err.Error(), "no steps")

	assert.False(t, v.Validate(nil).Valid())
}

func TestValidate_UnknownAgent(t *testing.T) {
	def := validDef()
	def.Steps[1].Agent = "ghost"

	r := newValidator(t).Validate(def)
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "steps[1].agent", r.Errors[0].Path)
	assert.Equal(t, schema.ErrCodeNotFound, r.Errors[0].Code)
}

func TestValidate_DuplicateIDs(t *testing.T) {
	def := validDef()
	def.Steps[2].ID = "ideation"

	r := newValidator(t).Validate(def)
	require.False(t, r.Valid())
	assert.Equal(t, "steps[2].id", r.Errors[0].Path)
	assert.Contains(t, r.Errors[0].Message, "duplicate")
}

func TestValidate_StructuralErrorsHavePaths(t *testing.T) {
	def := validDef()
	def.Steps[0].ID = ""
	def.Retry.Backoff = "sometimes"

	r := newValidator(t).Validate(def)
	require.False(t, r.Valid())

	var paths []string
	for _, e := range r.Errors {
		paths = append(paths, e.Path)
	}
	assert.Contains(t, paths, "steps[0].id")
	assert.Contains(t, paths, "retry.backoff")
}

func TestValidate_AgentConfigSchema(t *testing.T) {
	def := validDef()
	def.Steps[2].Config = json.RawMessage(`{"q":"."}`)

	r := newValidator(t).Validate(def)
	require.False(t, r.Valid())
	assert.Equal(t, "steps[2].config", r.Errors[0].Path)
}

func TestValidate_RetryBounds(t *testing.T) {
	def := validDef()
	def.Retry = &schema.RetryPolicy{Max: 12, Delay: "5s", MaxDelay: "1s"}

	r := newValidator(t).Validate(def)
	require.False(t, r.Valid())
	assert.Equal(t, "retry.max_delay", r.Errors[0].Path)
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, "retry.max", r.Warnings[0].Path)
}

func TestValidate_BadTimeout(t *testing.T) {
	def := validDef()
	def.Steps[0].Timeout = "soon"

	r := newValidator(t).Validate(def)
	require.False(t, r.Valid())
	assert.Equal(t, "steps[0].timeout", r.Errors[0].Path)
}

func TestValidate_NilLookupSkipsAgentChecks(t *testing.T) {
	v, err := NewDefinitionValidator(nil)
	require.NoError(t, err)
	def := validDef()
	def.Steps[0].Agent = "anything"
	assert.True(t, v.Validate(def).Valid())
}

func TestJoinPath(t *testing.T) {
	assert.Equal(t, "/", joinPath("", nil))
	assert.Equal(t, "steps[0].agent", joinPath("", []string{"steps", "0", "agent"}))
	assert.Equal(t, "steps[2].config.query", joinPath("steps[2].config", []string{"query"}))
}
