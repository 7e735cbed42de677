package catalog

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/crewflow/internal/agents"
	"github.com/rendis/crewflow/internal/agents/provider"
	"github.com/rendis/crewflow/internal/expressions"
	"github.com/rendis/crewflow/internal/validation"
	"github.com/rendis/crewflow/pkg/schema"
)

func newCEL(t *testing.T) *expressions.CELEngine {
	t.Helper()
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	return cel
}

func TestDefaultCatalog(t *testing.T) {
	c, err := Default(newCEL(t))
	require.NoError(t, err)

	var names []string
	for _, ty := range c.Types() {
		names = append(names, ty.Name)
	}
	assert.Equal(t, []string{"code_review", "full_stack", "quick_prototype"}, names)
	assert.True(t, c.Has("full_stack"))
	assert.False(t, c.Has("mobile_app"))
}

func TestBuild_FullStack(t *testing.T) {
	c, err := Default(newCEL(t))
	require.NoError(t, err)

	def, err := c.Build(context.Background(), "full_stack", json.RawMessage(`{"description":"todo app","language":"go"}`))
	require.NoError(t, err)

	assert.Equal(t, "full_stack", def.WorkflowType)
	require.Len(t, def.Steps, 5)
	var ids []string
	for _, s := range def.Steps {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"ideation", "architecture", "codegen", "review", "finalize"}, ids)
	assert.Equal(t, "transform", def.Steps[4].Agent)
	assert.Contains(t, string(def.Steps[4].Config), `"query"`)
	assert.Equal(t, "10m", def.StepTimeout(2))
	assert.Equal(t, "5m", def.StepTimeout(0))
	require.NotNil(t, def.StepPolicy(0))
	assert.Equal(t, schema.BackoffExponential, def.StepPolicy(0).Backoff)
	assert.Equal(t, "10s", def.StepPolicy(0).MaxDelay)
}

func TestBuild_InputRules(t *testing.T) {
	c, err := Default(newCEL(t))
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		name, typ, input, wantMsg string
	}{
		{"missing description", "full_stack", `{}`, "description must be at least 3 characters"},
		{"short description", "full_stack", `{"description":"ab"}`, "description must be at least 3 characters"},
		{"bad language", "full_stack", `{"description":"todo app","language":"cobol"}`, "language must be one of"},
		{"code review needs code", "code_review", `{"description":"x = 1"}`, "description must contain the code to review"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Build(ctx, tt.typ, json.RawMessage(tt.input))
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}

	_, err = c.Build(ctx, "quick_prototype", json.RawMessage(`{"description":"cli"}`))
	assert.NoError(t, err, "language is optional")
}

func TestBuild_Errors(t *testing.T) {
	c, err := Default(newCEL(t))
	require.NoError(t, err)

	_, err = c.Build(context.Background(), "mobile_app", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	_, err = c.Build(context.Background(), "full_stack", json.RawMessage(`[1,2]`))
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestLoad_MergesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
agents:
  - name: ideator
    prompt: '"Brainstorm: " + input.description'
workflow_types:
  - name: quick_prototype
    description: replaced
    steps:
      - id: only
        agent: ideator
  - name: docs
    steps:
      - id: write
        agent: summarizer
`), 0o644))

	c, err := Load(newCEL(t), path)
	require.NoError(t, err)
	assert.Len(t, c.Types(), 4)

	def, err := c.Build(context.Background(), "quick_prototype", nil)
	require.NoError(t, err, "replacement type has no rules")
	require.Len(t, def.Steps, 1)
	assert.Equal(t, "only", def.Steps[0].ID)
	assert.Equal(t, `"Brainstorm: " + input.description`, c.agents["ideator"].Prompt)
	assert.NotEmpty(t, c.agents["coder"].Prompt, "default agents survive")
}

func TestParse_Rejects(t *testing.T) {
	_, err := Parse(strings.NewReader("workflow_types:\n  - name: x\n    stepz: []\n"))
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	f, err := Parse(strings.NewReader("workflow_types:\n  - name: x\n"))
	require.NoError(t, err)
	_, err = New(newCEL(t), f)
	assert.ErrorContains(t, err, "has no steps")

	f, err = Parse(strings.NewReader("workflow_types:\n  - name: x\n    input_rules: [{expr: 'input.description +', message: m}]\n    steps: [{id: a, agent: b}]\n"))
	require.NoError(t, err)
	_, err = New(newCEL(t), f)
	assert.ErrorContains(t, err, "CEL compile error")

	_, err = Load(newCEL(t), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRegisterAgents_DefinitionsValidate(t *testing.T) {
	c, err := Default(newCEL(t))
	require.NoError(t, err)

	reg := agents.NewRegistry()
	require.NoError(t, c.RegisterAgents(reg, &provider.Static{}, expressions.NewExprEngine(), expressions.NewGoJQEngine()))
	assert.Equal(t, 6, reg.Count())

	v, err := validation.NewDefinitionValidator(reg)
	require.NoError(t, err)
	for _, ty := range c.Types() {
		def, err := c.Build(context.Background(), ty.Name, json.RawMessage(`{"description":"func main() { println(1) }"}`))
		require.NoError(t, err, ty.Name)
		assert.NoError(t, v.ValidateDefinition(&def), ty.Name)
	}
}

func TestRegisterAgents_RunsPromptChain(t *testing.T) {
	c, err := Default(newCEL(t))
	require.NoError(t, err)
	reg := agents.NewRegistry()
	require.NoError(t, c.RegisterAgents(reg, &provider.Static{}, expressions.NewExprEngine(), expressions.NewGoJQEngine()))

	coder, err := reg.Get("coder")
	require.NoError(t, err)
	out, err := coder.Execute(context.Background(), agents.Request{
		StepID:  "codegen",
		Input:   json.RawMessage(`{"description":"todo app"}`),
		Results: map[string]json.RawMessage{"ideation": json.RawMessage(`{"text":"a todo list"}`)},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"[static] Implement this in Go:","provider":"static"}`, string(out))
}
