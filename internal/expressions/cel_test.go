package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/rendis/crewflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCEL(t *testing.T) *CELEngine {
	t.Helper()
	e, err := NewCELEngine()
	require.NoError(t, err)
	return e
}

func TestCEL_Name(t *testing.T) {
	assert.Equal(t, "cel", newCEL(t).Name())
}

func TestCEL_InputRule(t *testing.T) {
	e := newCEL(t)
	data := map[string]any{
		"input":         map[string]any{"description": "a todo app", "language": "go"},
		"workflow_type": "full_stack",
	}

	ok, err := e.EvaluateBool(context.Background(), `size(input.description) > 3`, data)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.EvaluateBool(context.Background(), `input.language in ["go", "python", "typescript"]`, data)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.EvaluateBool(context.Background(), `workflow_type == "code_review"`, data)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCEL_HasMacroOnMissingInput(t *testing.T) {
	e := newCEL(t)
	ok, err := e.EvaluateBool(context.Background(), `has(input.description)`, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCEL_CompileError(t *testing.T) {
	e := newCEL(t)
	err := e.Check(`input.description >`)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestCEL_NonBooleanRejected(t *testing.T) {
	e := newCEL(t)
	err := e.Check(`1 + 2`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be boolean")
}

func TestCEL_RuntimeErrorOnMissingKey(t *testing.T) {
	e := newCEL(t)
	_, err := e.EvaluateBool(context.Background(), `input.missing == "x"`, map[string]any{"input": map[string]any{}})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestCEL_EmptyExpression(t *testing.T) {
	_, err := newCEL(t).Evaluate(context.Background(), "", nil)
	require.Error(t, err)
}

func TestCEL_CacheConcurrent(t *testing.T) {
	e := newCEL(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := e.EvaluateBool(context.Background(), `input.n > 1`, map[string]any{"input": map[string]any{"n": 2}})
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, e.cache.size())
}
