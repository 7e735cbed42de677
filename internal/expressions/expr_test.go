package expressions

import (
	"context"
	"testing"

	"github.com/rendis/crewflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpr_RenderPrompt(t *testing.T) {
	e := NewExprEngine()
	data := map[string]any{
		"input":   map[string]any{"description": "url shortener", "language": "go"},
		"results": map[string]any{"ideation": map[string]any{"text": "use base62"}},
	}

	out, err := e.Render(context.Background(),
		`"Design " + input.description + " in " + input.language + ". Ideas: " + results.ideation.text`, data)
	require.NoError(t, err)
	assert.Equal(t, "Design url shortener in go. Ideas: use base62", out)
}

func TestExpr_NilCoalescingForMissingResults(t *testing.T) {
	e := NewExprEngine()
	out, err := e.Render(context.Background(), `results?.review?.text ?? "no review yet"`, map[string]any{"results": map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, "no review yet", out)
}

func TestExpr_NonStringFormatted(t *testing.T) {
	e := NewExprEngine()
	out, err := e.Render(context.Background(), `len(items)`, map[string]any{"items": []any{1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, "3", out)
}

func TestExpr_CompileError(t *testing.T) {
	e := NewExprEngine()
	err := e.Check(`"unterminated`)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestExpr_RuntimeErrorIsPermanent(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Evaluate(context.Background(), `1 / x`, map[string]any{"x": "nope"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodePermanent))
}

func TestExpr_Empty(t *testing.T) {
	_, err := NewExprEngine().Evaluate(context.Background(), "", nil)
	require.Error(t, err)
}
