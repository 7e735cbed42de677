package agents

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rendis/crewflow/internal/expressions"
	"github.com/rendis/crewflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransformAgent_CollectsResults(t *testing.T) {
	a := NewTransformAgent(expressions.NewGoJQEngine())
	out, err := a.Execute(context.Background(), Request{
		Config: json.RawMessage(`{"query":"{title: .input.description, parts: [.results[] | .text]}"}`),
		Input:  json.RawMessage(`{"description":"todo app"}`),
		Results: map[string]json.RawMessage{
			"codegen": json.RawMessage(`{"text":"code"}`),
		},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"todo app","parts":["code"]}`, string(out))
}

func TestTransformAgent_RequiresQuery(t *testing.T) {
	a := NewTransformAgent(expressions.NewGoJQEngine())
	_, err := a.Execute(context.Background(), Request{})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.Equal(t, "transform", a.Describe().Name)
}
