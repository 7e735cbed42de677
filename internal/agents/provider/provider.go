// Package provider holds the language-model backends LLM agents complete prompts with.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/rendis/crewflow/pkg/schema"
)

// Prompt is a single-turn completion request.
type Prompt struct {
	System    string
	User      string
	Model     string // overrides the client default when set
	MaxTokens int
}

// Completer turns a prompt into text.
type Completer interface {
	Name() string
	Complete(ctx context.Context, p Prompt) (string, error)
}

const defaultMaxTokens = 4096

func maxTokens(p Prompt) int64 {
	if p.MaxTokens > 0 {
		return int64(p.MaxTokens)
	}
	return defaultMaxTokens
}

// classifyStatus maps a provider HTTP status to a crewflow error code.
func classifyStatus(code int) string {
	switch {
	case code == 408:
		return schema.ErrCodeTimeout
	case code == 429, code == 529:
		return schema.ErrCodeTransient
	case code >= 500 && code < 600:
		return schema.ErrCodeTransient
	case code == 400, code == 404, code == 422:
		return schema.ErrCodeValidation
	default:
		return schema.ErrCodePermanent
	}
}

// statusError wraps an API error carrying an HTTP status.
func statusError(provider string, code int, err error) error {
	return schema.NewErrorf(classifyStatus(code), "%s: status %d: %s", provider, code, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"provider": provider, "status": code})
}

// passThrough keeps context errors intact so the engine can tell cancellation from failure.
func passThrough(provider string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s: %w", provider, err)
}

// ErrEmptyCompletion is returned when a provider answers without any text.
var ErrEmptyCompletion = schema.NewError(schema.ErrCodeTransient, "provider returned no text")
