package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	openaiopt "github.com/openai/openai-go/option"
	"github.com/rendis/crewflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jsonServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClassifyStatus(t *testing.T) {
	assert.Equal(t, schema.ErrCodeTransient, classifyStatus(429))
	assert.Equal(t, schema.ErrCodeTransient, classifyStatus(529))
	assert.Equal(t, schema.ErrCodeTransient, classifyStatus(503))
	assert.Equal(t, schema.ErrCodeTimeout, classifyStatus(408))
	assert.Equal(t, schema.ErrCodeValidation, classifyStatus(400))
	assert.Equal(t, schema.ErrCodePermanent, classifyStatus(401))
}

func TestAnthropic_Complete(t *testing.T) {
	srv := jsonServer(t, http.StatusOK, `{"id":"msg_1","type":"message","role":"assistant","model":"m",
		"content":[{"type":"text","text":"three ideas"}],"stop_reason":"end_turn",
		"usage":{"input_tokens":3,"output_tokens":2}}`)

	c := NewAnthropic("key", "", anthropicopt.WithBaseURL(srv.URL), anthropicopt.WithMaxRetries(0))
	out, err := c.Complete(context.Background(), Prompt{System: "be brief", User: "ideas?"})
	require.NoError(t, err)
	assert.Equal(t, "three ideas", out)
}

func TestAnthropic_OverloadedIsTransient(t *testing.T) {
	srv := jsonServer(t, 529, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)

	c := NewAnthropic("key", "m", anthropicopt.WithBaseURL(srv.URL), anthropicopt.WithMaxRetries(0))
	_, err := c.Complete(context.Background(), Prompt{User: "x"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeTransient))
}

func TestOpenAI_Complete(t *testing.T) {
	srv := jsonServer(t, http.StatusOK, `{"id":"c1","object":"chat.completion","created":1,"model":"m",
		"choices":[{"index":0,"message":{"role":"assistant","content":"package main"},"finish_reason":"stop"}]}`)

	c := NewOpenAI("key", "", openaiopt.WithBaseURL(srv.URL), openaiopt.WithMaxRetries(0))
	out, err := c.Complete(context.Background(), Prompt{User: "write code"})
	require.NoError(t, err)
	assert.Equal(t, "package main", out)
}

func TestOpenAI_AuthIsPermanent(t *testing.T) {
	srv := jsonServer(t, http.StatusUnauthorized, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)

	c := NewOpenAI("key", "", openaiopt.WithBaseURL(srv.URL), openaiopt.WithMaxRetries(0))
	_, err := c.Complete(context.Background(), Prompt{User: "x"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodePermanent))
}

func TestOpenAI_ContextCancelPassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	c := NewOpenAI("key", "", openaiopt.WithBaseURL(srv.URL), openaiopt.WithMaxRetries(0))
	_, err := c.Complete(ctx, Prompt{User: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestStatic(t *testing.T) {
	s := &Static{}
	out, err := s.Complete(context.Background(), Prompt{User: "first\nsecond"})
	require.NoError(t, err)
	assert.Equal(t, "[static] first", out)

	s = &Static{Reply: "ok", Delay: time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Complete(ctx, Prompt{})
	assert.ErrorIs(t, err, context.Canceled)
}
