package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", WorkflowID(ctx))
	assert.Equal(t, "", StepID(ctx))
	assert.Equal(t, "", Agent(ctx))

	ctx = WithWorkflowID(ctx, "wf-123")
	ctx = WithStep(ctx, "codegen", "llm.codegen")

	assert.Equal(t, "wf-123", WorkflowID(ctx))
	assert.Equal(t, "codegen", StepID(ctx))
	assert.Equal(t, "llm.codegen", Agent(ctx))
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	ctx := WithStep(WithWorkflowID(context.Background(), "wf-abc"), "review", "llm.review")
	logger.InfoContext(ctx, "step started")

	out := buf.String()
	assert.Contains(t, out, "workflow_id=wf-abc")
	assert.Contains(t, out, "step_id=review")
	assert.Contains(t, out, "agent=llm.review")
	assert.NotContains(t, out, "trace_id")
}

func TestCorrelationHandler_OmitsMissingKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil)))

	logger.InfoContext(WithWorkflowID(context.Background(), "wf-only"), "partial")

	out := buf.String()
	assert.Contains(t, out, "workflow_id=wf-only")
	assert.NotContains(t, out, "step_id")
	assert.NotContains(t, out, "agent=")
}

func TestCorrelationHandler_TraceID(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	var buf bytes.Buffer
	logger := New(&buf, "debug")
	logger.DebugContext(ctx, "traced")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, span.SpanContext().TraceID().String(), rec["trace_id"])
}

func TestCorrelationHandler_WithAttrsKeepsCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil))).With("component", "engine")

	logger.InfoContext(WithWorkflowID(context.Background(), "wf-1"), "hello")
	assert.Contains(t, buf.String(), "component=engine")
	assert.Contains(t, buf.String(), "workflow_id=wf-1")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}

func TestNewLeveled_FollowsLevelVar(t *testing.T) {
	var buf bytes.Buffer
	level := new(slog.LevelVar)
	level.Set(slog.LevelWarn)
	logger := NewLeveled(&buf, level)

	ctx := WithWorkflowID(context.Background(), "wf-9")
	logger.InfoContext(ctx, "hidden")
	assert.Empty(t, buf.String())

	level.Set(slog.LevelDebug)
	logger.DebugContext(ctx, "shown")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "wf-9", rec["workflow_id"])
}
