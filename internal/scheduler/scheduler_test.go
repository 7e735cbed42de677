package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/crewflow/pkg/schema"
)

type fakeBuilder struct{ err error }

func (b fakeBuilder) Build(_ context.Context, workflowType string, _ json.RawMessage) (schema.WorkflowDefinition, error) {
	if b.err != nil {
		return schema.WorkflowDefinition{}, b.err
	}
	return schema.WorkflowDefinition{WorkflowType: workflowType, Steps: []schema.StepSpec{{ID: "a", Agent: "x"}}}, nil
}

type fakeRunner struct {
	mu        sync.Mutex
	submitted []string
	inputs    []string
	release   chan struct{}
}

func (r *fakeRunner) Submit(_ context.Context, def schema.WorkflowDefinition, input json.RawMessage) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submitted = append(r.submitted, def.WorkflowType)
	r.inputs = append(r.inputs, string(input))
	return fmt.Sprintf("wf-%d", len(r.submitted)), nil
}

func (r *fakeRunner) Wait(ctx context.Context, id string) (*schema.Workflow, error) {
	select {
	case <-r.release:
		return &schema.Workflow{ID: id, Status: schema.WorkflowStatusCompleted}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.submitted)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestScheduler(t *testing.T, b Builder, r Runner, entries ...Entry) (*Scheduler, *clock) {
	t.Helper()
	s, err := New(entries, b, r, quiet())
	require.NoError(t, err)
	c := &clock{t: time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)}
	s.now = c.now
	for _, j := range s.jobs {
		j.status.NextRunAt = j.schedule.Next(c.now())
	}
	return s, c
}

func TestNew_Validation(t *testing.T) {
	_, err := New([]Entry{{Name: "n", Cron: "not a cron", WorkflowType: "t"}}, fakeBuilder{}, &fakeRunner{}, quiet())
	assert.ErrorContains(t, err, "parse cron expression")

	_, err = New([]Entry{{Name: "n", Cron: "@hourly"}}, fakeBuilder{}, &fakeRunner{}, quiet())
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	dup := Entry{Name: "n", Cron: "@daily", WorkflowType: "t"}
	_, err = New([]Entry{dup, dup}, fakeBuilder{}, &fakeRunner{}, quiet())
	assert.ErrorContains(t, err, "duplicate schedule entry")

	s, err := New([]Entry{{Name: "nightly", Cron: "0 2 * * *", WorkflowType: "code_review"}}, fakeBuilder{}, &fakeRunner{}, nil)
	require.NoError(t, err)
	assert.Len(t, s.Status(), 1)
}

func TestParseCron(t *testing.T) {
	sched, err := ParseCron("*/15 * * * *")
	require.NoError(t, err)
	from := time.Date(2026, 5, 1, 9, 7, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 5, 1, 9, 15, 0, 0, time.UTC), sched.Next(from))

	sched, err = ParseCron("@every 90s")
	require.NoError(t, err)
	assert.Equal(t, from.Add(90*time.Second), sched.Next(from))
}

func TestRunDue_OneInFlightPerEntry(t *testing.T) {
	r := &fakeRunner{release: make(chan struct{})}
	s, c := newTestScheduler(t, fakeBuilder{}, r,
		Entry{Name: "proto", Cron: "*/5 * * * *", WorkflowType: "quick_prototype", Input: json.RawMessage(`{"description":"cli"}`)})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.runDue(ctx)
	assert.Zero(t, r.count(), "not due yet")

	c.set(time.Date(2026, 1, 1, 10, 5, 0, 0, time.UTC))
	s.runDue(ctx)
	require.Equal(t, 1, r.count())
	assert.Equal(t, `{"description":"cli"}`, r.inputs[0])

	st := s.Status()[0]
	assert.True(t, st.Running)
	assert.Equal(t, "wf-1", st.LastWorkflowID)
	assert.Equal(t, time.Date(2026, 1, 1, 10, 10, 0, 0, time.UTC), st.NextRunAt)

	c.set(time.Date(2026, 1, 1, 10, 10, 0, 0, time.UTC))
	s.runDue(ctx)
	assert.Equal(t, 1, r.count(), "previous run still in flight")

	close(r.release)
	require.Eventually(t, func() bool { return !s.Status()[0].Running }, time.Second, time.Millisecond)
	assert.Equal(t, "completed", s.Status()[0].LastStatus)

	c.set(time.Date(2026, 1, 1, 10, 15, 0, 0, time.UTC))
	s.runDue(ctx)
	assert.Equal(t, 2, r.count())
	s.runs.Wait()
}

func TestRunDue_BuildErrorReleasesEntry(t *testing.T) {
	r := &fakeRunner{release: make(chan struct{})}
	s, c := newTestScheduler(t, fakeBuilder{err: errors.New("unknown workflow type")}, r,
		Entry{Name: "broken", Cron: "@hourly", WorkflowType: "nope"})

	c.set(time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC))
	s.runDue(context.Background())

	st := s.Status()[0]
	assert.Equal(t, "error", st.LastStatus)
	assert.False(t, st.Running)
	assert.Zero(t, r.count())
	require.NotNil(t, st.LastRunAt)
}

func TestStartStop(t *testing.T) {
	r := &fakeRunner{release: make(chan struct{})}
	s, _ := newTestScheduler(t, fakeBuilder{}, r, Entry{Name: "e", Cron: "@hourly", WorkflowType: "t"})
	s.tick = time.Millisecond

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "already started")
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
