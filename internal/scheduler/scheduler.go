// Package scheduler submits catalog workflows on cron schedules.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/crewflow/pkg/schema"
)

// DefaultTick is how often due entries are checked.
const DefaultTick = 30 * time.Second

// Entry is one scheduled submission.
type Entry struct {
	Name         string          `json:"name"`
	Cron         string          `json:"cron"` // 5-field spec or descriptor such as @hourly
	WorkflowType string          `json:"workflow_type"`
	Input        json.RawMessage `json:"input,omitempty"`
}

// Builder turns a workflow type into a definition.
type Builder interface {
	Build(ctx context.Context, workflowType string, input json.RawMessage) (schema.WorkflowDefinition, error)
}

// Runner submits definitions and waits for them.
type Runner interface {
	Submit(ctx context.Context, def schema.WorkflowDefinition, input json.RawMessage) (string, error)
	Wait(ctx context.Context, id string) (*schema.Workflow, error)
}

// EntryStatus is the observable state of an entry.
type EntryStatus struct {
	Name           string     `json:"name"`
	Cron           string     `json:"cron"`
	WorkflowType   string     `json:"workflow_type"`
	NextRunAt      time.Time  `json:"next_run_at"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	LastStatus     string     `json:"last_status,omitempty"`
	LastWorkflowID string     `json:"last_workflow_id,omitempty"`
	Running        bool       `json:"running"`
}

type job struct {
	entry    Entry
	schedule cron.Schedule
	status   EntryStatus
}

// Scheduler checks its entries on a ticker and submits those that are due.
// An entry whose previous run is still in flight skips the occurrence.
type Scheduler struct {
	builder Builder
	runner  Runner
	logger  *slog.Logger
	tick    time.Duration
	now     func() time.Time

	mu     sync.Mutex
	jobs   map[string]*job
	cancel context.CancelFunc
	done   chan struct{}
	runs   sync.WaitGroup

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// New parses every entry's cron spec. Entry names must be unique.
func New(entries []Entry, builder Builder, runner Runner, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		builder:  builder,
		runner:   runner,
		logger:   logger.With("component", "scheduler"),
		tick:     DefaultTick,
		now:      time.Now,
		jobs:     make(map[string]*job, len(entries)),
		inflight: make(map[string]struct{}),
	}
	now := s.now().UTC()
	for _, e := range entries {
		if e.Name == "" || e.WorkflowType == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "schedule entries need a name and a workflow_type")
		}
		if _, dup := s.jobs[e.Name]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate schedule entry %q", e.Name)
		}
		sched, err := ParseCron(e.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: %w", e.Name, err)
		}
		s.jobs[e.Name] = &job{
			entry:    e,
			schedule: sched,
			status:   EntryStatus{Name: e.Name, Cron: e.Cron, WorkflowType: e.WorkflowType, NextRunAt: sched.Next(now)},
		}
	}
	return s, nil
}

// ParseCron parses a standard 5-field spec or a descriptor.
func ParseCron(spec string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse cron expression %q: %s", spec, err.Error()).WithCause(err)
	}
	return sched, nil
}

// Start launches the scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", "entries", len(s.jobs))
	return nil
}

// Run starts the scheduler and blocks until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

// runDue submits every entry whose next run time has passed.
func (s *Scheduler) runDue(ctx context.Context) {
	now := s.now().UTC()

	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !j.status.NextRunAt.After(now) {
			j.status.NextRunAt = j.schedule.Next(now)
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(a, b int) bool { return due[a].entry.Name < due[b].entry.Name })
	for _, j := range due {
		if !s.tryAcquire(j.entry.Name) {
			s.logger.InfoContext(ctx, "previous run still in flight, skipping", "entry", j.entry.Name)
			continue
		}
		s.submit(ctx, j, now)
	}
}

func (s *Scheduler) submit(ctx context.Context, j *job, now time.Time) {
	name := j.entry.Name
	s.logger.InfoContext(ctx, "running scheduled workflow", "entry", name, "workflow_type", j.entry.WorkflowType)

	id, err := s.start(ctx, j.entry)
	s.mu.Lock()
	j.status.LastRunAt = &now
	if err != nil {
		j.status.LastStatus = "error"
		s.mu.Unlock()
		s.logger.ErrorContext(ctx, "scheduled submission failed", "entry", name, "error", err)
		s.releaseJob(name)
		return
	}
	j.status.LastWorkflowID = id
	j.status.LastStatus = string(schema.WorkflowStatusRunning)
	s.mu.Unlock()

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer s.releaseJob(name)
		wf, err := s.runner.Wait(ctx, id)
		status := "unknown"
		if err == nil {
			status = string(wf.Status)
		}
		s.mu.Lock()
		j.status.LastStatus = status
		s.mu.Unlock()
		s.logger.InfoContext(ctx, "scheduled workflow finished", "entry", name, "workflow_id", id, "status", status)
	}()
}

func (s *Scheduler) start(ctx context.Context, e Entry) (string, error) {
	def, err := s.builder.Build(ctx, e.WorkflowType, e.Input)
	if err != nil {
		return "", err
	}
	return s.runner.Submit(ctx, def, e.Input)
}

// tryAcquire marks the entry in flight unless it already is.
func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// Status lists every entry by name.
func (s *Scheduler) Status() []EntryStatus {
	s.mu.Lock()
	out := make([]EntryStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.status)
	}
	s.mu.Unlock()

	s.inflightMu.Lock()
	for i := range out {
		_, out[i].Running = s.inflight[out[i].Name]
	}
	s.inflightMu.Unlock()

	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// Stop ends the loop and waits for watched runs to be released.
// Workflows already submitted keep running in the engine.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	<-done
	s.runs.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}
