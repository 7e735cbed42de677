package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/crewflow/internal/agents"
	"github.com/rendis/crewflow/internal/store"
	"github.com/rendis/crewflow/internal/streaming"
	"github.com/rendis/crewflow/internal/validation"
	"github.com/rendis/crewflow/pkg/schema"
)

// DefaultPoolSize is the default number of concurrently running workflows.
const DefaultPoolSize = 10

// Config holds engine configuration. Zero values use defaults.
type Config struct {
	PoolSize       int           // max concurrently running workflows
	Retry          Policy        // default retry policy for steps without one
	StepTimeout    time.Duration // default per-attempt timeout, 0 = none
	CancelGrace    time.Duration // how long to wait for an executor to honour cancellation, 0 = forever
	CircuitBreaker CircuitBreakerConfig

	Bus    *streaming.Bus // created when nil
	Store  store.Store    // optional archive of events and terminal snapshots
	Logger *slog.Logger
	Tracer trace.Tracer

	NewID func() string
	Now   func() time.Time
}

// Engine owns every workflow it runs. Each workflow has exactly one writer,
// its run goroutine; readers only see immutable snapshots.
type Engine struct {
	cfg       Config
	registry  *agents.Registry
	validator *validation.DefinitionValidator
	bus       *streaming.Bus
	ownsBus   bool
	store     store.Store
	pool      *WorkerPool
	breakers  *CircuitBreakerRegistry
	wfFSM     *FSM[schema.WorkflowStatus]
	stepFSM   *FSM[schema.StepStatus]
	logger    *slog.Logger
	tracer    trace.Tracer

	runs sync.Map // workflow id -> *run

	mu       sync.Mutex // guards closed, dispatch.Add and runs.Store
	closed   bool
	dispatch sync.WaitGroup
}

// New creates an Engine executing steps with agents from registry.
func New(registry *agents.Registry, cfg Config) (*Engine, error) {
	if registry == nil {
		return nil, errors.New("engine: nil agent registry")
	}
	validator, err := validation.NewDefinitionValidator(registry)
	if err != nil {
		return nil, err
	}

	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.Retry == (Policy{}) {
		cfg.Retry = DefaultPolicy()
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/rendis/crewflow/internal/engine")
	}

	e := &Engine{
		cfg:       cfg,
		registry:  registry,
		validator: validator,
		bus:       cfg.Bus,
		store:     cfg.Store,
		pool:      NewWorkerPool(cfg.PoolSize),
		breakers:  NewCircuitBreakerRegistry(cfg.CircuitBreaker),
		wfFSM:     NewWorkflowFSM(),
		stepFSM:   NewStepFSM(),
		logger:    logger.With("component", "engine"),
		tracer:    tracer,
	}
	if e.bus == nil {
		e.bus = streaming.NewBus(streaming.Config{})
		e.ownsBus = true
	}
	return e, nil
}

// Submit validates def, creates a pending workflow and schedules it.
// It returns as soon as the initial workflow_status event is published.
func (e *Engine) Submit(ctx context.Context, def schema.WorkflowDefinition, input json.RawMessage) (string, error) {
	if err := e.validator.ValidateDefinition(&def); err != nil {
		return "", err
	}
	if len(input) > 0 && !json.Valid(input) {
		return "", schema.NewError(schema.ErrCodeValidation, "input is not valid JSON")
	}

	id := e.cfg.NewID()
	r := newRun(e, id, def, input, ctx)

	// Registered under mu so Shutdown's sweep always sees it.
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		r.token.Cancel(ErrEngineShutdown)
		return "", schema.NewError(schema.ErrCodeAgentUnavailable, "engine is shutting down")
	}
	e.dispatch.Add(1)
	e.runs.Store(id, r)
	e.mu.Unlock()
	r.logger.InfoContext(r.ctx(), "workflow submitted", "workflow_type", def.WorkflowType, "steps", len(def.Steps))
	r.emitWorkflow(schema.EventWorkflowStatus, "workflow submitted")

	go func() {
		defer e.dispatch.Done()
		if err := e.pool.Submit(r.token.Context(), r.execute); err != nil {
			r.abort(err)
		}
	}()
	return id, nil
}

// Cancel requests cancellation. It is a no-op for terminal workflows.
func (e *Engine) Cancel(id string) error {
	r, err := e.lookup(id)
	if err != nil {
		return err
	}
	if r.snapshot().Terminal() {
		return nil
	}
	if r.token.Cancel(ErrCancelledByCaller) {
		r.logger.InfoContext(r.ctx(), "workflow cancellation requested")
	}
	return nil
}

// GetSnapshot returns the latest immutable snapshot without locking.
func (e *Engine) GetSnapshot(id string) (*schema.Workflow, error) {
	r, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	return r.snapshot(), nil
}

// Wait blocks until the workflow is terminal or ctx is done.
func (e *Engine) Wait(ctx context.Context, id string) (*schema.Workflow, error) {
	r, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// List returns snapshots of every held workflow, oldest first.
func (e *Engine) List() []*schema.Workflow {
	var out []*schema.Workflow
	e.runs.Range(func(_, v any) bool {
		out = append(out, v.(*run).snapshot())
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Release drops a terminal workflow from memory and the bus history.
// Archived copies in the store are untouched.
func (e *Engine) Release(id string) error {
	r, err := e.lookup(id)
	if err != nil {
		return err
	}
	if !r.snapshot().Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q is still %s", id, r.snapshot().Status)
	}
	e.runs.Delete(id)
	e.bus.Forget(id)
	return nil
}

// Shutdown cancels every active workflow and waits for them to settle or ctx to end.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.runs.Range(func(_, v any) bool {
		v.(*run).token.Cancel(ErrEngineShutdown)
		return true
	})

	done := make(chan struct{})
	go func() {
		e.dispatch.Wait()
		e.pool.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if e.ownsBus {
		e.bus.Close()
	}
	return nil
}

// Bus returns the event bus workflows publish to.
func (e *Engine) Bus() *streaming.Bus { return e.bus }

// Registry returns the agent registry.
func (e *Engine) Registry() *agents.Registry { return e.registry }

// Store returns the archive, or nil.
func (e *Engine) Store() store.Store { return e.store }

// Breakers returns the per-agent circuit breakers.
func (e *Engine) Breakers() *CircuitBreakerRegistry { return e.breakers }

// WorkflowFSM exposes the workflow lifecycle for hooks.
func (e *Engine) WorkflowFSM() *FSM[schema.WorkflowStatus] { return e.wfFSM }

// StepFSM exposes the step lifecycle for hooks.
func (e *Engine) StepFSM() *FSM[schema.StepStatus] { return e.stepFSM }

// PoolMetrics returns the worker pool counters.
func (e *Engine) PoolMetrics() PoolMetrics { return e.pool.Metrics() }

// Validate checks a definition without submitting it.
func (e *Engine) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	return e.validator.Validate(def)
}

func (e *Engine) lookup(id string) (*run, error) {
	v, ok := e.runs.Load(id)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	return v.(*run), nil
}

// archiveCtx carries ctx's values but survives its cancellation, bounded by a timeout.
func archiveCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
}
