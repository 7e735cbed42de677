package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/crewflow/internal/agents"
	"github.com/rendis/crewflow/internal/logging"
	"github.com/rendis/crewflow/pkg/schema"
)

// run is the single writer of one workflow. wf and seq are only touched by
// whichever goroutine currently drives the run: Submit, then either the
// pool worker (execute) or the dispatcher (abort).
type run struct {
	e      *Engine
	id     string
	def    schema.WorkflowDefinition
	token  *CancellationToken
	logger *slog.Logger

	wf   *schema.Workflow
	seq  int64
	snap atomic.Pointer[schema.Workflow]
	done chan struct{}
}

type progressReport struct {
	percent int
	message string
}

type attemptResult struct {
	out json.RawMessage
	err error
}

func newRun(e *Engine, id string, def schema.WorkflowDefinition, input json.RawMessage, parent context.Context) *run {
	r := &run{
		e:      e,
		id:     id,
		def:    def,
		token:  NewCancellationToken(logging.WithWorkflowID(parent, id)),
		logger: e.logger,
		wf:     schema.NewWorkflow(id, def, input, e.cfg.Now().UTC()),
		done:   make(chan struct{}),
	}
	r.commit()
	return r
}

func (r *run) ctx() context.Context { return r.token.Context() }

func (r *run) snapshot() *schema.Workflow { return r.snap.Load() }

func (r *run) now() time.Time { return r.e.cfg.Now().UTC() }

// commit refreshes derived fields and publishes a new immutable snapshot.
func (r *run) commit() {
	r.wf.Recompute()
	r.snap.Store(r.wf.Clone())
}

// execute drives the workflow to a terminal state. ctx is the token's context.
func (r *run) execute(ctx context.Context) error {
	ctx, span := r.e.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("workflow.id", r.id),
		attribute.String("workflow.type", r.def.WorkflowType),
		attribute.Int("workflow.steps", len(r.def.Steps)),
	))
	defer span.End()

	if r.token.Cancelled() {
		r.settle(ctx, schema.WorkflowStatusCancelled, r.cancelError())
		return nil
	}

	r.setWorkflowStatus(ctx, schema.WorkflowStatusRunning)
	started := r.now()
	r.wf.StartedAt = &started
	r.commit()
	r.emitWorkflow(schema.EventWorkflowStatus, "workflow started")
	r.logger.InfoContext(ctx, "workflow started")

	results := make(map[string]json.RawMessage, len(r.def.Steps))
	for i, spec := range r.def.Steps {
		if r.token.Cancelled() {
			r.settle(ctx, schema.WorkflowStatusCancelled, r.cancelError())
			return nil
		}
		out, stepErr := r.runStep(ctx, i, results)
		if stepErr == nil {
			results[spec.ID] = out
			continue
		}
		if stepErr.Kind == schema.KindCancelled && r.token.Cancelled() {
			r.settle(ctx, schema.WorkflowStatusCancelled, r.cancelError())
			return nil
		}
		span.SetStatus(codes.Error, stepErr.Message)
		r.settle(ctx, schema.WorkflowStatusFailed, stepErr)
		return errors.New(stepErr.Message)
	}

	span.SetStatus(codes.Ok, "")
	r.settle(ctx, schema.WorkflowStatusCompleted, nil)
	return nil
}

// abort settles a workflow that never got a worker slot.
func (r *run) abort(err error) {
	ctx := r.ctx()
	if r.token.Cancelled() {
		r.settle(ctx, schema.WorkflowStatusCancelled, r.cancelError())
		return
	}
	r.logger.ErrorContext(ctx, "workflow could not be scheduled", "error", err)
	r.settle(ctx, schema.WorkflowStatusFailed, &schema.StepError{
		Kind:    schema.KindInternal,
		Code:    schema.ErrCodeInternal,
		Message: "not scheduled: " + err.Error(),
	})
}

// runStep executes step i with retries. A nil StepError means success.
func (r *run) runStep(ctx context.Context, i int, results map[string]json.RawMessage) (json.RawMessage, *schema.StepError) {
	spec := r.def.Steps[i]
	policy := StepRetryPolicy(&r.def, i, r.e.cfg.Retry)
	timeout := r.stepTimeout(i)
	ctx = logging.WithStep(ctx, spec.ID, spec.Agent)

	r.setStepStatus(ctx, i, schema.StepStatusRunning)
	started := r.now()
	step := &r.wf.Steps[i]
	step.StartedAt = &started
	step.Progress = 0
	r.commit()
	r.emitStep(schema.EventStepUpdate, i, fmt.Sprintf("step %s started", spec.ID))
	r.logger.DebugContext(ctx, "step started", "timeout", timeout, "max_retries", policy.Max)

	exec, err := r.e.registry.Get(spec.Agent)
	if err != nil {
		return nil, r.failStep(ctx, i, r.stepError(err, schema.KindValidation, 0, false))
	}

	for {
		out, err := r.attempt(ctx, exec, i, results, timeout)
		if r.token.Cancelled() {
			// Whatever the executor produced after cancellation is discarded.
			return nil, r.failStep(ctx, i, r.cancelError())
		}
		if err == nil {
			r.e.breakers.RecordSuccess(spec.Agent)
			r.completeStep(ctx, i, out)
			return out, nil
		}

		kind := Classify(err)
		if Retryable(kind) && !schema.HasCode(err, schema.ErrCodeCircuitOpen) {
			r.e.breakers.RecordFailure(spec.Agent)
		}
		retries := r.wf.Steps[i].RetryCount
		d := policy.Decide(kind, retries)
		if !d.Retry {
			return nil, r.failStep(ctx, i, r.stepError(err, kind, retries, Retryable(kind)))
		}

		next := retries + 1
		r.logger.WarnContext(ctx, "step attempt failed, retrying",
			"kind", kind, "retry", next, "delay", d.Delay, "error", err)
		r.emitError(fmt.Sprintf("step %s failed, retry %d/%d in %s", spec.ID, next, policy.Max, d.Delay), schema.ErrorPayload{
			StepID:     spec.ID,
			Kind:       kind,
			Code:       codeOf(err, kind),
			Message:    messageOf(err),
			RetryCount: next,
			Retrying:   true,
			DelayMs:    d.Delay.Milliseconds(),
		})

		if err := WaitForBackoff(r.token.Context(), d.Delay); err != nil {
			return nil, r.failStep(ctx, i, r.cancelError())
		}

		r.setStepStatus(ctx, i, schema.StepStatusRunning)
		step := &r.wf.Steps[i]
		step.RetryCount = next
		step.Progress = 0
		r.commit()
		r.emitStep(schema.EventStepUpdate, i, fmt.Sprintf("step %s retry %d/%d", spec.ID, next, policy.Max))
	}
}

// attempt invokes the executor once, forwarding its progress until it returns.
func (r *run) attempt(ctx context.Context, exec agents.Executor, i int, results map[string]json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	spec := r.def.Steps[i]
	if err := r.e.breakers.AllowRequest(spec.Agent); err != nil {
		return nil, err
	}

	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeoutCause(ctx, timeout,
			schema.NewErrorf(schema.ErrCodeTimeout, "step %s timed out after %s", spec.ID, timeout).WithStep(spec.ID))
		defer cancel()
	}
	attemptNo := r.wf.Steps[i].RetryCount
	attemptCtx, span := r.e.tracer.Start(attemptCtx, "step.execute", trace.WithAttributes(
		attribute.String("workflow.id", r.id),
		attribute.String("step.id", spec.ID),
		attribute.String("step.agent", spec.Agent),
		attribute.Int("step.attempt", attemptNo),
	))
	defer span.End()

	// Reports block until the loop below publishes them. finished releases
	// executors that keep reporting after their attempt was settled.
	progress := make(chan progressReport)
	finished := make(chan struct{})
	defer close(finished)
	req := agents.Request{
		WorkflowID:   r.id,
		WorkflowType: r.def.WorkflowType,
		StepID:       spec.ID,
		Attempt:      attemptNo,
		Config:       spec.Config,
		Input:        r.wf.Input,
		Results:      maps.Clone(results),
		Progress: func(percent int, message string) {
			select {
			case progress <- progressReport{percent: percent, message: message}:
			case <-finished:
			case <-attemptCtx.Done():
			}
		},
	}

	resCh := make(chan attemptResult, 1)
	go func() {
		var res attemptResult
		defer func() {
			if rec := recover(); rec != nil {
				res = attemptResult{err: schema.NewErrorf(schema.ErrCodeInternal, "agent %s panicked: %v", spec.Agent, rec).WithStep(spec.ID)}
			}
			resCh <- res
		}()
		res.out, res.err = exec.Execute(attemptCtx, req)
	}()

	var grace <-chan time.Time
	done := attemptCtx.Done()
	for {
		select {
		case p := <-progress:
			r.reportProgress(i, p)
		case res := <-resCh:
			for drained := false; !drained; {
				select {
				case p := <-progress:
					r.reportProgress(i, p)
				default:
					drained = true
				}
			}
			out, err := normalizeOutput(spec, res)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, messageOf(err))
			}
			return out, err
		case <-done:
			done = nil
			if r.e.cfg.CancelGrace > 0 {
				timer := time.NewTimer(r.e.cfg.CancelGrace)
				defer timer.Stop()
				grace = timer.C
			}
		case <-grace:
			cause := context.Cause(attemptCtx)
			r.logger.WarnContext(ctx, "agent ignored cancellation, abandoning attempt", "cause", cause)
			span.SetStatus(codes.Error, "abandoned")
			return nil, cause
		}
	}
}

func normalizeOutput(spec schema.StepSpec, res attemptResult) (json.RawMessage, error) {
	if res.err != nil {
		return nil, res.err
	}
	if len(res.out) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(res.out) {
		return nil, schema.NewErrorf(schema.ErrCodePermanent, "agent %s returned invalid JSON", spec.Agent).WithStep(spec.ID)
	}
	return res.out, nil
}

func (r *run) reportProgress(i int, p progressReport) {
	if r.token.Cancelled() {
		return
	}
	step := &r.wf.Steps[i]
	if step.Status != schema.StepStatusRunning {
		return
	}
	step.Progress = p.percent
	r.commit()
	msg := p.message
	if msg == "" {
		msg = fmt.Sprintf("step %s at %d%%", step.ID, p.percent)
	}
	r.emitStep(schema.EventStepUpdate, i, msg)
}

func (r *run) completeStep(ctx context.Context, i int, out json.RawMessage) {
	r.setStepStatus(ctx, i, schema.StepStatusCompleted)
	ended := r.now()
	step := &r.wf.Steps[i]
	step.Result = out
	step.Progress = 100
	step.EndedAt = &ended
	r.commit()
	r.emitStep(schema.EventStepComplete, i, fmt.Sprintf("step %s completed", step.ID))
	r.logger.InfoContext(ctx, "step completed", "retries", step.RetryCount)
}

func (r *run) failStep(ctx context.Context, i int, se *schema.StepError) *schema.StepError {
	r.setStepStatus(ctx, i, schema.StepStatusFailed)
	ended := r.now()
	step := &r.wf.Steps[i]
	step.Error = se
	step.EndedAt = &ended
	r.commit()
	r.emitStep(schema.EventStepComplete, i, fmt.Sprintf("step %s failed: %s", step.ID, se.Message))
	r.logger.WarnContext(ctx, "step failed", "kind", se.Kind, "code", se.Code, "error", se.Message)
	return se
}

// settle moves the workflow to a terminal status, aggregates, archives and
// publishes workflow_complete.
func (r *run) settle(ctx context.Context, status schema.WorkflowStatus, wfErr *schema.StepError) {
	r.setWorkflowStatus(ctx, status)
	ended := r.now()
	r.wf.EndedAt = &ended
	r.wf.Error = wfErr
	r.wf.Recompute()
	r.wf.AggregatedResult = Aggregate(r.wf)
	r.commit()
	snap := r.snapshot()

	if r.e.store != nil {
		actx, cancel := archiveCtx(ctx)
		if err := r.e.store.SaveWorkflow(actx, snap); err != nil {
			r.logger.WarnContext(ctx, "archive workflow snapshot", "error", err)
		}
		cancel()
	}

	if status == schema.WorkflowStatusFailed && wfErr != nil {
		r.emitError(wfErr.Message, schema.ErrorPayload{
			StepID:     failedStepID(snap),
			Kind:       wfErr.Kind,
			Code:       wfErr.Code,
			Message:    wfErr.Message,
			RetryCount: wfErr.Retries,
		})
	}
	msg := "workflow completed"
	if wfErr != nil {
		msg = wfErr.Message
	}
	r.emitWorkflow(schema.EventWorkflowComplete, msg)
	r.logger.InfoContext(ctx, "workflow finished", "status", status, "completed_steps", snap.AggregatedResult.CompletedSteps)
	close(r.done)
}

func failedStepID(wf *schema.Workflow) string {
	for _, s := range wf.Steps {
		if s.Status == schema.StepStatusFailed {
			return s.ID
		}
	}
	return ""
}

func (r *run) cancelError() *schema.StepError {
	msg := ErrCancelledByCaller.Error()
	if reason := r.token.Reason(); reason != nil {
		msg = reason.Error()
	}
	return &schema.StepError{Kind: schema.KindCancelled, Code: schema.ErrCodeCancelled, Message: msg}
}

// stepError builds the recorded error. exhausted marks a retryable failure
// the policy gave up on.
func (r *run) stepError(err error, kind schema.ErrorKind, retries int, exhausted bool) *schema.StepError {
	se := &schema.StepError{Kind: kind, Code: codeOf(err, kind), Message: messageOf(err), Retries: retries}
	if exhausted {
		se.Code = schema.ErrCodeRetryExhausted
		se.Message = fmt.Sprintf("gave up after %d retries: %s", retries, se.Message)
	}
	return se
}

func (r *run) stepTimeout(i int) time.Duration {
	if s := r.def.StepTimeout(i); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return r.e.cfg.StepTimeout
}

func (r *run) setWorkflowStatus(ctx context.Context, to schema.WorkflowStatus) {
	t := Transition[schema.WorkflowStatus]{WorkflowID: r.id, From: r.wf.Status, To: to}
	if r.wf.StartedAt != nil {
		t.Elapsed = r.now().Sub(*r.wf.StartedAt)
	}
	if err := r.e.wfFSM.Transition(t); err != nil {
		r.logger.ErrorContext(ctx, "workflow transition", "from", t.From, "to", to, "error", err)
	}
	r.wf.Status = to
}

func (r *run) setStepStatus(ctx context.Context, i int, to schema.StepStatus) {
	step := &r.wf.Steps[i]
	t := Transition[schema.StepStatus]{WorkflowID: r.id, StepID: step.ID, Agent: step.AgentName, From: step.Status, To: to}
	if step.StartedAt != nil {
		t.Elapsed = r.now().Sub(*step.StartedAt)
	}
	if err := r.e.stepFSM.Transition(t); err != nil {
		r.logger.ErrorContext(ctx, "step transition", "from", t.From, "to", to, "error", err)
	}
	step.Status = to
}

// --- events ---

func (r *run) emitWorkflow(typ schema.EventType, msg string) {
	r.emit(typ, msg, r.snapshot())
}

func (r *run) emitStep(typ schema.EventType, i int, msg string) {
	r.emit(typ, msg, r.wf.Steps[i])
}

func (r *run) emitError(msg string, p schema.ErrorPayload) {
	r.emit(schema.EventError, msg, p)
}

// emit stamps the next sequence, archives the event and publishes it.
// Archive failures are logged; the live stream never waits on the store.
func (r *run) emit(typ schema.EventType, msg string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		r.logger.ErrorContext(r.ctx(), "marshal event data", "type", typ, "error", err)
		raw = nil
	}
	r.seq++
	ev := schema.Event{
		Type:       typ,
		WorkflowID: r.id,
		Sequence:   r.seq,
		Timestamp:  r.now(),
		Message:    msg,
		Data:       raw,
	}
	if r.e.store != nil {
		actx, cancel := archiveCtx(r.ctx())
		if err := r.e.store.AppendEvent(actx, ev); err != nil {
			r.logger.WarnContext(r.ctx(), "archive event", "sequence", ev.Sequence, "error", err)
		}
		cancel()
	}
	r.e.bus.Publish(ev)
}
