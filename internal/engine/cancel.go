package engine

import (
	"context"
	"errors"
	"sync/atomic"
)

// Cancellation causes.
var (
	ErrCancelledByCaller = errors.New("cancelled by caller")
	ErrEngineShutdown    = errors.New("engine shut down")
)

// CancellationToken is the per-workflow cancellation signal handed to executors
// as their context. The first Cancel wins and fixes the reason.
type CancellationToken struct {
	ctx       context.Context
	cancel    context.CancelCauseFunc
	cancelled atomic.Bool
}

// NewCancellationToken derives a token from parent. Parent cancellation is
// not inherited; values (trace, logging) are.
func NewCancellationToken(parent context.Context) *CancellationToken {
	ctx, cancel := context.WithCancelCause(context.WithoutCancel(parent))
	return &CancellationToken{ctx: ctx, cancel: cancel}
}

// Context returns the context executors observe.
func (t *CancellationToken) Context() context.Context { return t.ctx }

// Done is closed once the token is cancelled.
func (t *CancellationToken) Done() <-chan struct{} { return t.ctx.Done() }

// Cancel signals cancellation. It reports whether this call was the first.
func (t *CancellationToken) Cancel(reason error) bool {
	if reason == nil {
		reason = ErrCancelledByCaller
	}
	if !t.cancelled.CompareAndSwap(false, true) {
		return false
	}
	t.cancel(reason)
	return true
}

// Cancelled reports whether Cancel has been called.
func (t *CancellationToken) Cancelled() bool { return t.cancelled.Load() }

// Reason returns the cancellation cause, or nil while active.
func (t *CancellationToken) Reason() error {
	if !t.Cancelled() {
		return nil
	}
	return context.Cause(t.ctx)
}
