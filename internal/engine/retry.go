package engine

import (
	"context"
	"errors"
	"math"
	"net"
	"strings"
	"time"

	"github.com/rendis/crewflow/pkg/schema"
)

// Defaults applied when neither the step nor the definition sets a policy.
const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second
)

// Policy is a resolved retry policy.
type Policy struct {
	Max      int
	Backoff  string
	Delay    time.Duration
	MaxDelay time.Duration
}

// DefaultPolicy is fixed backoff, three retries, one second apart.
func DefaultPolicy() Policy {
	return Policy{Max: DefaultMaxRetries, Backoff: schema.BackoffFixed, Delay: DefaultRetryDelay}
}

// Decision is the outcome of Policy.Decide.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// ResolvePolicy overlays p onto base. Unset fields keep base's values, except
// Max which is always taken from p. Unparseable durations keep base's too;
// validation rejects them earlier.
func ResolvePolicy(p *schema.RetryPolicy, base Policy) Policy {
	if p == nil {
		return base
	}
	out := base
	out.Max = p.Max
	if p.Backoff != "" {
		out.Backoff = p.Backoff
	}
	if d, err := time.ParseDuration(p.Delay); err == nil {
		out.Delay = d
	}
	if d, err := time.ParseDuration(p.MaxDelay); err == nil {
		out.MaxDelay = d
	}
	return out
}

// StepRetryPolicy resolves step i's policy: the step block over the
// definition block over the engine default.
func StepRetryPolicy(def *schema.WorkflowDefinition, i int, engineDefault Policy) Policy {
	p := ResolvePolicy(def.Retry, engineDefault)
	if i >= 0 && i < len(def.Steps) {
		p = ResolvePolicy(def.Steps[i].Retry, p)
	}
	return p
}

// Retryable reports whether a failure kind may be retried at all.
func Retryable(kind schema.ErrorKind) bool {
	return kind == schema.KindTransient || kind == schema.KindTimeout
}

// Decide returns whether the failed attempt should be retried and after how long.
// retryCount is the number of retries already performed.
func (p Policy) Decide(kind schema.ErrorKind, retryCount int) Decision {
	if !Retryable(kind) || retryCount >= p.Max {
		return Decision{}
	}
	return Decision{Retry: true, Delay: ComputeBackoff(p, retryCount)}
}

// ComputeBackoff calculates the delay before retry number attempt+1.
func ComputeBackoff(p Policy, attempt int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}

	var delay time.Duration
	switch p.Backoff {
	case schema.BackoffExponential:
		delay = p.Delay
		for i := 0; i < attempt; i++ {
			if p.MaxDelay > 0 && delay >= p.MaxDelay {
				break
			}
			if delay > math.MaxInt64/2 {
				delay = math.MaxInt64
				break
			}
			delay *= 2
		}
	case schema.BackoffLinear:
		delay = p.Delay * time.Duration(attempt+1)
	default:
		delay = p.Delay
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early with the context's cause.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return context.Cause(ctx)
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"unexpected eof",
	"temporary failure",
	"service unavailable",
	"bad gateway",
	"too many requests",
	"rate limit",
	"overloaded",
}

// Classify maps an executor error to its retry-relevant kind.
// Errors that match no rule are permanent.
func Classify(err error) schema.ErrorKind {
	if err == nil {
		return ""
	}

	var ce *schema.CrewError
	if errors.As(err, &ce) {
		return ce.Kind()
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelledByCaller) || errors.Is(err, ErrEngineShutdown) {
		return schema.KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return schema.KindTimeout
		}
		return schema.KindTransient
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "i/o timeout") || strings.Contains(msg, "gateway timeout") {
		return schema.KindTimeout
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return schema.KindTransient
		}
	}
	return schema.KindPermanent
}

// codeOf returns the CrewError code of err, or the default code for kind.
func codeOf(err error, kind schema.ErrorKind) string {
	var ce *schema.CrewError
	if errors.As(err, &ce) {
		return ce.Code
	}
	switch kind {
	case schema.KindTransient:
		return schema.ErrCodeTransient
	case schema.KindTimeout:
		return schema.ErrCodeTimeout
	case schema.KindCancelled:
		return schema.ErrCodeCancelled
	case schema.KindValidation:
		return schema.ErrCodeValidation
	case schema.KindInternal:
		return schema.ErrCodeInternal
	}
	return schema.ErrCodePermanent
}

// messageOf strips the CrewError code prefix for user-facing messages.
func messageOf(err error) string {
	var ce *schema.CrewError
	if errors.As(err, &ce) {
		return ce.Message
	}
	return err.Error()
}
