package retry

import (
	"context"
	"math"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("tenantsync/retry")

const (
	defaultInitialDelay = time.Second
	defaultMaxDelay     = 60 * time.Second
)

// Policy is the ordinary-retry budget for a durable step. It is unrelated to rate-limit
// reschedules, which never consume attempts.
type Policy struct {
	MaxAttempts  uint          // 0 means no limit.
	InitialDelay time.Duration // Default is 1 second.
	MaxDelay     time.Duration // Default is 60 seconds.
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  5,
		InitialDelay: defaultInitialDelay,
		MaxDelay:     defaultMaxDelay,
	}
}

func (p Policy) withDefaults() Policy {
	if p.InitialDelay <= 0 {
		p.InitialDelay = defaultInitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	return p
}

// Delay returns the wait before the given (1-based) attempt is retried. Backoff is linear
// and capped at MaxDelay.
func (p Policy) Delay(attempt uint) time.Duration {
	p = p.withDefaults()
	if attempt == 0 {
		attempt = 1
	}
	if uint64(attempt) > uint64(math.MaxInt64/int64(p.InitialDelay)) {
		return p.MaxDelay
	}
	wait := time.Duration(int64(attempt)) * p.InitialDelay
	if wait > p.MaxDelay {
		wait = p.MaxDelay
	}
	return wait
}

// Exhausted reports whether a step that has failed `attempts` times may not run again.
func (p Policy) Exhausted(attempts uint) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// Retryer waits in-process between attempts of a transient operation. Durable steps do not
// use it; it guards short infrastructure calls such as database writes.
type Retryer struct {
	attempts uint
	policy   Policy
}

func NewRetryer(ctx context.Context, policy Policy) *Retryer {
	return &Retryer{policy: policy.withDefaults()}
}

// ShouldWaitAndRetry blocks for the backoff delay and returns true when err is transient
// and the budget allows another attempt. A nil error resets the attempt counter.
func (r *Retryer) ShouldWaitAndRetry(ctx context.Context, err error) bool {
	ctx, span := tracer.Start(ctx, "retry.ShouldWaitAndRetry")
	defer span.End()

	if err == nil {
		r.attempts = 0
		return true
	}
	if !IsTransient(err) {
		return false
	}

	r.attempts++
	l := ctxzap.Extract(ctx)

	if r.policy.MaxAttempts > 0 && r.attempts > r.policy.MaxAttempts {
		l.Warn("max attempts reached", zap.Error(err), zap.Uint("max_attempts", r.policy.MaxAttempts))
		return false
	}

	wait := r.policy.Delay(r.attempts)
	l.Warn("retrying operation", zap.Error(err), zap.Duration("wait", wait))

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
