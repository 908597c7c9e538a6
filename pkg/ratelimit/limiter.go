package ratelimit

import (
	"context"

	"go.uber.org/ratelimit"
)

// Limiter paces outbound provider calls on the client side.
type Limiter interface {
	Wait(ctx context.Context) error
}

type NoOpRateLimiter struct{}

func (r *NoOpRateLimiter) Wait(ctx context.Context) error {
	return ctx.Err()
}

type uberLimiter struct {
	rl ratelimit.Limiter
}

// NewLeakyBucket returns a Limiter allowing perSecond calls per second with no burst.
func NewLeakyBucket(perSecond int) Limiter {
	if perSecond <= 0 {
		return &NoOpRateLimiter{}
	}
	return &uberLimiter{rl: ratelimit.New(perSecond, ratelimit.WithoutSlack)}
}

func (u *uberLimiter) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	u.rl.Take()
	return ctx.Err()
}
