package common

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// PollLimiter paces the claim attempts of a group of poll loops. Every loop
// draws from one shared token bucket; a loop whose claim came back empty
// sleeps on its own before trying again.
type PollLimiter struct {
	limiter *rate.Limiter
	idle    time.Duration
}

// NewPollLimiter allows rps attempts per second across all loops with a burst
// of one attempt per loop.
func NewPollLimiter(rps float64, loops int, idle time.Duration) *PollLimiter {
	if loops < 1 {
		loops = 1
	}
	return &PollLimiter{limiter: rate.NewLimiter(rate.Limit(rps), loops), idle: idle}
}

// Wait blocks until the next attempt is allowed or ctx ends.
func (p *PollLimiter) Wait(ctx context.Context) error { return p.limiter.Wait(ctx) }

// Idle sleeps for the idle backoff. It returns ctx.Err() if ctx ends first.
func (p *PollLimiter) Idle(ctx context.Context) error {
	if p.idle <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(p.idle)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
