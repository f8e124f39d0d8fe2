// Package ratelimit paces calls to external services: a process-wide gate for the
// geocoder and per-job pacing policies for serviceability providers.
package ratelimit

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// DefaultGateInterval is the minimum spacing between geocoder calls
const DefaultGateInterval = time.Second

// Gate admits at most one caller per interval across every goroutine that shares it
type Gate struct {
	limiter  *rate.Limiter
	interval time.Duration
	waits    atomic.Int64
}

// NewGate creates a gate enforcing interval between admissions. A non-positive interval uses the default.
func NewGate(interval time.Duration) *Gate {
	if interval <= 0 {
		interval = DefaultGateInterval
	}
	return &Gate{
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		interval: interval,
	}
}

// Wait blocks until the caller may proceed or ctx is done
func (g *Gate) Wait(ctx context.Context) error {
	g.waits.Add(1)
	return g.limiter.Wait(ctx)
}

// Interval returns the configured spacing
func (g *Gate) Interval() time.Duration {
	return g.interval
}

// Admissions returns how many callers have waited on the gate
func (g *Gate) Admissions() int64 {
	return g.waits.Load()
}
