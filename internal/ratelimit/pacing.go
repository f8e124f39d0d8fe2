package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Default pacing configuration values.
const (
	DefaultFixedDelay  = 250 * time.Millisecond
	DefaultBaseBackoff = 250 * time.Millisecond
	DefaultMaxBackoff  = 30 * time.Second
)

// Strategy names a pacing policy
type Strategy string

const (
	StrategyFixed    Strategy = "fixed"
	StrategyAdaptive Strategy = "adaptive"
)

// ParseStrategy validates a strategy name
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyFixed, StrategyAdaptive:
		return Strategy(s), nil
	case "":
		return StrategyAdaptive, nil
	default:
		return "", fmt.Errorf("unknown pacing strategy %q", s)
	}
}

// Pacer spaces successive provider calls within one job run
type Pacer interface {
	// Wait blocks until the next call may be issued
	Wait(ctx context.Context) error
	RecordSuccess()
	RecordFailure()
	CurrentDelay() time.Duration
}

// PacerConfig holds settings for every strategy
type PacerConfig struct {
	Strategy    Strategy
	FixedDelay  time.Duration
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// NewPacer creates a pacer for cfg.Strategy. Each job run gets its own pacer.
func NewPacer(cfg PacerConfig) Pacer {
	if cfg.Strategy == StrategyFixed {
		return NewFixedPacer(cfg.FixedDelay)
	}
	return NewAdaptivePacer(cfg.BaseBackoff, cfg.MaxBackoff)
}

// spacer tracks the time of the last admitted call
type spacer struct {
	last time.Time
}

// reserve computes how long to wait so that calls are at least delay apart
// and records the admission time.
func (s *spacer) reserve(now time.Time, delay time.Duration) time.Duration {
	wait := time.Duration(0)
	if !s.last.IsZero() {
		if elapsed := now.Sub(s.last); elapsed < delay {
			wait = delay - elapsed
		}
	}
	s.last = now.Add(wait)
	return wait
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// FixedPacer enforces a constant delay between calls regardless of outcome
type FixedPacer struct {
	delay time.Duration
	mu    sync.Mutex
	sp    spacer
}

// NewFixedPacer creates a fixed-delay pacer
func NewFixedPacer(delay time.Duration) *FixedPacer {
	if delay < 0 {
		delay = DefaultFixedDelay
	}
	return &FixedPacer{delay: delay}
}

// Wait blocks for the remainder of the fixed delay
func (p *FixedPacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	wait := p.sp.reserve(time.Now(), p.delay)
	p.mu.Unlock()
	return sleep(ctx, wait)
}

func (p *FixedPacer) RecordSuccess() {}
func (p *FixedPacer) RecordFailure() {}

// CurrentDelay returns the fixed delay
func (p *FixedPacer) CurrentDelay() time.Duration {
	return p.delay
}

// AdaptivePacer backs off exponentially after provider failures and resets on success.
type AdaptivePacer struct {
	baseDelay        time.Duration
	maxDelay         time.Duration
	currentDelay     time.Duration
	consecutiveFails int
	jitter           func(time.Duration) time.Duration
	mu               sync.Mutex
	sp               spacer
}

// NewAdaptivePacer creates an adaptive pacer; zero values use the defaults
func NewAdaptivePacer(baseDelay, maxDelay time.Duration) *AdaptivePacer {
	if baseDelay <= 0 {
		baseDelay = DefaultBaseBackoff
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxBackoff
	}
	if baseDelay > maxDelay {
		baseDelay = maxDelay
	}
	return &AdaptivePacer{
		baseDelay:    baseDelay,
		maxDelay:     maxDelay,
		currentDelay: baseDelay,
		jitter:       quarterJitter,
	}
}

// Wait blocks until the current backoff delay has elapsed since the previous call
func (p *AdaptivePacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	delay := p.currentDelay
	if p.consecutiveFails > 0 {
		delay = p.jitter(delay)
	}
	wait := p.sp.reserve(time.Now(), delay)
	p.mu.Unlock()
	return sleep(ctx, wait)
}

// RecordSuccess resets backoff
func (p *AdaptivePacer) RecordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.consecutiveFails = 0
	p.currentDelay = p.baseDelay
}

// RecordFailure doubles the delay, capped at maxDelay
func (p *AdaptivePacer) RecordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.consecutiveFails++

	newDelay := p.baseDelay
	for i := 0; i < p.consecutiveFails; i++ {
		newDelay *= 2
		if newDelay > p.maxDelay {
			newDelay = p.maxDelay
			break
		}
	}
	p.currentDelay = newDelay
}

// CurrentDelay returns the current backoff delay
func (p *AdaptivePacer) CurrentDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentDelay
}

// ConsecutiveFailures returns the failure streak length
func (p *AdaptivePacer) ConsecutiveFailures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.consecutiveFails
}

// quarterJitter applies +/-25% jitter
func quarterJitter(d time.Duration) time.Duration {
	j := float64(d) * 0.25 * (2*rand.Float64() - 1)
	return d + time.Duration(j)
}
