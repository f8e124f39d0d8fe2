package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errDown = errors.New("geocoder down")

func newTestBreaker() (*CircuitBreaker, *time.Time) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker(&Config{Name: "geocoder", MaxFailures: 2, Timeout: time.Minute, HalfOpenMaxCalls: 1})
	cb.now = func() time.Time { return now }
	cb.lastStateChange = now
	return cb, &now
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker()
	ctx := context.Background()
	fail := func() error { return errDown }

	assert.ErrorIs(t, cb.Execute(ctx, fail), errDown)
	assert.Equal(t, StateClosed, cb.GetState())
	assert.ErrorIs(t, cb.Execute(ctx, fail), errDown)
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb, now := newTestBreaker()
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errDown })
	_ = cb.Execute(ctx, func() error { return errDown })
	assert.Equal(t, StateOpen, cb.GetState())

	*now = now.Add(2 * time.Minute)
	assert.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, now := newTestBreaker()
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errDown })
	_ = cb.Execute(ctx, func() error { return errDown })

	*now = now.Add(2 * time.Minute)
	assert.ErrorIs(t, cb.Execute(ctx, func() error { return errDown }), errDown)
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestCircuitBreaker_CancellationNotCounted(t *testing.T) {
	cb, _ := newTestBreaker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 5; i++ {
		_ = cb.Execute(ctx, func() error { return ctx.Err() })
	}
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Zero(t, cb.GetStats().ConsecutiveFails)

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
}
