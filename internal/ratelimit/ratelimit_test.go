package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_SpacesConcurrentCallers(t *testing.T) {
	interval := 50 * time.Millisecond
	gate := NewGate(interval)

	var mu sync.Mutex
	var admitted []time.Time

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, gate.Wait(context.Background()))
			mu.Lock()
			admitted = append(admitted, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, admitted, 4)
	first, last := admitted[0], admitted[0]
	for _, at := range admitted {
		if at.Before(first) {
			first = at
		}
		if at.After(last) {
			last = at
		}
	}
	// Four admissions with burst 1 need at least three full intervals
	assert.GreaterOrEqual(t, last.Sub(first), 3*interval-10*time.Millisecond)
	assert.Equal(t, int64(4), gate.Admissions())
}

func TestGate_WaitHonoursContext(t *testing.T) {
	gate := NewGate(time.Hour)
	require.NoError(t, gate.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, gate.Wait(ctx))
}

func TestNewGate_Default(t *testing.T) {
	assert.Equal(t, DefaultGateInterval, NewGate(0).Interval())
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    Strategy
		wantErr bool
	}{
		{"fixed", StrategyFixed, false},
		{"adaptive", StrategyAdaptive, false},
		{"", StrategyAdaptive, false},
		{"token_bucket", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStrategy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewPacer(t *testing.T) {
	_, ok := NewPacer(PacerConfig{Strategy: StrategyFixed}).(*FixedPacer)
	assert.True(t, ok)
	_, ok = NewPacer(PacerConfig{Strategy: StrategyAdaptive}).(*AdaptivePacer)
	assert.True(t, ok)
}

func TestFixedPacer_Spacing(t *testing.T) {
	p := NewFixedPacer(30 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Wait(ctx))
	}
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)

	p.RecordFailure()
	assert.Equal(t, 30*time.Millisecond, p.CurrentDelay())
}

func TestAdaptivePacer_Backoff(t *testing.T) {
	p := NewAdaptivePacer(100*time.Millisecond, time.Second)

	assert.Equal(t, 100*time.Millisecond, p.CurrentDelay())

	p.RecordFailure()
	assert.Equal(t, 200*time.Millisecond, p.CurrentDelay())
	p.RecordFailure()
	assert.Equal(t, 400*time.Millisecond, p.CurrentDelay())
	p.RecordFailure()
	p.RecordFailure()
	assert.Equal(t, time.Second, p.CurrentDelay())
	assert.Equal(t, 4, p.ConsecutiveFailures())

	p.RecordSuccess()
	assert.Equal(t, 100*time.Millisecond, p.CurrentDelay())
	assert.Zero(t, p.ConsecutiveFailures())
}

func TestAdaptivePacer_Defaults(t *testing.T) {
	p := NewAdaptivePacer(0, 0)
	assert.Equal(t, DefaultBaseBackoff, p.CurrentDelay())

	p = NewAdaptivePacer(time.Minute, time.Second)
	assert.Equal(t, time.Second, p.CurrentDelay())
}

func TestAdaptivePacer_WaitCancelled(t *testing.T) {
	p := NewAdaptivePacer(time.Hour, time.Hour)
	require.NoError(t, p.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Wait(ctx), context.Canceled)
}

func TestQuarterJitter(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := quarterJitter(time.Second)
		assert.GreaterOrEqual(t, d, 750*time.Millisecond)
		assert.LessOrEqual(t, d, 1250*time.Millisecond)
	}
}
