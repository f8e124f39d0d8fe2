package progress

import (
	"sync"
	"time"
)

// Default throttling values for progress reporting
const (
	DefaultMinInterval = 500 * time.Millisecond
	DefaultEvery       = 25
)

// Reporter throttles progress events and keeps the reported percentage monotonic.
// Non-progress events and progress at 100% always pass through.
type Reporter struct {
	sink        Sink
	minInterval time.Duration
	every       int
	now         func() time.Time

	mu           sync.Mutex
	lastReport   time.Time
	lastDone     int
	lastProgress int
}

// NewReporter creates a reporter. A progress event is forwarded once minInterval has passed
// or every items have completed since the last forwarded one.
func NewReporter(sink Sink, minInterval time.Duration, every int) *Reporter {
	if every <= 0 {
		every = DefaultEvery
	}
	return &Reporter{
		sink:        sink,
		minInterval: minInterval,
		every:       every,
		now:         time.Now,
	}
}

// Emit forwards ev unless it is a throttled progress event
func (r *Reporter) Emit(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ev.Type == EventProgress {
		if ev.Progress < r.lastProgress {
			ev.Progress = r.lastProgress
		}

		now := r.now()
		done := ev.done()
		due := ev.Progress >= 100 ||
			r.lastReport.IsZero() ||
			now.Sub(r.lastReport) >= r.minInterval ||
			done-r.lastDone >= r.every
		if !due {
			return nil
		}

		r.lastReport = now
		r.lastDone = done
		r.lastProgress = ev.Progress
	}

	return r.sink.Emit(ev)
}
