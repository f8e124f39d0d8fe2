package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// Sink receives progress events. Pipelines stop when Emit fails.
type Sink interface {
	Emit(ev Event) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ev Event) error

// Emit calls f
func (f SinkFunc) Emit(ev Event) error { return f(ev) }

// Discard drops every event
var Discard Sink = SinkFunc(func(Event) error { return nil })

// Recorder keeps every event in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Emit appends the event
func (r *Recorder) Emit(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Last returns the most recent event
func (r *Recorder) Last() (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return Event{}, false
	}
	return r.events[len(r.events)-1], true
}

// SSEWriter frames events as server-sent events on an HTTP response
type SSEWriter struct {
	w       io.Writer
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSEWriter writes the event-stream headers. It fails when w cannot flush.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// Emit writes one "data: <json>\n\n" frame and flushes it
func (s *SSEWriter) Emit(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// JSONLines writes one JSON document per event
type JSONLines struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONLines creates a JSON-lines sink over w
func NewJSONLines(w io.Writer) *JSONLines {
	return &JSONLines{enc: json.NewEncoder(w)}
}

// Emit encodes the event followed by a newline
func (j *JSONLines) Emit(ev Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enc.Encode(ev)
}

// Generate runs fn in its own goroutine and yields its events on the returned channel.
// The channel is closed when fn returns. Emits fail once ctx is done, so an
// abandoned consumer stops the producer.
func Generate(ctx context.Context, fn func(ctx context.Context, sink Sink)) <-chan Event {
	ch := make(chan Event, 16)
	go func() {
		defer close(ch)
		fn(ctx, SinkFunc(func(ev Event) error {
			select {
			case ch <- ev:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}))
	}()
	return ch
}
