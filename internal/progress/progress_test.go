package progress

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, ev Event) map[string]interface{} {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestEvent_WireShapes(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want map[string]interface{}
	}{
		{
			name: "start",
			ev:   Event{Pipeline: PipelineIngest, Type: EventStart, Total: 3},
			want: map[string]interface{}{"type": "start", "total": 3.0},
		},
		{
			name: "source created",
			ev:   Event{Pipeline: PipelineIngest, Type: EventSourceCreated, SourceID: "s-1"},
			want: map[string]interface{}{"type": "source_created", "sourceId": "s-1"},
		},
		{
			name: "ingest progress",
			ev:   Event{Pipeline: PipelineIngest, Type: EventProgress, Inserted: 2, Total: 3, Progress: 66},
			want: map[string]interface{}{"type": "progress", "inserted": 2.0, "skipped": 0.0, "total": 3.0, "progress": 66.0},
		},
		{
			name: "ingest complete",
			ev:   Event{Pipeline: PipelineIngest, Type: EventComplete, SourceID: "s-1", AddressCount: 3},
			want: map[string]interface{}{"type": "complete", "sourceId": "s-1", "addressCount": 3.0, "skipped": 0.0},
		},
		{
			name: "enrich progress",
			ev:   Event{Pipeline: PipelineEnrich, Type: EventProgress, Processed: 4, Enriched: 3, Failed: 1, Total: 8, Progress: 50},
			want: map[string]interface{}{"type": "progress", "processed": 4.0, "enriched": 3.0, "failed": 1.0, "total": 8.0, "progress": 50.0},
		},
		{
			name: "enrich complete",
			ev:   Event{Pipeline: PipelineEnrich, Type: EventComplete, Enriched: 7, Failed: 1, Total: 8},
			want: map[string]interface{}{"type": "complete", "enriched": 7.0, "failed": 1.0, "total": 8.0},
		},
		{
			name: "error",
			ev:   Event{Pipeline: PipelineEnrich, Type: EventError, Error: "boom"},
			want: map[string]interface{}{"type": "error", "error": "boom"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decode(t, tt.ev))
		})
	}
}

func TestPercent(t *testing.T) {
	assert.Equal(t, 100, Percent(0, 0))
	assert.Equal(t, 0, Percent(0, 3))
	assert.Equal(t, 33, Percent(1, 3))
	assert.Equal(t, 100, Percent(3, 3))
	assert.Equal(t, 100, Percent(5, 3))
}

func TestSSEWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.Emit(Event{Pipeline: PipelineIngest, Type: EventStart, Total: 2}))
	require.NoError(t, w.Emit(Event{Pipeline: PipelineIngest, Type: EventError, Error: "bad"}))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.True(t, rec.Flushed)
	assert.Equal(t, "data: {\"type\":\"start\",\"total\":2}\n\ndata: {\"type\":\"error\",\"error\":\"bad\"}\n\n", rec.Body.String())
}

func TestJSONLines(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONLines(&buf)
	require.NoError(t, sink.Emit(Event{Type: EventStart, Total: 1}))
	require.NoError(t, sink.Emit(Event{Type: EventSourceCreated, SourceID: "x"}))

	scanner := bufio.NewScanner(strings.NewReader(buf.String()))
	lines := 0
	for scanner.Scan() {
		lines++
	}
	assert.Equal(t, 2, lines)
}

func TestReporter_ThrottlesAndStaysMonotonic(t *testing.T) {
	rec := NewRecorder()
	r := NewReporter(rec, time.Hour, 10)
	clock := time.Unix(0, 0)
	r.now = func() time.Time { return clock }

	emit := func(processed, progress int) {
		require.NoError(t, r.Emit(Event{Pipeline: PipelineEnrich, Type: EventProgress, Processed: processed, Total: 100, Progress: progress}))
	}

	emit(1, 1)   // first always passes
	emit(2, 2)   // throttled
	emit(11, 11) // ten more items
	emit(12, 5)  // throttled
	clock = clock.Add(2 * time.Hour)
	emit(13, 5) // interval elapsed, clamped to 11
	emit(100, 100)

	var got []int
	for _, ev := range rec.Events() {
		got = append(got, ev.Progress)
	}
	assert.Equal(t, []int{1, 11, 11, 100}, got)
}

func TestReporter_PassesNonProgressEvents(t *testing.T) {
	rec := NewRecorder()
	r := NewReporter(rec, time.Hour, 1000)

	require.NoError(t, r.Emit(Event{Type: EventStart, Total: 5}))
	require.NoError(t, r.Emit(Event{Type: EventProgress, Processed: 1, Total: 5, Progress: 20}))
	require.NoError(t, r.Emit(Event{Type: EventProgress, Processed: 2, Total: 5, Progress: 40}))
	require.NoError(t, r.Emit(Event{Type: EventComplete, Total: 5}))

	events := rec.Events()
	require.Len(t, events, 3)
	assert.Equal(t, EventComplete, events[2].Type)
	assert.True(t, events[2].Terminal())
}

func TestGenerate(t *testing.T) {
	ch := Generate(context.Background(), func(ctx context.Context, sink Sink) {
		for i := 0; i < 3; i++ {
			_ = sink.Emit(Event{Type: EventProgress, Inserted: i})
		}
		_ = sink.Emit(Event{Type: EventComplete})
	})

	var events []Event
	for ev := range ch {
		events = append(events, ev)
	}
	require.Len(t, events, 4)
	assert.Equal(t, EventComplete, events[3].Type)
}

func TestGenerate_AbandonedConsumer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)

	ch := Generate(ctx, func(ctx context.Context, sink Sink) {
		for {
			if err := sink.Emit(Event{Type: EventProgress}); err != nil {
				stopped <- err
				return
			}
		}
	})

	<-ch
	cancel()

	select {
	case err := <-stopped:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("producer did not stop")
	}
}
