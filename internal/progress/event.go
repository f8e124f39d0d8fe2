// Package progress defines the progress event protocol shared by the ingestion and
// enrichment pipelines, and the sinks that deliver it.
package progress

import (
	"encoding/json"
)

// EventType is the "type" discriminator of a progress message
type EventType string

const (
	EventStart         EventType = "start"
	EventSourceCreated EventType = "source_created"
	EventProgress      EventType = "progress"
	EventComplete      EventType = "complete"
	EventError         EventType = "error"
)

// Pipeline identifies which payload shape an event carries
type Pipeline string

const (
	PipelineIngest Pipeline = "ingest"
	PipelineEnrich Pipeline = "enrich"
)

// Event is one progress message. Only the fields belonging to its pipeline and type are serialized.
type Event struct {
	Pipeline Pipeline
	Type     EventType

	SourceID     string
	Total        int
	Inserted     int
	Skipped      int
	AddressCount int
	Processed    int
	Enriched     int
	Failed       int
	// Progress is a percentage between 0 and 100
	Progress int
	Error    string
}

// Terminal reports whether no further events follow this one
func (e Event) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// done is the number of items accounted for by a progress event
func (e Event) done() int {
	if e.Pipeline == PipelineEnrich {
		return e.Processed
	}
	return e.Inserted + e.Skipped
}

// Percent returns the integer percentage of done over total. Empty work is complete.
func Percent(done, total int) int {
	if total <= 0 {
		return 100
	}
	if done >= total {
		return 100
	}
	if done <= 0 {
		return 0
	}
	return done * 100 / total
}

// MarshalJSON renders the wire shape for the event's pipeline and type
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventStart:
		return json.Marshal(struct {
			Type  EventType `json:"type"`
			Total int       `json:"total"`
		}{e.Type, e.Total})

	case EventSourceCreated:
		return json.Marshal(struct {
			Type     EventType `json:"type"`
			SourceID string    `json:"sourceId"`
		}{e.Type, e.SourceID})

	case EventError:
		return json.Marshal(struct {
			Type  EventType `json:"type"`
			Error string    `json:"error"`
		}{e.Type, e.Error})
	}

	if e.Pipeline == PipelineEnrich {
		if e.Type == EventProgress {
			return json.Marshal(struct {
				Type      EventType `json:"type"`
				Processed int       `json:"processed"`
				Enriched  int       `json:"enriched"`
				Failed    int       `json:"failed"`
				Total     int       `json:"total"`
				Progress  int       `json:"progress"`
			}{e.Type, e.Processed, e.Enriched, e.Failed, e.Total, e.Progress})
		}
		return json.Marshal(struct {
			Type     EventType `json:"type"`
			Enriched int       `json:"enriched"`
			Failed   int       `json:"failed"`
			Total    int       `json:"total"`
		}{e.Type, e.Enriched, e.Failed, e.Total})
	}

	if e.Type == EventProgress {
		return json.Marshal(struct {
			Type     EventType `json:"type"`
			Inserted int       `json:"inserted"`
			Skipped  int       `json:"skipped"`
			Total    int       `json:"total"`
			Progress int       `json:"progress"`
		}{e.Type, e.Inserted, e.Skipped, e.Total, e.Progress})
	}
	return json.Marshal(struct {
		Type         EventType `json:"type"`
		SourceID     string    `json:"sourceId"`
		AddressCount int       `json:"addressCount"`
		Skipped      int       `json:"skipped"`
	}{e.Type, e.SourceID, e.AddressCount, e.Skipped})
}
