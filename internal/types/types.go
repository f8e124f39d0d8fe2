// Package types provides common type definitions for the serviceability scanner system.
package types

import "fmt"

// JobStatus represents the lifecycle state of a batch check job
type JobStatus string

const (
	// JobStatusPending represents a job that was created but whose runner has not started yet
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning represents a job whose runner is iterating addresses
	JobStatusRunning JobStatus = "running"
	// JobStatusPaused represents a job stopped by an operator that can be resumed
	JobStatusPaused JobStatus = "paused"
	// JobStatusCompleted represents a job whose cursor reached the end of the address list
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed represents a job halted by a fatal provider condition
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled represents a job cancelled by an operator
	JobStatusCancelled JobStatus = "cancelled"
)

// IsActive reports whether the status counts towards the one-active-job-per-selection rule
func (s JobStatus) IsActive() bool {
	return s == JobStatusPending || s == JobStatusRunning
}

// IsTerminal reports whether no further transitions are possible
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// ActiveJobStatuses lists the statuses that block starting another job on the same selection
var ActiveJobStatuses = []JobStatus{JobStatusPending, JobStatusRunning}

// RecheckType selects which addresses of a selection a job calls the provider for
type RecheckType string

const (
	// RecheckAll checks every address
	RecheckAll RecheckType = "all"
	// RecheckUnchecked checks only addresses without any check from the job's provider
	RecheckUnchecked RecheckType = "unchecked"
	// RecheckFailed checks only addresses whose latest check from the provider is an error
	RecheckFailed RecheckType = "failed"
	// RecheckNotServiceable checks only addresses whose latest successful check was not serviceable
	RecheckNotServiceable RecheckType = "not_serviceable"
)

// ParseRecheckType validates a recheck type string, defaulting to RecheckAll when empty
func ParseRecheckType(s string) (RecheckType, error) {
	switch RecheckType(s) {
	case "":
		return RecheckAll, nil
	case RecheckAll, RecheckUnchecked, RecheckFailed, RecheckNotServiceable:
		return RecheckType(s), nil
	default:
		return "", fmt.Errorf("unknown recheck type %q", s)
	}
}

// EffectiveStatus is the combined serviceability status of an address as of a point in time
type EffectiveStatus string

const (
	// StatusServiceable means at least one provider reported the address as serviceable
	StatusServiceable EffectiveStatus = "serviceable"
	// StatusPreorder means the best provider result is a pre-sale / preorder offer
	StatusPreorder EffectiveStatus = "preorder"
	// StatusNone means providers checked the address and reported no service
	StatusNone EffectiveStatus = "none"
	// StatusUnchecked means no provider has an effective check for the address
	StatusUnchecked EffectiveStatus = "unchecked"
)

// Rank orders statuses by precedence; lower wins
func (s EffectiveStatus) Rank() int {
	switch s {
	case StatusServiceable:
		return 0
	case StatusPreorder:
		return 1
	case StatusNone:
		return 2
	default:
		return 3
	}
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
