package models

import (
	"time"

	"github.com/serviceability-scanner/internal/types"
)

// BatchJob represents the persisted state of one run of the check engine over a selection
type BatchJob struct {
	ID               string            `json:"id" db:"id"`
	SelectionID      *string           `json:"selectionId" db:"selection_id"`
	Name             string            `json:"name" db:"name"`
	Provider         string            `json:"provider" db:"provider"`
	Status           types.JobStatus   `json:"status" db:"status"`
	RecheckType      types.RecheckType `json:"recheckType" db:"recheck_type"`
	TotalAddresses   int               `json:"totalAddresses" db:"total_addresses"`
	CheckedCount     int               `json:"checkedCount" db:"checked_count"`
	ServiceableCount int               `json:"serviceableCount" db:"serviceable_count"`
	PreorderCount    int               `json:"preorderCount" db:"preorder_count"`
	NoServiceCount   int               `json:"noServiceCount" db:"no_service_count"`
	// CurrentIndex is the resumption cursor into the frozen address ordering
	CurrentIndex int        `json:"currentIndex" db:"current_index"`
	Error        *string    `json:"error,omitempty" db:"error"`
	StartedAt    *time.Time `json:"startedAt,omitempty" db:"started_at"`
	CompletedAt  *time.Time `json:"completedAt,omitempty" db:"completed_at"`
	LastCheckAt  *time.Time `json:"lastCheckAt,omitempty" db:"last_check_at"`
	CreatedAt    time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time  `json:"updatedAt" db:"updated_at"`
}

// Progress returns the cursor position as a percentage of the address list
func (j *BatchJob) Progress() float64 {
	if j.TotalAddresses == 0 {
		if j.Status == types.JobStatusCompleted {
			return 100
		}
		return 0
	}
	return float64(j.CurrentIndex) * 100 / float64(j.TotalAddresses)
}

// SelectionKey returns the selection id, or the empty string for jobs over all addresses
func (j *BatchJob) SelectionKey() string {
	if j.SelectionID == nil {
		return ""
	}
	return *j.SelectionID
}
