// Package job runs resumable batch serviceability checks over selections of addresses.
package job

import (
	"context"

	"github.com/serviceability-scanner/internal/adapter"
	"github.com/serviceability-scanner/internal/models"
	"github.com/serviceability-scanner/internal/types"
)

// JobStore persists batch jobs. Cursor-moving writes are guarded on the job still
// running at the expected index and return storage.ErrJobStateChanged otherwise.
type JobStore interface {
	Create(ctx context.Context, job *models.BatchJob) error
	GetByID(ctx context.Context, id string) (*models.BatchJob, error)
	FindActive(ctx context.Context, selectionID *string) (*models.BatchJob, error)
	List(ctx context.Context, selectionID *string) ([]*models.BatchJob, error)
	ListByStatus(ctx context.Context, statuses ...types.JobStatus) ([]*models.BatchJob, error)
	Transition(ctx context.Context, id string, from []types.JobStatus, to types.JobStatus) (*models.BatchJob, error)
	BeginRun(ctx context.Context, id string, total int) (*models.BatchJob, error)
	CommitCheck(ctx context.Context, id string, index int, check *models.ServiceabilityCheck, bucket types.EffectiveStatus) error
	Advance(ctx context.Context, id string, index int) error
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, message string) error
}

// AddressSource resolves the deterministic address ordering of a selection
type AddressSource interface {
	// ListIDs returns address ids in ascending order; nil selects every address
	ListIDs(ctx context.Context, selectionID *string) ([]int64, error)
	GetByID(ctx context.Context, id int64) (*models.Address, error)
}

// CheckStates summarizes prior checks for recheck filtering
type CheckStates interface {
	States(ctx context.Context, provider string, addressIDs []int64) (map[int64]models.CheckState, error)
}

// ProviderLookup resolves provider names
type ProviderLookup interface {
	Get(name string) (adapter.ServiceabilityProvider, error)
}
