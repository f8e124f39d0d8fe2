package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/serviceability-scanner/internal/models"
	"github.com/serviceability-scanner/internal/types"
)

const activeJobIndex = "batch_jobs_one_active"

const jobColumns = `id, selection_id, name, provider, status, recheck_type,
	total_addresses, checked_count, serviceable_count, preorder_count, no_service_count,
	current_index, error, started_at, completed_at, last_check_at, created_at, updated_at`

// BatchJobRepository handles batch check job persistence
type BatchJobRepository struct {
	db *PostgresDB
}

// NewBatchJobRepository creates a new batch job repository
func NewBatchJobRepository(db *PostgresDB) *BatchJobRepository {
	return &BatchJobRepository{db: db}
}

// Create inserts a new job. It returns ErrActiveJobExists when the selection already has an active job.
func (r *BatchJobRepository) Create(ctx context.Context, job *models.BatchJob) error {
	query := `
		INSERT INTO batch_jobs (
			id, selection_id, name, provider, status, recheck_type,
			total_addresses, current_index, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		job.ID,
		job.SelectionID,
		job.Name,
		job.Provider,
		string(job.Status),
		string(job.RecheckType),
		job.TotalAddresses,
		job.CurrentIndex,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, activeJobIndex) {
			return ErrActiveJobExists
		}
		return fmt.Errorf("failed to create batch job: %w", err)
	}

	return nil
}

// GetByID retrieves a job by ID
func (r *BatchJobRepository) GetByID(ctx context.Context, id string) (*models.BatchJob, error) {
	job, err := scanJob(r.db.Pool().QueryRow(ctx, `SELECT `+jobColumns+` FROM batch_jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get batch job: %w", err)
	}
	return job, nil
}

// FindActive returns the pending or running job of a selection, or ErrNotFound
func (r *BatchJobRepository) FindActive(ctx context.Context, selectionID *string) (*models.BatchJob, error) {
	query := `SELECT ` + jobColumns + ` FROM batch_jobs
		WHERE selection_id IS NOT DISTINCT FROM $1 AND status IN ('pending', 'running')
		LIMIT 1`

	job, err := scanJob(r.db.Pool().QueryRow(ctx, query, selectionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find active batch job: %w", err)
	}
	return job, nil
}

// List returns jobs newest first, optionally filtered by selection
func (r *BatchJobRepository) List(ctx context.Context, selectionID *string) ([]*models.BatchJob, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if selectionID == nil {
		rows, err = r.db.Pool().Query(ctx, `SELECT `+jobColumns+` FROM batch_jobs ORDER BY created_at DESC`)
	} else {
		rows, err = r.db.Pool().Query(ctx,
			`SELECT `+jobColumns+` FROM batch_jobs WHERE selection_id = $1 ORDER BY created_at DESC`,
			*selectionID,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list batch jobs: %w", err)
	}
	return collectJobs(rows)
}

// ListByStatus returns jobs in any of the given statuses, oldest first
func (r *BatchJobRepository) ListByStatus(ctx context.Context, statuses ...types.JobStatus) ([]*models.BatchJob, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT `+jobColumns+` FROM batch_jobs WHERE status = ANY($1) ORDER BY created_at`,
		statusStrings(statuses),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch jobs by status: %w", err)
	}
	return collectJobs(rows)
}

// Transition moves a job to a new status if it is currently in one of from
func (r *BatchJobRepository) Transition(ctx context.Context, id string, from []types.JobStatus, to types.JobStatus) (*models.BatchJob, error) {
	query := `
		UPDATE batch_jobs
		SET status = $3,
			completed_at = CASE WHEN $3 IN ('completed', 'failed', 'cancelled') THEN NOW() ELSE completed_at END,
			updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)
		RETURNING ` + jobColumns

	job, err := scanJob(r.db.Pool().QueryRow(ctx, query, id, statusStrings(from), string(to)))
	if err != nil {
		return nil, r.classifyGuardedUpdate(ctx, id, err)
	}
	return job, nil
}

// BeginRun marks a pending or running job as running. The address total is frozen on the first run only.
func (r *BatchJobRepository) BeginRun(ctx context.Context, id string, total int) (*models.BatchJob, error) {
	query := `
		UPDATE batch_jobs
		SET status = 'running',
			total_addresses = CASE WHEN started_at IS NULL THEN $2 ELSE total_addresses END,
			started_at = COALESCE(started_at, NOW()),
			updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'running')
		RETURNING ` + jobColumns

	job, err := scanJob(r.db.Pool().QueryRow(ctx, query, id, total))
	if err != nil {
		return nil, r.classifyGuardedUpdate(ctx, id, err)
	}
	return job, nil
}

// CommitCheck appends a check row and advances counters and cursor atomically.
// The update is guarded on the job still running at cursor index; otherwise nothing is written.
func (r *BatchJobRepository) CommitCheck(ctx context.Context, id string, index int, check *models.ServiceabilityCheck, bucket types.EffectiveStatus) error {
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := insertCheck(ctx, tx, check); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			UPDATE batch_jobs
			SET checked_count = checked_count + 1,
				serviceable_count = serviceable_count + CASE WHEN $3 = 'serviceable' THEN 1 ELSE 0 END,
				preorder_count = preorder_count + CASE WHEN $3 = 'preorder' THEN 1 ELSE 0 END,
				no_service_count = no_service_count + CASE WHEN $3 = 'none' THEN 1 ELSE 0 END,
				current_index = $2 + 1,
				last_check_at = $4,
				updated_at = NOW()
			WHERE id = $1 AND status = 'running' AND current_index = $2
		`, id, index, string(bucket), check.CheckedAt)
		if err != nil {
			return fmt.Errorf("failed to update job counters: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrJobStateChanged
		}
		return nil
	})
}

// Advance moves the cursor past index without recording a check
func (r *BatchJobRepository) Advance(ctx context.Context, id string, index int) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE batch_jobs
		SET current_index = $2 + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'running' AND current_index = $2
	`, id, index)
	if err != nil {
		return fmt.Errorf("failed to advance job cursor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobStateChanged
	}
	return nil
}

// Complete marks a running job whose cursor reached the end as completed
func (r *BatchJobRepository) Complete(ctx context.Context, id string) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE batch_jobs
		SET status = 'completed', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'running' AND current_index >= total_addresses
	`, id)
	if err != nil {
		return fmt.Errorf("failed to complete batch job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobStateChanged
	}
	return nil
}

// Fail marks a running job as failed with an operator-facing message
func (r *BatchJobRepository) Fail(ctx context.Context, id string, message string) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE batch_jobs
		SET status = 'failed', error = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'running'
	`, id, message)
	if err != nil {
		return fmt.Errorf("failed to mark batch job failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobStateChanged
	}
	return nil
}

func (r *BatchJobRepository) classifyGuardedUpdate(ctx context.Context, id string, err error) error {
	if isUniqueViolation(err, activeJobIndex) {
		return ErrActiveJobExists
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("failed to update batch job: %w", err)
	}
	if _, getErr := r.GetByID(ctx, id); getErr != nil {
		return getErr
	}
	return ErrJobStateChanged
}

func statusStrings(statuses []types.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func collectJobs(rows pgx.Rows) ([]*models.BatchJob, error) {
	defer rows.Close()

	var jobs []*models.BatchJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (*models.BatchJob, error) {
	var job models.BatchJob
	var status, recheck string
	err := row.Scan(
		&job.ID,
		&job.SelectionID,
		&job.Name,
		&job.Provider,
		&status,
		&recheck,
		&job.TotalAddresses,
		&job.CheckedCount,
		&job.ServiceableCount,
		&job.PreorderCount,
		&job.NoServiceCount,
		&job.CurrentIndex,
		&job.Error,
		&job.StartedAt,
		&job.CompletedAt,
		&job.LastCheckAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = types.JobStatus(status)
	job.RecheckType = types.RecheckType(recheck)
	return &job, nil
}
