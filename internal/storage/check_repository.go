package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/serviceability-scanner/internal/models"
)

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

const checkColumns = `id, address_id, selection_id, batch_job_id, provider, checked_at,
	serviceable, serviceability_type, sales_type, status, cstatus, is_pre_sale,
	sales_status, match_type, provider_checked_at, provider_updated_at, error`

// CheckRepository reads and appends serviceability check rows. Rows are never updated or deleted.
type CheckRepository struct {
	db *PostgresDB
}

// NewCheckRepository creates a new check repository
func NewCheckRepository(db *PostgresDB) *CheckRepository {
	return &CheckRepository{db: db}
}

func insertCheck(ctx context.Context, q execer, c *models.ServiceabilityCheck) error {
	_, err := q.Exec(ctx, `
		INSERT INTO serviceability_checks (`+checkColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`,
		c.ID, c.AddressID, c.SelectionID, c.BatchJobID, c.Provider, c.CheckedAt,
		c.Serviceable, c.ServiceabilityType, c.SalesType, c.Status, c.CStatus, c.IsPreSale,
		c.SalesStatus, c.MatchType, c.ProviderCheckedAt, c.ProviderUpdatedAt, c.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert serviceability check: %w", err)
	}
	return nil
}

// States summarizes each address's latest check for a provider
func (r *CheckRepository) States(ctx context.Context, provider string, addressIDs []int64) (map[int64]models.CheckState, error) {
	rows, err := r.db.Pool().Query(ctx, `
		WITH latest AS (
			SELECT DISTINCT ON (address_id) address_id, error IS NOT NULL AS failed
			FROM serviceability_checks
			WHERE provider = $1 AND address_id = ANY($2)
			ORDER BY address_id, checked_at DESC, id DESC
		), ok AS (
			SELECT DISTINCT ON (address_id) address_id, serviceable, is_pre_sale, sales_type, sales_status
			FROM serviceability_checks
			WHERE provider = $1 AND address_id = ANY($2) AND error IS NULL
			ORDER BY address_id, checked_at DESC, id DESC
		)
		SELECT l.address_id, l.failed, o.serviceable, o.is_pre_sale, o.sales_type, o.sales_status
		FROM latest l
		LEFT JOIN ok o USING (address_id)
	`, provider, addressIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load check states: %w", err)
	}
	defer rows.Close()

	states := make(map[int64]models.CheckState, len(addressIDs))
	for rows.Next() {
		var (
			addressID              int64
			lastFailed             bool
			serviceable, preSale   *bool
			salesType, salesStatus *string
		)
		if err := rows.Scan(&addressID, &lastFailed, &serviceable, &preSale, &salesType, &salesStatus); err != nil {
			return nil, fmt.Errorf("failed to scan check state: %w", err)
		}

		state := models.CheckState{HasCheck: true, LastFailed: lastFailed}
		if serviceable != nil {
			result := models.CheckResult{Serviceable: *serviceable}
			if preSale != nil {
				result.IsPreSale = *preSale
			}
			if salesType != nil {
				result.SalesType = *salesType
			}
			if salesStatus != nil {
				result.SalesStatus = *salesStatus
			}
			status := result.Classify()
			state.LastSuccess = &status
		}
		states[addressID] = state
	}
	return states, rows.Err()
}

// History returns all checks of the given addresses with checkedAt <= cutoff
func (r *CheckRepository) History(ctx context.Context, addressIDs []int64, cutoff time.Time) ([]*models.ServiceabilityCheck, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+checkColumns+`
		FROM serviceability_checks
		WHERE address_id = ANY($1) AND checked_at <= $2
		ORDER BY address_id, checked_at
	`, addressIDs, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to load check history: %w", err)
	}
	defer rows.Close()

	var checks []*models.ServiceabilityCheck
	for rows.Next() {
		c, err := scanCheck(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan serviceability check: %w", err)
		}
		checks = append(checks, c)
	}
	return checks, rows.Err()
}

// CheckTimes returns the distinct check timestamps of the given addresses in ascending order
func (r *CheckRepository) CheckTimes(ctx context.Context, addressIDs []int64) ([]time.Time, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT DISTINCT checked_at
		FROM serviceability_checks
		WHERE address_id = ANY($1)
		ORDER BY checked_at
	`, addressIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load check times: %w", err)
	}

	times, err := pgx.CollectRows(rows, pgx.RowTo[time.Time])
	if err != nil {
		return nil, fmt.Errorf("failed to scan check times: %w", err)
	}
	return times, nil
}

func scanCheck(row pgx.Row) (*models.ServiceabilityCheck, error) {
	var c models.ServiceabilityCheck
	err := row.Scan(
		&c.ID, &c.AddressID, &c.SelectionID, &c.BatchJobID, &c.Provider, &c.CheckedAt,
		&c.Serviceable, &c.ServiceabilityType, &c.SalesType, &c.Status, &c.CStatus, &c.IsPreSale,
		&c.SalesStatus, &c.MatchType, &c.ProviderCheckedAt, &c.ProviderUpdatedAt, &c.Error,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
