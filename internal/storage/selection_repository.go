package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/serviceability-scanner/internal/models"
)

// SelectionRepository handles named address subsets
type SelectionRepository struct {
	db *PostgresDB
}

// NewSelectionRepository creates a new selection repository
func NewSelectionRepository(db *PostgresDB) *SelectionRepository {
	return &SelectionRepository{db: db}
}

// CreateFromSource creates a selection containing every address of a source.
// It returns the number of addresses attached.
func (r *SelectionRepository) CreateFromSource(ctx context.Context, selection *models.Selection) (int, error) {
	if selection.SourceID == nil {
		return 0, fmt.Errorf("selection source is required")
	}

	var attached int
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO selections (id, name, source_id, created_at)
			VALUES ($1, $2, $3, $4)
		`, selection.ID, selection.Name, selection.SourceID, selection.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to create selection: %w", err)
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO selection_addresses (selection_id, address_id)
			SELECT $1, id FROM addresses WHERE source_id = $2
		`, selection.ID, *selection.SourceID)
		if err != nil {
			return fmt.Errorf("failed to attach selection addresses: %w", err)
		}
		attached = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, err
	}

	return attached, nil
}

// GetByID retrieves a selection by ID
func (r *SelectionRepository) GetByID(ctx context.Context, id string) (*models.Selection, error) {
	var s models.Selection
	err := r.db.Pool().QueryRow(ctx, `
		SELECT id, name, source_id, created_at FROM selections WHERE id = $1
	`, id).Scan(&s.ID, &s.Name, &s.SourceID, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get selection: %w", err)
	}
	return &s, nil
}
