package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/serviceability-scanner/internal/models"
)

// SourceRepository handles uploaded dataset persistence
type SourceRepository struct {
	db *PostgresDB
}

// NewSourceRepository creates a new source repository
func NewSourceRepository(db *PostgresDB) *SourceRepository {
	return &SourceRepository{db: db}
}

// Create inserts a new source row
func (r *SourceRepository) Create(ctx context.Context, source *models.Source) error {
	query := `
		INSERT INTO sources (id, name, file_name, uploaded_at, address_count)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		source.ID,
		source.Name,
		source.FileName,
		source.UploadedAt,
		source.AddressCount,
	)
	if err != nil {
		return fmt.Errorf("failed to create source: %w", err)
	}

	return nil
}

// GetByID retrieves a source by ID
func (r *SourceRepository) GetByID(ctx context.Context, id string) (*models.Source, error) {
	query := `
		SELECT id, name, file_name, uploaded_at, address_count
		FROM sources
		WHERE id = $1
	`

	var source models.Source
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&source.ID,
		&source.Name,
		&source.FileName,
		&source.UploadedAt,
		&source.AddressCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get source: %w", err)
	}

	return &source, nil
}

// UpdateAddressCount fixes the denormalized address count
func (r *SourceRepository) UpdateAddressCount(ctx context.Context, id string, count int) error {
	tag, err := r.db.Pool().Exec(ctx, `UPDATE sources SET address_count = $2 WHERE id = $1`, id, count)
	if err != nil {
		return fmt.Errorf("failed to update source address count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all sources, newest first
func (r *SourceRepository) List(ctx context.Context) ([]*models.Source, error) {
	query := `
		SELECT id, name, file_name, uploaded_at, address_count
		FROM sources
		ORDER BY uploaded_at DESC
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var sources []*models.Source
	for rows.Next() {
		var source models.Source
		if err := rows.Scan(&source.ID, &source.Name, &source.FileName, &source.UploadedAt, &source.AddressCount); err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		sources = append(sources, &source)
	}

	return sources, rows.Err()
}
