package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/serviceability-scanner/internal/models"
)

// GeocodeCacheRepository persists resolved grid cells
type GeocodeCacheRepository struct {
	db *PostgresDB
}

// NewGeocodeCacheRepository creates a new geocode cache repository
func NewGeocodeCacheRepository(db *PostgresDB) *GeocodeCacheRepository {
	return &GeocodeCacheRepository{db: db}
}

// Get returns the cached entry for a cell, or ErrNotFound
func (r *GeocodeCacheRepository) Get(ctx context.Context, cellKey string) (*models.GeocodeCacheEntry, error) {
	var e models.GeocodeCacheEntry
	err := r.db.Pool().QueryRow(ctx, `
		SELECT cell_key, city, postcode, resolved_at FROM geocode_cache WHERE cell_key = $1
	`, cellKey).Scan(&e.CellKey, &e.City, &e.Postcode, &e.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get geocode cache entry: %w", err)
	}
	return &e, nil
}

// Put stores an entry. An existing entry for the cell wins.
func (r *GeocodeCacheRepository) Put(ctx context.Context, entry *models.GeocodeCacheEntry) error {
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO geocode_cache (cell_key, city, postcode, resolved_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (cell_key) DO NOTHING
	`, entry.CellKey, entry.City, entry.Postcode, entry.ResolvedAt)
	if err != nil {
		return fmt.Errorf("failed to put geocode cache entry: %w", err)
	}
	return nil
}
