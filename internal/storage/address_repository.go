package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/serviceability-scanner/internal/models"
)

// AddressRepository handles address persistence
type AddressRepository struct {
	db *PostgresDB
}

// NewAddressRepository creates a new address repository
func NewAddressRepository(db *PostgresDB) *AddressRepository {
	return &AddressRepository{db: db}
}

var addressCopyColumns = []string{
	"source_id", "longitude", "latitude", "number", "street", "unit",
	"city", "region", "postcode", "raw_address", "properties", "created_at",
}

const addressColumns = `id, source_id, longitude, latitude, number, street, unit,
	city, region, postcode, raw_address, properties, created_at`

// InsertBatch bulk inserts addresses with COPY. The batch commits atomically.
func (r *AddressRepository) InsertBatch(ctx context.Context, addresses []*models.Address) (int64, error) {
	if len(addresses) == 0 {
		return 0, nil
	}

	rows := make([][]any, 0, len(addresses))
	now := time.Now().UTC()
	for _, a := range addresses {
		sourceID, err := uuid.Parse(a.SourceID)
		if err != nil {
			return 0, fmt.Errorf("invalid source id %q: %w", a.SourceID, err)
		}
		createdAt := a.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		var props any
		if len(a.Properties) > 0 {
			props = []byte(a.Properties)
		}
		rows = append(rows, []any{
			sourceID, a.Longitude, a.Latitude, a.Number, a.Street, a.Unit,
			a.City, a.Region, a.Postcode, a.RawAddress, props, createdAt,
		})
	}

	n, err := r.db.Pool().CopyFrom(ctx, pgx.Identifier{"addresses"}, addressCopyColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("failed to copy addresses: %w", err)
	}
	return n, nil
}

// GetByID retrieves one address
func (r *AddressRepository) GetByID(ctx context.Context, id int64) (*models.Address, error) {
	query := `SELECT ` + addressColumns + ` FROM addresses WHERE id = $1`

	addr, err := scanAddress(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get address: %w", err)
	}
	return addr, nil
}

// ListIDs returns the deterministic id ordering of a selection's addresses.
// A nil selection means every address.
func (r *AddressRepository) ListIDs(ctx context.Context, selectionID *string) ([]int64, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if selectionID == nil {
		rows, err = r.db.Pool().Query(ctx, `SELECT id FROM addresses ORDER BY id`)
	} else {
		rows, err = r.db.Pool().Query(ctx, `
			SELECT address_id FROM selection_addresses
			WHERE selection_id = $1
			ORDER BY address_id
		`, *selectionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list address ids: %w", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("failed to scan address ids: %w", err)
	}
	return ids, nil
}

const missingLocalityPredicate = `(city IS NULL OR city = '' OR postcode IS NULL OR postcode = '')`

// CountMissingLocality counts addresses of a source lacking city or postcode
func (r *AddressRepository) CountMissingLocality(ctx context.Context, sourceID string) (int, error) {
	var count int
	err := r.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM addresses WHERE source_id = $1 AND `+missingLocalityPredicate,
		sourceID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count addresses missing locality: %w", err)
	}
	return count, nil
}

// ListMissingLocality pages through addresses lacking city or postcode with id > afterID
func (r *AddressRepository) ListMissingLocality(ctx context.Context, sourceID string, afterID int64, limit int) ([]*models.Address, error) {
	query := `SELECT ` + addressColumns + ` FROM addresses
		WHERE source_id = $1 AND id > $2 AND ` + missingLocalityPredicate + `
		ORDER BY id
		LIMIT $3`

	rows, err := r.db.Pool().Query(ctx, query, sourceID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list addresses missing locality: %w", err)
	}
	defer rows.Close()

	var addresses []*models.Address
	for rows.Next() {
		addr, err := scanAddress(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan address: %w", err)
		}
		addresses = append(addresses, addr)
	}
	return addresses, rows.Err()
}

// UpdateLocality applies geocoded values in one round trip, never overwriting populated fields
func (r *AddressRepository) UpdateLocality(ctx context.Context, updates []models.LocalityUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, u := range updates {
		batch.Queue(`
			UPDATE addresses
			SET city = COALESCE(NULLIF(city, ''), $2),
				postcode = COALESCE(NULLIF(postcode, ''), $3)
			WHERE id = $1
		`, u.AddressID, u.City, u.Postcode)
	}

	if err := r.db.Pool().SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to update address locality: %w", err)
	}
	return nil
}

func scanAddress(row pgx.Row) (*models.Address, error) {
	var a models.Address
	var props []byte
	err := row.Scan(
		&a.ID, &a.SourceID, &a.Longitude, &a.Latitude,
		&a.Number, &a.Street, &a.Unit, &a.City, &a.Region, &a.Postcode,
		&a.RawAddress, &props, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Properties = props
	return &a, nil
}
