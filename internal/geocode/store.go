package geocode

import (
	"context"
	"errors"
	"time"

	"github.com/serviceability-scanner/internal/logging"
	"github.com/serviceability-scanner/internal/models"
	"github.com/serviceability-scanner/internal/storage"
)

// CellRepository is the durable tier of the geocode cache
type CellRepository interface {
	Get(ctx context.Context, cellKey string) (*models.GeocodeCacheEntry, error)
	Put(ctx context.Context, entry *models.GeocodeCacheEntry) error
}

// Store layers an optional Redis tier over the durable cell repository.
// Redis failures degrade to the durable tier.
type Store struct {
	repo  CellRepository
	cache *storage.CacheService
	ttl   time.Duration
}

// NewStore creates a store. cache may be nil.
func NewStore(repo CellRepository, cache *storage.CacheService, ttl time.Duration) *Store {
	return &Store{repo: repo, cache: cache, ttl: ttl}
}

// Get looks a cell up in Redis, then in the durable tier
func (s *Store) Get(ctx context.Context, cellKey string) (*models.GeocodeCacheEntry, bool, error) {
	logger := logging.FromContext(ctx)

	if s.cache != nil {
		var entry models.GeocodeCacheEntry
		found, err := s.cache.Get(ctx, s.cache.GenerateGeocodeKey(cellKey), &entry)
		if err != nil {
			logger.WithField("cell", cellKey).WithError(err).Warn("Geocode cache read failed")
		} else if found {
			return &entry, true, nil
		}
	}

	entry, err := s.repo.Get(ctx, cellKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}

	s.warm(ctx, entry)
	return entry, true, nil
}

// Put persists an entry in both tiers
func (s *Store) Put(ctx context.Context, entry *models.GeocodeCacheEntry) error {
	if err := s.repo.Put(ctx, entry); err != nil {
		return err
	}
	s.warm(ctx, entry)
	return nil
}

func (s *Store) warm(ctx context.Context, entry *models.GeocodeCacheEntry) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetWithTTL(ctx, s.cache.GenerateGeocodeKey(entry.CellKey), entry, s.ttl); err != nil {
		logging.FromContext(ctx).WithField("cell", entry.CellKey).WithError(err).Warn("Geocode cache write failed")
	}
}
