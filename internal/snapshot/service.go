package snapshot

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/serviceability-scanner/internal/errors"
	"github.com/serviceability-scanner/internal/logging"
	"github.com/serviceability-scanner/internal/models"
	"github.com/serviceability-scanner/internal/storage"
)

const historyChunkSize = 5000

// SelectionReader resolves selections and their address ordering
type SelectionReader interface {
	GetByID(ctx context.Context, id string) (*models.Selection, error)
}

// AddressLister lists the address ids of a selection
type AddressLister interface {
	ListIDs(ctx context.Context, selectionID *string) ([]int64, error)
}

// HistoryReader loads check history
type HistoryReader interface {
	History(ctx context.Context, addressIDs []int64, cutoff time.Time) ([]*models.ServiceabilityCheck, error)
	CheckTimes(ctx context.Context, addressIDs []int64) ([]time.Time, error)
}

// Result is a reconstructed selection snapshot
type Result struct {
	SelectionID string            `json:"selectionId" msgpack:"selection_id"`
	At          time.Time         `json:"at" msgpack:"at"`
	Summary     Summary           `json:"summary" msgpack:"summary"`
	Addresses   []AddressSnapshot `json:"addresses" msgpack:"addresses"`
	Cached      bool              `json:"cached" msgpack:"-"`
	QueryTimeMs int64             `json:"queryTimeMs" msgpack:"-"`
}

// Timeline lists the moments at which a selection's snapshot can change
type Timeline struct {
	SelectionID string        `json:"selectionId"`
	Resolution  time.Duration `json:"resolutionNs"`
	Points      []time.Time   `json:"points"`
}

// MemoSettle is how far in the past a cutoff must lie before its snapshot is memoized.
// A check is stamped before its row commits, so very recent cutoffs can still change.
const MemoSettle = time.Minute

// Service serves snapshots and timelines for selections
type Service struct {
	selections SelectionReader
	addresses  AddressLister
	history    HistoryReader
	cache      *storage.CacheService
	resolution time.Duration
	now        func() time.Time
}

// NewService creates a snapshot service. cache may be nil.
func NewService(selections SelectionReader, addresses AddressLister, history HistoryReader, cache *storage.CacheService, resolution time.Duration) *Service {
	return &Service{
		selections: selections,
		addresses:  addresses,
		history:    history,
		cache:      cache,
		resolution: resolution,
		now:        time.Now,
	}
}

// Snapshot reconstructs the selection as of at. Cutoffs older than MemoSettle are memoized
// by (selection, at); later cutoffs are always recomputed.
func (s *Service) Snapshot(ctx context.Context, selectionID string, at time.Time) (*Result, error) {
	start := s.now()
	at = at.UTC()
	log := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"selectionId": selectionID,
		"at":          at,
	})

	memoizable := s.cache != nil && at.Before(start.Add(-MemoSettle))
	key := ""
	if memoizable {
		key = s.cache.GenerateSnapshotKey(selectionID, at)
		var cached Result
		found, err := s.cache.Get(ctx, key, &cached)
		if err != nil {
			log.WithError(err).Warn("Snapshot cache read failed")
			if err := s.cache.Invalidate(ctx, key); err != nil {
				log.WithError(err).Debug("Snapshot cache invalidate failed")
			}
		} else if found {
			cached.Cached = true
			cached.QueryTimeMs = s.now().Sub(start).Milliseconds()
			return &cached, nil
		}
	}

	ids, err := s.selectionAddresses(ctx, selectionID)
	if err != nil {
		return nil, err
	}

	var checks []*models.ServiceabilityCheck
	for i := 0; i < len(ids); i += historyChunkSize {
		end := i + historyChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk, err := s.history.History(ctx, ids[i:end], at)
		if err != nil {
			return nil, errors.NewDatabaseError("load check history", err)
		}
		checks = append(checks, chunk...)
	}

	snaps := Reconstruct(ids, checks, at)
	result := &Result{
		SelectionID: selectionID,
		At:          at,
		Summary:     Summarize(snaps),
		Addresses:   snaps,
	}

	if memoizable {
		if err := s.cache.Set(ctx, key, result); err != nil {
			log.WithError(err).Warn("Snapshot cache write failed")
		}
	}

	result.QueryTimeMs = s.now().Sub(start).Milliseconds()
	log.WithFields(map[string]interface{}{
		"addresses":   len(ids),
		"checks":      len(checks),
		"queryTimeMs": result.QueryTimeMs,
	}).Debug("Snapshot reconstructed")
	return result, nil
}

// Timeline returns the distinct check times of the selection, bucketed to the configured resolution
func (s *Service) Timeline(ctx context.Context, selectionID string) (*Timeline, error) {
	ids, err := s.selectionAddresses(ctx, selectionID)
	if err != nil {
		return nil, err
	}

	var times []time.Time
	for i := 0; i < len(ids); i += historyChunkSize {
		end := i + historyChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk, err := s.history.CheckTimes(ctx, ids[i:end])
		if err != nil {
			return nil, errors.NewDatabaseError("load check times", err)
		}
		times = append(times, chunk...)
	}

	return &Timeline{
		SelectionID: selectionID,
		Resolution:  s.resolution,
		Points:      Bucket(times, s.resolution),
	}, nil
}

func (s *Service) selectionAddresses(ctx context.Context, selectionID string) ([]int64, error) {
	if _, err := s.selections.GetByID(ctx, selectionID); err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return nil, errors.NewNotFoundError("selection", selectionID)
		}
		return nil, errors.NewDatabaseError("get selection", err)
	}

	ids, err := s.addresses.ListIDs(ctx, &selectionID)
	if err != nil {
		return nil, errors.NewDatabaseError("list selection addresses", err)
	}
	return ids, nil
}
