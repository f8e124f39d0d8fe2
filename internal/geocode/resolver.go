package geocode

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/paulmach/orb"
	"golang.org/x/sync/singleflight"

	"github.com/serviceability-scanner/internal/adapter"
	"github.com/serviceability-scanner/internal/circuitbreaker"
	"github.com/serviceability-scanner/internal/logging"
	"github.com/serviceability-scanner/internal/models"
	"github.com/serviceability-scanner/internal/ratelimit"
)

// errFlightAbandoned marks a shared lookup that failed because its leader went away
var errFlightAbandoned = errors.New("geocode lookup abandoned")

// ResolverConfig configures a Resolver
type ResolverConfig struct {
	Precision int
	Timeout   time.Duration
}

// Stats are cumulative resolver counters
type Stats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	ExternalCalls int64 `json:"externalCalls"`
	Failures      int64 `json:"failures"`
}

// Resolver answers locality lookups for points. At most one external call is in flight per
// cell, and every external call passes the shared gate.
type Resolver struct {
	store     *Store
	geocoder  adapter.ReverseGeocoder
	gate      *ratelimit.Gate
	breaker   *circuitbreaker.CircuitBreaker
	group     singleflight.Group
	precision int
	timeout   time.Duration
	now       func() time.Time

	hits     atomic.Int64
	misses   atomic.Int64
	calls    atomic.Int64
	failures atomic.Int64
}

// NewResolver creates a resolver. breaker may be nil.
func NewResolver(store *Store, geocoder adapter.ReverseGeocoder, gate *ratelimit.Gate, breaker *circuitbreaker.CircuitBreaker, cfg ResolverConfig) *Resolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Resolver{
		store:     store,
		geocoder:  geocoder,
		gate:      gate,
		breaker:   breaker,
		precision: clampPrecision(cfg.Precision),
		timeout:   cfg.Timeout,
		now:       time.Now,
	}
}

// Resolve returns the locality for the cell containing p
func (r *Resolver) Resolve(ctx context.Context, p orb.Point) (*models.GeocodeCacheEntry, error) {
	cell := CellKey(p, r.precision)

	entry, found, err := r.store.Get(ctx, cell)
	if err != nil {
		return nil, fmt.Errorf("geocode cache lookup: %w", err)
	}
	if found {
		r.hits.Add(1)
		return entry, nil
	}
	r.misses.Add(1)

	for {
		ch := r.group.DoChan(cell, func() (interface{}, error) {
			return r.fetch(ctx, cell, Snap(p, r.precision))
		})

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				if errors.Is(res.Err, errFlightAbandoned) && ctx.Err() == nil {
					continue
				}
				return nil, res.Err
			}
			return res.Val.(*models.GeocodeCacheEntry), nil
		}
	}
}

func (r *Resolver) fetch(ctx context.Context, cell string, point orb.Point) (*models.GeocodeCacheEntry, error) {
	logger := logging.FromContext(ctx).WithField("cell", cell)

	// another flight may have persisted the cell since the caller's lookup
	if entry, found, err := r.store.Get(ctx, cell); err == nil && found {
		return entry, nil
	}

	loc, err := r.call(ctx, point)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", errFlightAbandoned, err)
		}
		r.failures.Add(1)
		logger.WithError(err).Warn("Reverse geocoding failed")
		return nil, err
	}

	entry := &models.GeocodeCacheEntry{
		CellKey:    cell,
		City:       nonEmpty(loc.City),
		Postcode:   nonEmpty(loc.Postcode),
		ResolvedAt: r.now().UTC(),
	}
	if err := r.store.Put(ctx, entry); err != nil {
		logger.WithError(err).Warn("Failed to persist geocode cache entry")
	}
	return entry, nil
}

func (r *Resolver) call(ctx context.Context, point orb.Point) (*adapter.Locality, error) {
	if err := r.gate.Wait(ctx); err != nil {
		return nil, err
	}

	var loc *adapter.Locality
	do := func() error {
		r.calls.Add(1)
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		var err error
		loc, err = r.geocoder.Reverse(callCtx, point.Lon(), point.Lat())
		return err
	}

	var err error
	if r.breaker == nil {
		err = do()
	} else {
		err = r.breaker.Execute(ctx, do)
	}
	return loc, err
}

// Stats returns a snapshot of the counters
func (r *Resolver) Stats() Stats {
	return Stats{
		Hits:          r.hits.Load(),
		Misses:        r.misses.Load(),
		ExternalCalls: r.calls.Load(),
		Failures:      r.failures.Load(),
	}
}

// Precision returns the grid precision used for cell keys
func (r *Resolver) Precision() int {
	return r.precision
}

func nonEmpty(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
