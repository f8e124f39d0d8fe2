// Package enrich fills missing city and postcode on addresses through the geocode resolver.
package enrich

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"golang.org/x/sync/errgroup"

	"github.com/serviceability-scanner/internal/errors"
	"github.com/serviceability-scanner/internal/logging"
	"github.com/serviceability-scanner/internal/models"
	"github.com/serviceability-scanner/internal/progress"
)

// AddressStore reads enrichment targets and writes locality updates
type AddressStore interface {
	CountMissingLocality(ctx context.Context, sourceID string) (int, error)
	ListMissingLocality(ctx context.Context, sourceID string, afterID int64, limit int) ([]*models.Address, error)
	UpdateLocality(ctx context.Context, updates []models.LocalityUpdate) error
}

// Resolver resolves a point to its cached or freshly geocoded locality
type Resolver interface {
	Resolve(ctx context.Context, p orb.Point) (*models.GeocodeCacheEntry, error)
}

// Config tunes an enrichment run
type Config struct {
	Workers          int
	FlushSize        int
	PageSize         int
	ProgressInterval time.Duration
	ProgressEvery    int
}

// Result summarizes an enrichment run
type Result struct {
	Enriched int `json:"enriched"`
	Failed   int `json:"failed"`
	Total    int `json:"total"`
}

// Pipeline enriches the addresses of a source. The resolver, and with it the geocode
// cache and rate gate, is shared by every run in the process.
type Pipeline struct {
	addresses AddressStore
	resolver  Resolver
	cfg       Config
}

// NewPipeline creates an enrichment pipeline
func NewPipeline(addresses AddressStore, resolver Resolver, cfg Config) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.FlushSize <= 0 {
		cfg.FlushSize = 100
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = progress.DefaultMinInterval
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = progress.DefaultEvery
	}
	return &Pipeline{addresses: addresses, resolver: resolver, cfg: cfg}
}

// CountTargets returns how many addresses of the source lack city or postcode
func (p *Pipeline) CountTargets(ctx context.Context, sourceID string) (int, error) {
	n, err := p.addresses.CountMissingLocality(ctx, sourceID)
	if err != nil {
		return 0, errors.NewDatabaseError("count enrichment targets", err)
	}
	return n, nil
}

// Run enriches every target address of sourceID. Per-address geocoding failures are
// counted and never abort the run; it ends with complete, or error on storage failure.
func (p *Pipeline) Run(ctx context.Context, sourceID string, sink progress.Sink) (*Result, error) {
	logger := logging.FromContext(ctx).WithField("sourceId", sourceID)

	total, err := p.CountTargets(ctx, sourceID)
	if err != nil {
		p.emitError(ctx, sink, err)
		return nil, err
	}

	r := &run{
		p:        p,
		reporter: progress.NewReporter(sink, p.cfg.ProgressInterval, p.cfg.ProgressEvery),
		result:   &Result{Total: total},
	}

	if err := r.emit(progress.Event{Type: progress.EventStart, Total: total}); err != nil {
		return r.result, err
	}
	logger.WithField("total", total).Info("Enrichment started")

	if err := r.execute(ctx, sourceID); err != nil {
		logger.WithError(err).Error("Enrichment aborted")
		p.emitError(ctx, sink, err)
		return r.result, err
	}

	res := r.summary()
	logger.WithFields(map[string]interface{}{
		"enriched": res.Enriched,
		"failed":   res.Failed,
	}).Info("Enrichment complete")

	if err := r.emit(progress.Event{Type: progress.EventComplete, Enriched: res.Enriched, Failed: res.Failed, Total: res.Total}); err != nil {
		return res, err
	}
	return res, nil
}

func (p *Pipeline) emitError(ctx context.Context, sink progress.Sink, err error) {
	msg := err.Error()
	var ce *errors.CategorizedError
	if stderrors.As(err, &ce) {
		msg = ce.Message
	}
	if emitErr := sink.Emit(progress.Event{Pipeline: progress.PipelineEnrich, Type: progress.EventError, Error: msg}); emitErr != nil {
		logging.FromContext(ctx).WithError(emitErr).Warn("Failed to deliver enrichment error event")
	}
}

type run struct {
	p        *Pipeline
	reporter *progress.Reporter

	mu        sync.Mutex
	result    *Result
	processed int
	pending   []models.LocalityUpdate
	finished  bool
}

func (r *run) emit(ev progress.Event) error {
	ev.Pipeline = progress.PipelineEnrich
	return r.reporter.Emit(ev)
}

func (r *run) summary() *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r.result
	return &cp
}

func (r *run) execute(ctx context.Context, sourceID string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.p.cfg.Workers)

	var afterID int64
	for {
		if gctx.Err() != nil {
			break
		}

		page, err := r.p.addresses.ListMissingLocality(gctx, sourceID, afterID, r.p.cfg.PageSize)
		if err != nil {
			_ = g.Wait()
			return errors.NewDatabaseError("list enrichment targets", err)
		}
		if len(page) == 0 {
			break
		}
		afterID = page[len(page)-1].ID

		for _, addr := range page {
			g.Go(func() error {
				return r.enrich(gctx, addr)
			})
		}

		if len(page) < r.p.cfg.PageSize {
			break
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := r.flush(ctx, r.takePending(true)); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.finished {
		r.finished = true
		return r.emit(r.progressEvent(100))
	}
	return nil
}

// enrich resolves one address and records the outcome
func (r *run) enrich(ctx context.Context, addr *models.Address) error {
	entry, err := r.p.resolver.Resolve(ctx, orb.Point{addr.Longitude, addr.Latitude})
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	var update *models.LocalityUpdate
	if err == nil {
		update = applicable(addr, entry)
	} else {
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"addressId": addr.ID,
		}).WithError(err).Debug("Address geocoding failed")
	}

	r.mu.Lock()
	r.processed++
	if update != nil {
		r.result.Enriched++
		r.pending = append(r.pending, *update)
	} else {
		r.result.Failed++
	}

	pct := progress.Percent(r.processed, r.result.Total)
	if pct >= 100 {
		r.finished = true
	}
	emitErr := r.emit(r.progressEvent(pct))
	batch := r.takePendingLocked(false)
	r.mu.Unlock()

	if emitErr != nil {
		return emitErr
	}
	return r.flush(ctx, batch)
}

// progressEvent must be called with r.mu held
func (r *run) progressEvent(pct int) progress.Event {
	return progress.Event{
		Type:      progress.EventProgress,
		Processed: r.processed,
		Enriched:  r.result.Enriched,
		Failed:    r.result.Failed,
		Total:     r.result.Total,
		Progress:  pct,
	}
}

func (r *run) takePending(force bool) []models.LocalityUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.takePendingLocked(force)
}

func (r *run) takePendingLocked(force bool) []models.LocalityUpdate {
	if len(r.pending) == 0 || (!force && len(r.pending) < r.p.cfg.FlushSize) {
		return nil
	}
	batch := r.pending
	r.pending = nil
	return batch
}

func (r *run) flush(ctx context.Context, batch []models.LocalityUpdate) error {
	if len(batch) == 0 {
		return nil
	}
	if err := r.p.addresses.UpdateLocality(ctx, batch); err != nil {
		return errors.NewDatabaseError("update address locality", err)
	}
	return nil
}

// applicable returns the update filling the address's missing fields, or nil when
// the resolved locality supplies none of them
func applicable(addr *models.Address, entry *models.GeocodeCacheEntry) *models.LocalityUpdate {
	if entry == nil {
		return nil
	}
	u := models.LocalityUpdate{AddressID: addr.ID}
	if blank(addr.City) && !blank(entry.City) {
		u.City = entry.City
	}
	if blank(addr.Postcode) && !blank(entry.Postcode) {
		u.Postcode = entry.Postcode
	}
	if u.City == nil && u.Postcode == nil {
		return nil
	}
	return &u
}

func blank(s *string) bool {
	return s == nil || *s == ""
}
