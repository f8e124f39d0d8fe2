package job

import (
	"context"
	stderrors "errors"

	"github.com/google/uuid"

	"github.com/serviceability-scanner/internal/errors"
	"github.com/serviceability-scanner/internal/logging"
	"github.com/serviceability-scanner/internal/models"
	"github.com/serviceability-scanner/internal/storage"
	"github.com/serviceability-scanner/internal/types"
)

// runner walks one job's frozen address ordering from its persisted cursor
type runner struct {
	e   *Engine
	id  string
	log *logging.Logger
}

func newRunner(e *Engine, id string) *runner {
	return &runner{e: e, id: id, log: logging.WithField("jobId", id)}
}

func (r *runner) run(ctx context.Context) {
	job, err := r.e.jobs.GetByID(ctx, r.id)
	if err != nil {
		r.log.WithError(err).Error("Failed to load batch job")
		return
	}
	if !job.Status.IsActive() {
		return
	}

	ids, err := r.e.addresses.ListIDs(ctx, job.SelectionID)
	if err != nil {
		r.log.WithError(err).Error("Failed to list selection addresses")
		return
	}

	job, err = r.e.jobs.BeginRun(ctx, r.id, len(ids))
	if err != nil {
		if !stderrors.Is(err, storage.ErrJobStateChanged) {
			r.log.WithError(err).Error("Failed to begin batch job run")
		}
		return
	}

	// addresses added after the first run sort after the frozen prefix
	if job.TotalAddresses < len(ids) {
		ids = ids[:job.TotalAddresses]
	}
	if len(ids) < job.TotalAddresses {
		r.fail(ctx, "selection shrank since the job started")
		return
	}

	provider, err := r.e.providers.Get(job.Provider)
	if err != nil {
		r.fail(ctx, err.Error())
		return
	}

	include, err := buildPredicate(ctx, r.e.states, job.Provider, job.RecheckType, ids, job.CurrentIndex)
	if err != nil {
		r.log.WithError(err).Error("Failed to load check states")
		return
	}

	pacer := r.e.cfg.pacerFor(job.Provider)

	r.log.WithFields(map[string]interface{}{
		"provider":     job.Provider,
		"recheckType":  job.RecheckType,
		"currentIndex": job.CurrentIndex,
		"total":        job.TotalAddresses,
	}).Info("Batch job running")

	for i := job.CurrentIndex; i < len(ids); i++ {
		if ctx.Err() != nil {
			return
		}

		if !r.stillRunning(ctx, i) {
			return
		}

		if !include(i) {
			if err := r.e.jobs.Advance(ctx, r.id, i); err != nil {
				r.stopOn(err)
				return
			}
			continue
		}

		addr, err := r.e.addresses.GetByID(ctx, ids[i])
		if err != nil {
			if stderrors.Is(err, storage.ErrNotFound) {
				if err := r.e.jobs.Advance(ctx, r.id, i); err != nil {
					r.stopOn(err)
					return
				}
				continue
			}
			r.log.WithError(err).Error("Failed to load address")
			return
		}

		if err := pacer.Wait(ctx); err != nil {
			return
		}
		// a pause or cancel may have landed during a long backoff
		if !r.stillRunning(ctx, i) {
			return
		}

		callCtx, cancel := context.WithTimeout(ctx, r.e.cfg.ProviderTimeout)
		result, callErr := provider.Check(callCtx, addr)
		cancel()

		// shutdown mid-call: leave the cursor so the address is retried on resume
		if ctx.Err() != nil {
			return
		}

		check := &models.ServiceabilityCheck{
			ID:          uuid.NewString(),
			AddressID:   addr.ID,
			SelectionID: job.SelectionID,
			BatchJobID:  &job.ID,
			Provider:    provider.Name(),
			CheckedAt:   r.e.now().UTC(),
		}
		var bucket types.EffectiveStatus

		if callErr != nil {
			pacer.RecordFailure()
			if errors.IsFatal(callErr) {
				r.fail(ctx, callErr.Error())
				return
			}
			msg := callErr.Error()
			check.Error = &msg
			r.log.WithError(callErr).WithField("addressId", addr.ID).Warn("Provider check failed")
		} else {
			pacer.RecordSuccess()
			check.CheckResult = *result
			bucket = result.Classify()
		}

		if err := r.e.jobs.CommitCheck(ctx, r.id, i, check, bucket); err != nil {
			r.stopOn(err)
			return
		}
	}

	if err := r.e.jobs.Complete(ctx, r.id); err != nil {
		r.stopOn(err)
		return
	}
	r.log.Info("Batch job completed")
}

// stillRunning re-reads the persisted job and reports whether it is still running at index i
func (r *runner) stillRunning(ctx context.Context, i int) bool {
	current, err := r.e.jobs.GetByID(ctx, r.id)
	if err != nil {
		r.log.WithError(err).Error("Failed to re-read batch job")
		return false
	}
	if current.Status != types.JobStatusRunning || current.CurrentIndex != i {
		r.log.WithField("status", current.Status).Info("Batch job stopped")
		return false
	}
	return true
}

func (r *runner) fail(ctx context.Context, message string) {
	if err := r.e.jobs.Fail(ctx, r.id, message); err != nil {
		r.stopOn(err)
		return
	}
	r.log.WithField("error", message).Error("Batch job failed")
}

func (r *runner) stopOn(err error) {
	if stderrors.Is(err, storage.ErrJobStateChanged) {
		r.log.Info("Batch job state changed, runner exiting")
		return
	}
	r.log.WithError(err).Error("Batch job storage error")
}
