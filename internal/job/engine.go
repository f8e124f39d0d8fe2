package job

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/serviceability-scanner/internal/errors"
	"github.com/serviceability-scanner/internal/logging"
	"github.com/serviceability-scanner/internal/models"
	"github.com/serviceability-scanner/internal/ratelimit"
	"github.com/serviceability-scanner/internal/storage"
	"github.com/serviceability-scanner/internal/types"
)

// Config configures the engine
type Config struct {
	DefaultProvider string
	Pacing          ratelimit.PacerConfig
	// ProviderPacing replaces Pacing for the named providers
	ProviderPacing  map[string]ratelimit.PacerConfig
	ProviderTimeout time.Duration
}

func (c Config) pacerFor(provider string) ratelimit.Pacer {
	if pc, ok := c.ProviderPacing[provider]; ok {
		return ratelimit.NewPacer(pc)
	}
	return ratelimit.NewPacer(c.Pacing)
}

// StartInput describes a job to start
type StartInput struct {
	SelectionID *string           `json:"selectionId"`
	Name        string            `json:"name"`
	RecheckType types.RecheckType `json:"recheckType"`
	Provider    string            `json:"provider"`
}

// Engine owns batch job runners. Runners are detached from the requests that start them
// and stop cooperatively when the persisted status leaves running.
type Engine struct {
	jobs      JobStore
	addresses AddressSource
	states    CheckStates
	providers ProviderLookup
	cfg       Config
	now       func() time.Time

	// startMu serializes admission so two concurrent starts cannot both pass the active check
	startMu sync.Mutex

	runMu    sync.Mutex
	runners  map[string]context.CancelFunc
	relaunch map[string]bool
	wg       sync.WaitGroup

	baseCtx context.Context
	stop    context.CancelFunc
}

// NewEngine creates an engine
func NewEngine(jobs JobStore, addresses AddressSource, states CheckStates, providers ProviderLookup, cfg Config) *Engine {
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 15 * time.Second
	}
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = "default"
	}
	baseCtx, stop := context.WithCancel(context.Background())
	return &Engine{
		jobs:      jobs,
		addresses: addresses,
		states:    states,
		providers: providers,
		cfg:       cfg,
		now:       time.Now,
		runners:   make(map[string]context.CancelFunc),
		relaunch:  make(map[string]bool),
		baseCtx:   baseCtx,
		stop:      stop,
	}
}

// Start creates a job and launches its runner. It fails with a concurrency conflict when
// the selection already has a pending or running job, without writing anything.
func (e *Engine) Start(ctx context.Context, in StartInput) (*models.BatchJob, error) {
	recheck, err := types.ParseRecheckType(string(in.RecheckType))
	if err != nil {
		return nil, errors.NewInvalidParameterError("recheckType", err.Error())
	}
	providerName := in.Provider
	if providerName == "" {
		providerName = e.cfg.DefaultProvider
	}
	if _, err := e.providers.Get(providerName); err != nil {
		return nil, errors.NewInvalidParameterError("provider", err.Error())
	}

	e.startMu.Lock()
	defer e.startMu.Unlock()

	if err := e.ensureNoActive(ctx, in.SelectionID); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	name := in.Name
	if name == "" {
		name = fmt.Sprintf("%s check %s", recheck, now.Format(time.RFC3339))
	}
	job := &models.BatchJob{
		ID:          uuid.NewString(),
		SelectionID: in.SelectionID,
		Name:        name,
		Provider:    providerName,
		Status:      types.JobStatusPending,
		RecheckType: recheck,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := e.jobs.Create(ctx, job); err != nil {
		if stderrors.Is(err, storage.ErrActiveJobExists) {
			return nil, e.conflict(ctx, in.SelectionID)
		}
		return nil, errors.NewDatabaseError("create batch job", err)
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"jobId":       job.ID,
		"selectionId": job.SelectionKey(),
		"provider":    job.Provider,
		"recheckType": job.RecheckType,
	}).Info("Batch job created")

	e.launch(job.ID)
	return job, nil
}

func (e *Engine) ensureNoActive(ctx context.Context, selectionID *string) error {
	active, err := e.jobs.FindActive(ctx, selectionID)
	if err == nil {
		return errors.NewConcurrencyConflictError(selectionKey(selectionID), active.ID)
	}
	if !stderrors.Is(err, storage.ErrNotFound) {
		return errors.NewDatabaseError("find active job", err)
	}
	return nil
}

func (e *Engine) conflict(ctx context.Context, selectionID *string) error {
	activeID := ""
	if active, err := e.jobs.FindActive(ctx, selectionID); err == nil {
		activeID = active.ID
	}
	return errors.NewConcurrencyConflictError(selectionKey(selectionID), activeID)
}

// Pause asks a pending or running job to stop after its current address
func (e *Engine) Pause(ctx context.Context, id string) (*models.BatchJob, error) {
	return e.transition(ctx, id, "pause", []types.JobStatus{types.JobStatusPending, types.JobStatusRunning}, types.JobStatusPaused)
}

// Cancel stops a job for good. The cursor stays at the last fully processed address.
func (e *Engine) Cancel(ctx context.Context, id string) (*models.BatchJob, error) {
	return e.transition(ctx, id, "cancel",
		[]types.JobStatus{types.JobStatusPending, types.JobStatusRunning, types.JobStatusPaused},
		types.JobStatusCancelled)
}

// Resume continues a paused job from its cursor
func (e *Engine) Resume(ctx context.Context, id string) (*models.BatchJob, error) {
	e.startMu.Lock()
	defer e.startMu.Unlock()

	job, err := e.transition(ctx, id, "resume", []types.JobStatus{types.JobStatusPaused}, types.JobStatusRunning)
	if err != nil {
		return nil, err
	}
	e.launch(job.ID)
	return job, nil
}

func (e *Engine) transition(ctx context.Context, id, action string, from []types.JobStatus, to types.JobStatus) (*models.BatchJob, error) {
	job, err := e.jobs.Transition(ctx, id, from, to)
	if err != nil {
		switch {
		case stderrors.Is(err, storage.ErrNotFound):
			return nil, errors.NewNotFoundError("batch job", id)
		case stderrors.Is(err, storage.ErrActiveJobExists):
			current, getErr := e.jobs.GetByID(ctx, id)
			if getErr != nil {
				return nil, errors.NewDatabaseError("get batch job", getErr)
			}
			return nil, e.conflict(ctx, current.SelectionID)
		case stderrors.Is(err, storage.ErrJobStateChanged):
			current, getErr := e.jobs.GetByID(ctx, id)
			if getErr != nil {
				return nil, errors.NewDatabaseError("get batch job", getErr)
			}
			return nil, errors.NewInvalidTransitionError(id, current.Status, action)
		}
		return nil, errors.NewDatabaseError(action+" batch job", err)
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"jobId":  id,
		"status": job.Status,
	}).Info("Batch job " + action)
	return job, nil
}

// Get returns one job
func (e *Engine) Get(ctx context.Context, id string) (*models.BatchJob, error) {
	job, err := e.jobs.GetByID(ctx, id)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return nil, errors.NewNotFoundError("batch job", id)
		}
		return nil, errors.NewDatabaseError("get batch job", err)
	}
	return job, nil
}

// List returns jobs, newest first, optionally for one selection
func (e *Engine) List(ctx context.Context, selectionID *string) ([]*models.BatchJob, error) {
	jobs, err := e.jobs.List(ctx, selectionID)
	if err != nil {
		return nil, errors.NewDatabaseError("list batch jobs", err)
	}
	if jobs == nil {
		jobs = []*models.BatchJob{}
	}
	return jobs, nil
}

// ResumeOrphans launches runners for pending or running jobs that have none in this
// process, which is the state left behind by a crash or restart
func (e *Engine) ResumeOrphans(ctx context.Context) (int, error) {
	jobs, err := e.jobs.ListByStatus(ctx, types.ActiveJobStatuses...)
	if err != nil {
		return 0, errors.NewDatabaseError("list active batch jobs", err)
	}

	resumed := 0
	for _, job := range jobs {
		if e.IsRunning(job.ID) {
			continue
		}
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"jobId":        job.ID,
			"currentIndex": job.CurrentIndex,
		}).Info("Resuming orphaned batch job")
		e.launch(job.ID)
		resumed++
	}
	return resumed, nil
}

// IsRunning reports whether a runner for the job is live in this process
func (e *Engine) IsRunning(id string) bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	_, ok := e.runners[id]
	return ok
}

// Wait blocks until the job's runner, if any, has exited
func (e *Engine) Wait(ctx context.Context, id string) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for e.IsRunning(id) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Shutdown stops all runners. Their jobs stay running in the store and are resumed on the next start.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stop()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) launch(id string) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if e.baseCtx.Err() != nil {
		return
	}
	if _, ok := e.runners[id]; ok {
		// the live runner may already be on its way out
		e.relaunch[id] = true
		return
	}

	ctx, cancel := context.WithCancel(e.baseCtx)
	e.runners[id] = cancel
	e.wg.Add(1)

	go func() {
		defer e.wg.Done()
		newRunner(e, id).run(ctx)
		cancel()

		e.runMu.Lock()
		delete(e.runners, id)
		again := e.relaunch[id]
		delete(e.relaunch, id)
		e.runMu.Unlock()

		if again {
			e.launch(id)
		}
	}()
}

func selectionKey(selectionID *string) string {
	if selectionID == nil {
		return ""
	}
	return *selectionID
}
