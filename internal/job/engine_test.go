package job

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serviceability-scanner/internal/adapter"
	"github.com/serviceability-scanner/internal/errors"
	"github.com/serviceability-scanner/internal/models"
	"github.com/serviceability-scanner/internal/ratelimit"
	"github.com/serviceability-scanner/internal/types"
)

func waitFor(t *testing.T, e *Engine, id string) *models.BatchJob {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Wait(ctx, id))
	job, err := e.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestEngine_RunsEveryAddress(t *testing.T) {
	store := newMemoryStore()
	provider := &fakeProvider{name: "acme", check: func(ctx context.Context, addr *models.Address) (*models.CheckResult, error) {
		switch addr.ID {
		case 1:
			return &models.CheckResult{Serviceable: true}, nil
		case 2:
			return &models.CheckResult{SalesType: "preorder"}, nil
		default:
			return nil, errors.NewProviderError("acme", stderrors.New("HTTP error: 502"))
		}
	}}
	e := newTestEngine(store, newMemoryAddresses(3), provider)

	job, err := e.Start(context.Background(), StartInput{RecheckType: types.RecheckAll})
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, job.Status)
	assert.Equal(t, "acme", job.Provider)

	job = waitFor(t, e, job.ID)
	assert.Equal(t, types.JobStatusCompleted, job.Status)
	assert.Equal(t, 3, job.TotalAddresses)
	assert.Equal(t, 3, job.CurrentIndex)
	assert.Equal(t, 3, job.CheckedCount)
	assert.Equal(t, 1, job.ServiceableCount)
	assert.Equal(t, 1, job.PreorderCount)
	assert.Equal(t, 0, job.NoServiceCount)
	assert.Equal(t, 100.0, job.Progress())

	checks := store.checksFor(job.ID)
	require.Len(t, checks, 3)
	assert.Nil(t, checks[0].Error)
	require.NotNil(t, checks[2].Error)
	assert.Contains(t, *checks[2].Error, "502")
	assert.Equal(t, "acme", checks[2].Provider)
}

func TestEngine_FatalProviderErrorFailsJob(t *testing.T) {
	store := newMemoryStore()
	provider := &fakeProvider{name: "acme", check: func(ctx context.Context, addr *models.Address) (*models.CheckResult, error) {
		if addr.ID == 2 {
			return nil, errors.NewFatalProviderError("acme", adapter.ErrUnauthorized)
		}
		return &models.CheckResult{Serviceable: true}, nil
	}}
	e := newTestEngine(store, newMemoryAddresses(4), provider)

	job, err := e.Start(context.Background(), StartInput{})
	require.NoError(t, err)

	job = waitFor(t, e, job.ID)
	assert.Equal(t, types.JobStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Contains(t, *job.Error, adapter.ErrUnauthorized.Error())
	assert.Equal(t, 1, job.CurrentIndex)
	assert.Equal(t, 1, job.CheckedCount)
	assert.Equal(t, int32(2), provider.calls.Load())
}

func TestEngine_OneActiveJobPerSelection(t *testing.T) {
	store := newMemoryStore()
	release := make(chan struct{})
	provider := &fakeProvider{name: "acme", check: func(ctx context.Context, addr *models.Address) (*models.CheckResult, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &models.CheckResult{}, nil
	}}
	addrs := newMemoryAddresses(2)
	addrs.selection["s1"] = []int64{1, 2}
	addrs.selection["s2"] = []int64{2}
	e := newTestEngine(store, addrs, provider)
	s1, s2 := "s1", "s2"

	first, err := e.Start(context.Background(), StartInput{SelectionID: &s1})
	require.NoError(t, err)

	_, err = e.Start(context.Background(), StartInput{SelectionID: &s1})
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
	assert.Equal(t, 1, store.count())

	other, err := e.Start(context.Background(), StartInput{SelectionID: &s2})
	require.NoError(t, err)

	close(release)
	assert.Equal(t, types.JobStatusCompleted, waitFor(t, e, first.ID).Status)
	assert.Equal(t, types.JobStatusCompleted, waitFor(t, e, other.ID).Status)

	// a finished job no longer blocks the selection
	again, err := e.Start(context.Background(), StartInput{SelectionID: &s1})
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, waitFor(t, e, again.ID).Status)
}

func TestEngine_StartValidatesInput(t *testing.T) {
	e := newTestEngine(newMemoryStore(), newMemoryAddresses(1), &fakeProvider{name: "acme", check: byID})

	_, err := e.Start(context.Background(), StartInput{RecheckType: "sometimes"})
	assert.True(t, errors.IsUserError(err))

	_, err = e.Start(context.Background(), StartInput{Provider: "nobody"})
	assert.True(t, errors.IsUserError(err))
}

func TestEngine_CancelStopsRunner(t *testing.T) {
	store := newMemoryStore()
	started := make(chan struct{}, 64)
	provider := &fakeProvider{name: "acme", check: func(ctx context.Context, addr *models.Address) (*models.CheckResult, error) {
		started <- struct{}{}
		return &models.CheckResult{Serviceable: true}, nil
	}}
	e := newTestEngine(store, newMemoryAddresses(50), provider)
	e.cfg.Pacing = ratelimit.PacerConfig{Strategy: ratelimit.StrategyFixed, FixedDelay: 20 * time.Millisecond}

	job, err := e.Start(context.Background(), StartInput{})
	require.NoError(t, err)
	<-started

	cancelled, err := e.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCancelled, cancelled.Status)

	job = waitFor(t, e, job.ID)
	assert.Equal(t, types.JobStatusCancelled, job.Status)
	assert.Less(t, job.CurrentIndex, 50)
	assert.Equal(t, job.CurrentIndex, job.CheckedCount)

	_, err = e.Resume(context.Background(), job.ID)
	assert.True(t, errors.IsConflict(err))
	_, err = e.Pause(context.Background(), job.ID)
	assert.True(t, errors.IsConflict(err))
}

func TestEngine_CancelDuringPacingMakesNoFurtherCalls(t *testing.T) {
	store := newMemoryStore()
	started := make(chan struct{}, 8)
	provider := &fakeProvider{name: "acme", check: func(ctx context.Context, addr *models.Address) (*models.CheckResult, error) {
		started <- struct{}{}
		return &models.CheckResult{Serviceable: true}, nil
	}}
	e := newTestEngine(store, newMemoryAddresses(5), provider)
	e.cfg.Pacing = ratelimit.PacerConfig{Strategy: ratelimit.StrategyFixed, FixedDelay: 300 * time.Millisecond}

	job, err := e.Start(context.Background(), StartInput{})
	require.NoError(t, err)
	<-started

	// the runner is now committing the first check or waiting out the delay before the second
	_, err = e.Cancel(context.Background(), job.ID)
	require.NoError(t, err)

	job = waitFor(t, e, job.ID)
	assert.Equal(t, types.JobStatusCancelled, job.Status)
	assert.Equal(t, int32(1), provider.calls.Load())
	assert.LessOrEqual(t, job.CheckedCount, 1)
}

func TestEngine_RecheckFailedOnlyCallsFailedAddresses(t *testing.T) {
	store := newMemoryStore()
	first := &fakeProvider{name: "acme", check: func(ctx context.Context, addr *models.Address) (*models.CheckResult, error) {
		if addr.ID%2 == 0 {
			return nil, errors.NewProviderError("acme", stderrors.New("timeout"))
		}
		return &models.CheckResult{}, nil
	}}
	e := newTestEngine(store, newMemoryAddresses(6), first)

	job, err := e.Start(context.Background(), StartInput{})
	require.NoError(t, err)
	require.Equal(t, types.JobStatusCompleted, waitFor(t, e, job.ID).Status)

	first.check = byID
	first.calls.Store(0)

	recheck, err := e.Start(context.Background(), StartInput{RecheckType: types.RecheckFailed})
	require.NoError(t, err)
	recheck = waitFor(t, e, recheck.ID)

	assert.Equal(t, types.JobStatusCompleted, recheck.Status)
	assert.Equal(t, 6, recheck.CurrentIndex)
	assert.Equal(t, 3, recheck.CheckedCount)
	assert.Equal(t, int32(3), first.calls.Load())
	for _, c := range store.checksFor(recheck.ID) {
		assert.Zero(t, c.AddressID%2)
	}
}

func TestEngine_ResumeOrphans(t *testing.T) {
	store := newMemoryStore()
	provider := &fakeProvider{name: "acme", check: byID}
	e := newTestEngine(store, newMemoryAddresses(5), provider)

	// a job left running at index 2 by a previous process
	started := time.Now()
	require.NoError(t, store.Create(context.Background(), &models.BatchJob{
		ID: "orphan", Provider: "acme", Status: types.JobStatusRunning, RecheckType: types.RecheckAll,
		TotalAddresses: 5, CurrentIndex: 2, StartedAt: &started,
	}))

	n, err := e.ResumeOrphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job := waitFor(t, e, "orphan")
	assert.Equal(t, types.JobStatusCompleted, job.Status)
	assert.Equal(t, 3, job.CheckedCount)
	assert.Equal(t, int32(3), provider.calls.Load())

	n, err = e.ResumeOrphans(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEngine_ShutdownLeavesJobResumable(t *testing.T) {
	store := newMemoryStore()
	called := make(chan struct{}, 1)
	provider := &fakeProvider{name: "acme", check: func(ctx context.Context, addr *models.Address) (*models.CheckResult, error) {
		select {
		case called <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	e := newTestEngine(store, newMemoryAddresses(3), provider)

	job, err := e.Start(context.Background(), StartInput{})
	require.NoError(t, err)
	<-called

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))

	persisted, err := store.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusRunning, persisted.Status)
	assert.Equal(t, 0, persisted.CurrentIndex)
	assert.Empty(t, store.checksFor(job.ID))

	// a fresh engine picks it up
	provider.check = byID
	next := newTestEngine(store, newMemoryAddresses(3), provider)
	n, err := next.ResumeOrphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, types.JobStatusCompleted, waitFor(t, next, job.ID).Status)
}

// runWithPause runs a job over n addresses, pausing it while address pauseAt+1 is
// being checked, then resumes it to completion.
func runWithPause(t *testing.T, n, pauseAt int) (*models.BatchJob, []*models.ServiceabilityCheck, bool) {
	store := newMemoryStore()
	var e *Engine
	paused := false
	provider := &fakeProvider{name: "acme"}
	provider.check = func(ctx context.Context, addr *models.Address) (*models.CheckResult, error) {
		if !paused && addr.ID == int64(pauseAt+1) {
			paused = true
			jobs, _ := store.ListByStatus(ctx, types.JobStatusRunning)
			if len(jobs) == 1 {
				if _, err := e.Pause(ctx, jobs[0].ID); err != nil {
					return nil, err
				}
			}
		}
		return byID(ctx, addr)
	}
	e = newTestEngine(store, newMemoryAddresses(n), provider)

	job, err := e.Start(context.Background(), StartInput{})
	if err != nil {
		return nil, nil, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if e.Wait(ctx, job.ID) != nil {
		return nil, nil, false
	}

	mid, _ := store.GetByID(ctx, job.ID)
	if mid.Status != types.JobStatusPaused || mid.CurrentIndex != pauseAt {
		return nil, nil, false
	}

	if _, err := e.Resume(ctx, job.ID); err != nil {
		return nil, nil, false
	}
	if e.Wait(ctx, job.ID) != nil {
		return nil, nil, false
	}
	final, _ := store.GetByID(ctx, job.ID)
	return final, store.checksFor(job.ID), true
}

func TestEngine_PauseResumeMatchesUninterruptedRun(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	properties.Property("pause at any index then resume yields the uninterrupted outcome", prop.ForAll(
		func(n, pauseAt int) bool {
			pauseAt %= n

			baseStore := newMemoryStore()
			base := newTestEngine(baseStore, newMemoryAddresses(n), &fakeProvider{name: "acme", check: byID})
			ref, err := base.Start(context.Background(), StartInput{})
			if err != nil {
				return false
			}
			ref = waitFor(t, base, ref.ID)

			got, checks, ok := runWithPause(t, n, pauseAt)
			if !ok {
				return false
			}

			seen := make(map[int64]int)
			for _, c := range checks {
				seen[c.AddressID]++
			}
			for id := int64(1); id <= int64(n); id++ {
				if seen[id] != 1 {
					return false
				}
			}

			return got.Status == types.JobStatusCompleted &&
				got.CheckedCount == ref.CheckedCount &&
				got.ServiceableCount == ref.ServiceableCount &&
				got.PreorderCount == ref.PreorderCount &&
				got.NoServiceCount == ref.NoServiceCount &&
				got.CurrentIndex == ref.CurrentIndex
		},
		gen.IntRange(1, 12),
		gen.IntRange(0, 11),
	))

	properties.TestingRun(t)
}

func TestShouldCheck(t *testing.T) {
	none := types.StatusNone
	serviceable := types.StatusServiceable

	tests := []struct {
		name    string
		recheck types.RecheckType
		state   models.CheckState
		want    bool
	}{
		{"all never checked", types.RecheckAll, models.CheckState{}, true},
		{"unchecked never checked", types.RecheckUnchecked, models.CheckState{}, true},
		{"unchecked has check", types.RecheckUnchecked, models.CheckState{HasCheck: true, LastSuccess: &none}, false},
		{"failed latest error", types.RecheckFailed, models.CheckState{HasCheck: true, LastFailed: true}, true},
		{"failed latest ok", types.RecheckFailed, models.CheckState{HasCheck: true, LastSuccess: &none}, false},
		{"not serviceable none", types.RecheckNotServiceable, models.CheckState{HasCheck: true, LastSuccess: &none}, true},
		{"not serviceable serviceable", types.RecheckNotServiceable, models.CheckState{HasCheck: true, LastSuccess: &serviceable}, false},
		{"not serviceable only errors", types.RecheckNotServiceable, models.CheckState{HasCheck: true, LastFailed: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shouldCheck(tt.recheck, tt.state))
		})
	}
}

func TestSupervisor_SweepAndSchedule(t *testing.T) {
	store := newMemoryStore()
	provider := &fakeProvider{name: "acme", check: byID}
	e := newTestEngine(store, newMemoryAddresses(2), provider)

	require.NoError(t, store.Create(context.Background(), &models.BatchJob{
		ID: "pending", Provider: "acme", Status: types.JobStatusPending, RecheckType: types.RecheckAll,
	}))

	s := NewSupervisor(e, "")
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Equal(t, types.JobStatusCompleted, waitFor(t, e, "pending").Status)

	bad := NewSupervisor(e, "not a schedule")
	assert.Error(t, bad.Start(context.Background()))
}
