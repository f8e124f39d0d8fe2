package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serviceability-scanner/internal/models"
	"github.com/serviceability-scanner/internal/types"
)

func strPtr(s string) *string { return &s }

type seeded struct {
	sourceID    string
	selectionID string
	ids         []int64
}

func seedSource(t *testing.T, db *PostgresDB, n int) seeded {
	t.Helper()
	ctx := testContext(t)

	source := &models.Source{ID: uuid.NewString(), Name: "test", FileName: "test.geojson", UploadedAt: time.Now().UTC()}
	require.NoError(t, NewSourceRepository(db).Create(ctx, source))

	addrs := make([]*models.Address, n)
	for i := range addrs {
		addrs[i] = &models.Address{SourceID: source.ID, Longitude: -75 + float64(i)*0.001, Latitude: 40, RawAddress: "x"}
	}
	addrs[0].City = strPtr("Springfield")
	addrs[0].Postcode = strPtr("11111")

	inserted, err := NewAddressRepository(db).InsertBatch(ctx, addrs)
	require.NoError(t, err)
	require.EqualValues(t, n, inserted)

	sel := &models.Selection{ID: uuid.NewString(), Name: "all", SourceID: &source.ID, CreatedAt: time.Now().UTC()}
	attached, err := NewSelectionRepository(db).CreateFromSource(ctx, sel)
	require.NoError(t, err)
	require.Equal(t, n, attached)

	ids, err := NewAddressRepository(db).ListIDs(ctx, &sel.ID)
	require.NoError(t, err)
	return seeded{sourceID: source.ID, selectionID: sel.ID, ids: ids}
}

func TestAddressRepository_Integration(t *testing.T) {
	db := setupTestDB(t)
	ctx := testContext(t)
	repo := NewAddressRepository(db)

	seed := seedSource(t, db, 3)
	sourceID, ids := seed.sourceID, seed.ids
	require.Len(t, ids, 3)
	assert.True(t, ids[0] < ids[1] && ids[1] < ids[2])

	missing, err := repo.CountMissingLocality(ctx, sourceID)
	require.NoError(t, err)
	assert.Equal(t, 2, missing)

	page, err := repo.ListMissingLocality(ctx, sourceID, 0, 10)
	require.NoError(t, err)
	require.Len(t, page, 2)

	require.NoError(t, repo.UpdateLocality(ctx, []models.LocalityUpdate{
		{AddressID: page[0].ID, City: strPtr("Shelbyville"), Postcode: strPtr("22222")},
		{AddressID: ids[0], City: strPtr("Overwritten"), Postcode: strPtr("99999")},
	}))

	first, err := repo.GetByID(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "Springfield", *first.City)

	missing, err = repo.CountMissingLocality(ctx, sourceID)
	require.NoError(t, err)
	assert.Equal(t, 1, missing)
}

func TestBatchJobRepository_Integration(t *testing.T) {
	db := setupTestDB(t)
	ctx := testContext(t)
	jobs := NewBatchJobRepository(db)

	seed := seedSource(t, db, 2)
	selectionID, ids := seed.selectionID, seed.ids
	now := time.Now().UTC()
	job := &models.BatchJob{
		ID: uuid.NewString(), SelectionID: &selectionID, Provider: "acme",
		Status: types.JobStatusPending, RecheckType: types.RecheckAll, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, jobs.Create(ctx, job))

	dup := *job
	dup.ID = uuid.NewString()
	assert.ErrorIs(t, jobs.Create(ctx, &dup), ErrActiveJobExists)

	running, err := jobs.BeginRun(ctx, job.ID, len(ids))
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusRunning, running.Status)
	assert.Equal(t, 2, running.TotalAddresses)

	check := &models.ServiceabilityCheck{
		ID: uuid.NewString(), AddressID: ids[0], SelectionID: &selectionID, BatchJobID: &job.ID,
		Provider: "acme", CheckedAt: now, CheckResult: models.CheckResult{Serviceable: true},
	}
	require.NoError(t, jobs.CommitCheck(ctx, job.ID, 0, check, types.StatusServiceable))

	// stale cursor is rejected and nothing is written
	stale := *check
	stale.ID = uuid.NewString()
	assert.ErrorIs(t, jobs.CommitCheck(ctx, job.ID, 0, &stale, types.StatusServiceable), ErrJobStateChanged)

	require.NoError(t, jobs.Advance(ctx, job.ID, 1))
	require.NoError(t, jobs.Complete(ctx, job.ID))

	done, err := jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, done.Status)
	assert.Equal(t, 1, done.CheckedCount)
	assert.Equal(t, 1, done.ServiceableCount)
	assert.Equal(t, 2, done.CurrentIndex)

	history, err := NewCheckRepository(db).History(ctx, ids, now)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	states, err := NewCheckRepository(db).States(ctx, "acme", ids)
	require.NoError(t, err)
	require.Contains(t, states, ids[0])
	assert.Equal(t, types.StatusServiceable, *states[ids[0]].LastSuccess)
	assert.NotContains(t, states, ids[1])

	_, err = jobs.Transition(ctx, job.ID, []types.JobStatus{types.JobStatusRunning}, types.JobStatusPaused)
	assert.ErrorIs(t, err, ErrJobStateChanged)

	_, err = jobs.GetByID(ctx, uuid.NewString())
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestGeocodeCacheRepository_Integration(t *testing.T) {
	db := setupTestDB(t)
	ctx := testContext(t)
	repo := NewGeocodeCacheRepository(db)

	key := "test:" + uuid.NewString()
	_, err := repo.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.Put(ctx, &models.GeocodeCacheEntry{CellKey: key, City: strPtr("A"), ResolvedAt: time.Now()}))
	require.NoError(t, repo.Put(ctx, &models.GeocodeCacheEntry{CellKey: key, City: strPtr("B"), ResolvedAt: time.Now()}))

	got, err := repo.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "A", *got.City)
	assert.Nil(t, got.Postcode)
}
