package job

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/serviceability-scanner/internal/adapter"
	"github.com/serviceability-scanner/internal/models"
	"github.com/serviceability-scanner/internal/ratelimit"
	"github.com/serviceability-scanner/internal/storage"
	"github.com/serviceability-scanner/internal/types"
)

// memoryStore mirrors the guarded updates of storage.BatchJobRepository
type memoryStore struct {
	mu     sync.Mutex
	jobs   map[string]*models.BatchJob
	order  []string
	checks []*models.ServiceabilityCheck
}

func newMemoryStore() *memoryStore {
	return &memoryStore{jobs: make(map[string]*models.BatchJob)}
}

func clone(j *models.BatchJob) *models.BatchJob {
	c := *j
	return &c
}

func (m *memoryStore) activeFor(key string, except string) *models.BatchJob {
	for _, id := range m.order {
		j := m.jobs[id]
		if id != except && j.SelectionKey() == key && j.Status.IsActive() {
			return j
		}
	}
	return nil
}

func (m *memoryStore) Create(ctx context.Context, job *models.BatchJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeFor(job.SelectionKey(), "") != nil {
		return storage.ErrActiveJobExists
	}
	m.jobs[job.ID] = clone(job)
	m.order = append(m.order, job.ID)
	return nil
}

func (m *memoryStore) GetByID(ctx context.Context, id string) (*models.BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(j), nil
}

func (m *memoryStore) FindActive(ctx context.Context, selectionID *string) (*models.BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j := m.activeFor(selectionKey(selectionID), ""); j != nil {
		return clone(j), nil
	}
	return nil, storage.ErrNotFound
}

func (m *memoryStore) List(ctx context.Context, selectionID *string) ([]*models.BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.BatchJob
	for i := len(m.order) - 1; i >= 0; i-- {
		j := m.jobs[m.order[i]]
		if selectionID == nil || j.SelectionKey() == *selectionID {
			out = append(out, clone(j))
		}
	}
	return out, nil
}

func (m *memoryStore) ListByStatus(ctx context.Context, statuses ...types.JobStatus) ([]*models.BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.BatchJob
	for _, id := range m.order {
		j := m.jobs[id]
		for _, s := range statuses {
			if j.Status == s {
				out = append(out, clone(j))
				break
			}
		}
	}
	return out, nil
}

func (m *memoryStore) Transition(ctx context.Context, id string, from []types.JobStatus, to types.JobStatus) (*models.BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	allowed := false
	for _, s := range from {
		allowed = allowed || j.Status == s
	}
	if !allowed {
		return nil, storage.ErrJobStateChanged
	}
	if to.IsActive() && m.activeFor(j.SelectionKey(), id) != nil {
		return nil, storage.ErrActiveJobExists
	}
	j.Status = to
	if to.IsTerminal() {
		now := time.Now()
		j.CompletedAt = &now
	}
	return clone(j), nil
}

func (m *memoryStore) BeginRun(ctx context.Context, id string, total int) (*models.BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if !j.Status.IsActive() {
		return nil, storage.ErrJobStateChanged
	}
	j.Status = types.JobStatusRunning
	if j.StartedAt == nil {
		now := time.Now()
		j.StartedAt = &now
		j.TotalAddresses = total
	}
	return clone(j), nil
}

func (m *memoryStore) guard(id string, index int) (*models.BatchJob, error) {
	j, ok := m.jobs[id]
	if !ok || j.Status != types.JobStatusRunning || j.CurrentIndex != index {
		return nil, storage.ErrJobStateChanged
	}
	return j, nil
}

func (m *memoryStore) CommitCheck(ctx context.Context, id string, index int, check *models.ServiceabilityCheck, bucket types.EffectiveStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.guard(id, index)
	if err != nil {
		return err
	}
	m.checks = append(m.checks, check)
	j.CheckedCount++
	switch bucket {
	case types.StatusServiceable:
		j.ServiceableCount++
	case types.StatusPreorder:
		j.PreorderCount++
	case types.StatusNone:
		j.NoServiceCount++
	}
	j.CurrentIndex = index + 1
	at := check.CheckedAt
	j.LastCheckAt = &at
	return nil
}

func (m *memoryStore) Advance(ctx context.Context, id string, index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.guard(id, index)
	if err != nil {
		return err
	}
	j.CurrentIndex = index + 1
	return nil
}

func (m *memoryStore) Complete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != types.JobStatusRunning || j.CurrentIndex < j.TotalAddresses {
		return storage.ErrJobStateChanged
	}
	j.Status = types.JobStatusCompleted
	now := time.Now()
	j.CompletedAt = &now
	return nil
}

func (m *memoryStore) Fail(ctx context.Context, id string, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != types.JobStatusRunning {
		return storage.ErrJobStateChanged
	}
	j.Status = types.JobStatusFailed
	j.Error = &message
	return nil
}

// States derives check states from committed checks, like CheckRepository.States
func (m *memoryStore) States(ctx context.Context, provider string, addressIDs []int64) (map[int64]models.CheckState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]models.CheckState, len(addressIDs))
	for _, id := range addressIDs {
		var st models.CheckState
		for _, c := range m.checks {
			if c.AddressID != id || c.Provider != provider {
				continue
			}
			st.HasCheck = true
			st.LastFailed = c.Failed()
			if !c.Failed() {
				bucket := c.Classify()
				st.LastSuccess = &bucket
			}
		}
		out[id] = st
	}
	return out, nil
}

func (m *memoryStore) checksFor(jobID string) []*models.ServiceabilityCheck {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ServiceabilityCheck
	for _, c := range m.checks {
		if c.BatchJobID != nil && *c.BatchJobID == jobID {
			out = append(out, c)
		}
	}
	return out
}

func (m *memoryStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

type memoryAddresses struct {
	addresses map[int64]*models.Address
	selection map[string][]int64
}

func newMemoryAddresses(n int) *memoryAddresses {
	m := &memoryAddresses{addresses: make(map[int64]*models.Address), selection: make(map[string][]int64)}
	for i := 1; i <= n; i++ {
		m.addresses[int64(i)] = &models.Address{ID: int64(i), Longitude: float64(i), Latitude: float64(i)}
	}
	return m
}

func (m *memoryAddresses) ListIDs(ctx context.Context, selectionID *string) ([]int64, error) {
	if selectionID != nil {
		return append([]int64(nil), m.selection[*selectionID]...), nil
	}
	ids := make([]int64, 0, len(m.addresses))
	for id := range m.addresses {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *memoryAddresses) GetByID(ctx context.Context, id int64) (*models.Address, error) {
	a, ok := m.addresses[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return a, nil
}

type fakeProvider struct {
	name  string
	calls atomic.Int32
	check func(ctx context.Context, addr *models.Address) (*models.CheckResult, error)
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Check(ctx context.Context, addr *models.Address) (*models.CheckResult, error) {
	p.calls.Add(1)
	return p.check(ctx, addr)
}

// byID answers deterministically from the address id
func byID(ctx context.Context, addr *models.Address) (*models.CheckResult, error) {
	switch addr.ID % 3 {
	case 0:
		return &models.CheckResult{Serviceable: true}, nil
	case 1:
		return &models.CheckResult{IsPreSale: true}, nil
	default:
		return &models.CheckResult{}, nil
	}
}

func newTestEngine(store *memoryStore, addrs *memoryAddresses, providers ...adapter.ServiceabilityProvider) *Engine {
	reg := adapter.NewRegistry()
	for _, p := range providers {
		reg.Register(p)
	}
	return NewEngine(store, addrs, store, reg, Config{
		DefaultProvider: "acme",
		Pacing:          ratelimit.PacerConfig{Strategy: ratelimit.StrategyFixed},
		ProviderTimeout: time.Second,
	})
}
