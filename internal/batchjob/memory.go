package batchjob

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roomledger/roomledger/internal/period"
)

// MemoryStore keeps jobs in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]Job
	// SaveErr, when set, fails every Save.
	SaveErr error
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: map[uuid.UUID]Job{}}
}

func (m *MemoryStore) Insert(_ context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job.Metadata = job.Metadata.Clone()
	m.jobs[job.ID] = job
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	job.Metadata = job.Metadata.Clone()
	return job, nil
}

func (m *MemoryStore) Save(_ context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	if _, ok := m.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	job.Metadata = job.Metadata.Clone()
	m.jobs[job.ID] = job
	return nil
}

func (m *MemoryStore) FindActive(_ context.Context, jobType JobType, periodType period.Type, periodKey string) ([]Job, error) {
	return m.collect(func(j Job) bool {
		return j.Status.Active() && (jobType == "" || j.Type == jobType) &&
			j.PeriodType == periodType && j.PeriodKey == periodKey
	}, false), nil
}

func (m *MemoryStore) List(_ context.Context, filter Filter) ([]Job, error) {
	filter = filter.normalised()
	jobs := m.collect(func(j Job) bool {
		if filter.Type != "" && j.Type != filter.Type {
			return false
		}
		if filter.PeriodType != "" && j.PeriodType != filter.PeriodType {
			return false
		}
		if filter.PeriodKey != "" && j.PeriodKey != filter.PeriodKey {
			return false
		}
		if filter.OwnerID != nil && (j.TargetOwnerID == nil || *j.TargetOwnerID != *filter.OwnerID) {
			return false
		}
		return filter.Status == "" || j.Status == filter.Status
	}, !filter.OldestFirst)
	if filter.Offset >= len(jobs) {
		return nil, nil
	}
	jobs = jobs[filter.Offset:]
	if len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

func (m *MemoryStore) FindStaleInProgress(_ context.Context, updatedBefore time.Time) ([]Job, error) {
	return m.collect(func(j Job) bool {
		return j.Status == StatusInProgress && j.UpdatedAt.Before(updatedBefore)
	}, false), nil
}

func (m *MemoryStore) collect(match func(Job) bool, newestFirst bool) []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Job
	for _, j := range m.jobs {
		if match(j) {
			j.Metadata = j.Metadata.Clone()
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID.String() < out[b].ID.String()
		}
		if newestFirst {
			return out[a].CreatedAt.After(out[b].CreatedAt)
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out
}
