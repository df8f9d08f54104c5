package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"floodtwin/internal/model"
)

// MemoryStore is a mutex-guarded Store used by tests and by
// single-process deployments that run without Postgres. Snapshots are
// cloned on every boundary so callers never alias internal state.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*model.Job
}

func NewMemory() *MemoryStore {
	return &MemoryStore{jobs: make(map[uuid.UUID]*model.Job)}
}

func (s *MemoryStore) Create(_ context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) Put(_ context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; !ok {
		return model.ErrNotFound
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, id uuid.UUID, expected model.State, mutate Mutator) (*model.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, false, model.ErrNotFound
	}
	if job.State != expected {
		return job.Clone(), false, nil
	}

	next := job.Clone()
	if err := mutate(next); err != nil {
		return job.Clone(), false, err
	}
	s.jobs[id] = next
	return next.Clone(), true, nil
}

func (s *MemoryStore) RequestCancel(_ context.Context, id uuid.UUID) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	if job.State.Terminal() {
		return job.Clone(), model.ErrAlreadyTerminal
	}
	job.CancelRequested = true
	job.UpdatedAt = time.Now().UTC()
	return job.Clone(), nil
}

func (s *MemoryStore) DeleteTerminalBefore(_ context.Context, state model.State, cutoff time.Time) (int64, error) {
	if !state.Terminal() {
		return 0, fmt.Errorf("retention cleanup requires a terminal state, got %q", state)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, job := range s.jobs {
		if job.State == state && job.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return model.ErrNotFound
	}
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) StaleInState(_ context.Context, state model.State, cutoff time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []uuid.UUID
	for id, job := range s.jobs {
		if job.State == state && job.UpdatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
