// Package memstore provides process-local implementations of the domain
// stores. Each store guards its maps with a single mutex that stands in for
// the row-level locking of the Postgres implementation.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"genpipeline/internal/domain"
)

// TaskStore implements domain.TaskStore in memory.
type TaskStore struct {
	mu    sync.Mutex
	tasks map[string]*domain.Task
	now   func() time.Time
}

// NewTaskStore creates an empty TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[string]*domain.Task), now: time.Now}
}

func (s *TaskStore) Create(ctx context.Context, task *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return domain.ErrConflict
	}
	cp := cloneTask(task)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	cp.UpdatedAt = cp.CreatedAt
	s.tasks[task.ID] = cp
	return nil
}

func (s *TaskStore) Get(ctx context.Context, taskID string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneTask(t), nil
}

func (s *TaskStore) Transition(ctx context.Context, taskID string, from, to domain.TaskStatus, patch domain.TaskPatch) (*domain.Task, error) {
	if !domain.CanTransition(from, to) {
		return nil, domain.ErrInvalidTransition
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if t.Status != from {
		return nil, domain.ErrConflict
	}
	t.Status = to
	patch.Apply(t)
	t.UpdatedAt = s.now()
	return cloneTask(t), nil
}

func (s *TaskStore) RequestCancel(ctx context.Context, taskID string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if t.Status.Terminal() {
		return nil, domain.ErrConflict
	}
	t.CancelRequested = true
	t.UpdatedAt = s.now()
	return cloneTask(t), nil
}

func (s *TaskStore) ListQueued(ctx context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queued := make([]*domain.Task, 0)
	for _, t := range s.tasks {
		if t.Status == domain.TaskStatusQueued {
			queued = append(queued, t)
		}
	}
	sort.Slice(queued, func(i, j int) bool { return queued[i].CreatedAt.Before(queued[j].CreatedAt) })
	if limit > 0 && len(queued) > limit {
		queued = queued[:limit]
	}
	ids := make([]string, 0, len(queued))
	for _, t := range queued {
		ids = append(ids, t.ID)
	}
	return ids, nil
}

func cloneTask(t *domain.Task) *domain.Task {
	cp := *t
	cp.ResultRefs = append([]string(nil), t.ResultRefs...)
	cp.Params = append([]byte(nil), t.Params...)
	if t.ErrorMessage != nil {
		msg := *t.ErrorMessage
		cp.ErrorMessage = &msg
	}
	if t.ParentTaskID != nil {
		p := *t.ParentTaskID
		cp.ParentTaskID = &p
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		cp.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		cp.CompletedAt = &ts
	}
	return &cp
}

var _ domain.TaskStore = (*TaskStore)(nil)
