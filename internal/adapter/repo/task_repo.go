package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"genpipeline/internal/domain"
	"genpipeline/internal/infra"
	"genpipeline/internal/sqlinline"
)

// TaskRepositoryPG implements domain.TaskStore on PostgreSQL.
type TaskRepositoryPG struct {
	sql infra.SQLExecutor
}

// NewTaskRepository creates a task repository backed by the given executor.
func NewTaskRepository(sql infra.SQLExecutor) *TaskRepositoryPG {
	return &TaskRepositoryPG{sql: sql}
}

// Create inserts a queued task.
func (r *TaskRepositoryPG) Create(ctx context.Context, task *domain.Task) error {
	var parent string
	if task.ParentTaskID != nil {
		parent = *task.ParentTaskID
	}
	row := r.sql.QueryRow(ctx, sqlinline.QInsertTask,
		task.ID,
		task.WorkspaceID,
		string(task.Kind),
		nullableJSON(task.Params),
		task.Cost,
		nullableString(task.ReservationID),
		parent,
	)
	var createdAt time.Time
	if err := row.Scan(&createdAt); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	task.Status = domain.TaskStatusQueued
	task.CreatedAt = createdAt
	task.UpdatedAt = createdAt
	return nil
}

// Get fetches a task by id.
func (r *TaskRepositoryPG) Get(ctx context.Context, taskID string) (*domain.Task, error) {
	t, err := scanTask(r.sql.QueryRow(ctx, sqlinline.QSelectTaskByID, taskID))
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

// Transition applies patch and moves the task from -> to when the stored
// status still equals from.
func (r *TaskRepositoryPG) Transition(ctx context.Context, taskID string, from, to domain.TaskStatus, patch domain.TaskPatch) (*domain.Task, error) {
	if !domain.CanTransition(from, to) {
		return nil, domain.ErrInvalidTransition
	}
	var refs []byte
	if patch.ResultRefs != nil {
		raw, err := json.Marshal(patch.ResultRefs)
		if err != nil {
			return nil, err
		}
		refs = raw
	}
	row := r.sql.QueryRow(ctx, sqlinline.QTransitionTask,
		taskID,
		string(from),
		string(to),
		patch.Progress,
		patch.RetryCount,
		patch.ErrorMessage,
		refs,
		patch.StartedAt,
		patch.CompletedAt,
	)
	t, err := scanTask(row)
	if err == nil {
		return t, nil
	}
	if !infra.IsNoRows(err) {
		return nil, err
	}
	// No row matched: either the task is gone or someone else moved it.
	if _, getErr := r.Get(ctx, taskID); getErr != nil {
		return nil, getErr
	}
	return nil, domain.ErrConflict
}

// RequestCancel flags a non-terminal task for cooperative cancellation.
func (r *TaskRepositoryPG) RequestCancel(ctx context.Context, taskID string) (*domain.Task, error) {
	t, err := scanTask(r.sql.QueryRow(ctx, sqlinline.QRequestTaskCancel, taskID))
	if err == nil {
		return t, nil
	}
	if !infra.IsNoRows(err) {
		return nil, err
	}
	if _, getErr := r.Get(ctx, taskID); getErr != nil {
		return nil, getErr
	}
	return nil, domain.ErrConflict
}

// ListQueued returns the oldest queued task ids.
func (r *TaskRepositoryPG) ListQueued(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QListQueuedTasks, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		t             domain.Task
		kind, status  string
		refs, params  []byte
		reservationID *string
	)
	if err := row.Scan(
		&t.ID,
		&t.WorkspaceID,
		&kind,
		&status,
		&t.Progress,
		&t.RetryCount,
		&t.ErrorMessage,
		&refs,
		&params,
		&t.Cost,
		&reservationID,
		&t.ParentTaskID,
		&t.CancelRequested,
		&t.CreatedAt,
		&t.StartedAt,
		&t.CompletedAt,
		&t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.Kind = domain.TaskKind(kind)
	t.Status = domain.TaskStatus(status)
	if reservationID != nil {
		t.ReservationID = *reservationID
	}
	if len(refs) > 0 {
		if err := json.Unmarshal(refs, &t.ResultRefs); err != nil {
			return nil, fmt.Errorf("decode result_refs: %w", err)
		}
	}
	if len(params) > 0 {
		t.Params = json.RawMessage(params)
	}
	return &t, nil
}

func nullableJSON(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var _ domain.TaskStore = (*TaskRepositoryPG)(nil)
