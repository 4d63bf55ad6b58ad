// Package gateway is the request-facing side of the pipeline: it admits
// tasks against the credit ledger, reports their status and streams their
// progress.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"genpipeline/internal/broker"
	"genpipeline/internal/domain"
	"genpipeline/internal/infra"
	"genpipeline/internal/metrics"
	"genpipeline/internal/queue"
)

// Credits is the part of the ledger the gateway needs.
type Credits interface {
	Reserve(ctx context.Context, workspaceID string, amount int64) (string, error)
	Release(ctx context.Context, reservationID string) error
	Reservation(ctx context.Context, reservationID string) (*domain.Reservation, error)
}

// SourceChecker resolves source asset references. *uploads.Protocol
// implements it.
type SourceChecker interface {
	RequireUploaded(ctx context.Context, workspaceID, assetID string) (*domain.Asset, error)
}

type SubmitResult struct {
	TaskID string            `json:"taskId"`
	Status domain.TaskStatus `json:"status"`
	Cost   int64             `json:"cost"`
}

// TaskSnapshot is the end-user view of a task. Failure detail is reduced
// to a message code.
type TaskSnapshot struct {
	TaskID       string            `json:"taskId"`
	Kind         domain.TaskKind   `json:"kind"`
	Status       domain.TaskStatus `json:"status"`
	Progress     int               `json:"progress"`
	RetryCount   int               `json:"retryCount"`
	ResultRefs   []string          `json:"resultRefs,omitempty"`
	ErrorCode    string            `json:"errorCode,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	CompletedAt  *time.Time        `json:"completedAt,omitempty"`
	ParentTaskID *string           `json:"parentTaskId,omitempty"`
}

// TaskDetail is the operator view of a task.
type TaskDetail struct {
	Task        *domain.Task
	Reservation *domain.Reservation
}

// Options tune a Gateway.
type Options struct {
	StreamRecheck time.Duration
	StreamBuffer  int
}

// Gateway is the TaskGateway.
type Gateway struct {
	tasks    domain.TaskStore
	credits  Credits
	queue    queue.Queue
	events   broker.PubSub
	sources  SourceChecker
	validate *validator.Validate
	logger   infra.Logger
	opts     Options
	now      func() time.Time
	newID    func() string
}

func New(tasks domain.TaskStore, credits Credits, q queue.Queue, events broker.PubSub, sources SourceChecker, logger infra.Logger, opts Options) *Gateway {
	if opts.StreamRecheck <= 0 {
		opts.StreamRecheck = 5 * time.Second
	}
	if opts.StreamBuffer <= 0 {
		opts.StreamBuffer = broker.DefaultBuffer
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Gateway{
		tasks:    tasks,
		credits:  credits,
		queue:    q,
		events:   events,
		sources:  sources,
		validate: v,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Cost returns the credit price of a task. params must already be valid.
func Cost(kind domain.TaskKind, params any) int64 {
	switch kind {
	case domain.TaskKindCopy:
		return domain.CopyCost
	case domain.TaskKindImage:
		if p, ok := params.(*domain.ImageParams); ok && p.Quantity > 0 {
			return domain.ImageUnitCost * int64(p.Quantity)
		}
		return domain.ImageUnitCost
	case domain.TaskKindVideo:
		return domain.VideoCost
	}
	return 0
}

// Submit validates the request, reserves its cost and queues a task. It
// returns a *domain.ValidationError for bad input and
// domain.ErrQuotaExceeded when the workspace cannot afford the task; in
// both cases nothing is created.
func (g *Gateway) Submit(ctx context.Context, workspaceID string, kind domain.TaskKind, params json.RawMessage) (*SubmitResult, error) {
	return g.submit(ctx, workspaceID, kind, params, nil)
}

func (g *Gateway) submit(ctx context.Context, workspaceID string, kind domain.TaskKind, raw json.RawMessage, parentID *string) (*SubmitResult, error) {
	if strings.TrimSpace(workspaceID) == "" {
		return nil, domain.ErrUnauthorized
	}
	params, canonical, err := g.parseParams(ctx, workspaceID, kind, raw)
	if err != nil {
		metrics.TasksRejected.WithLabelValues("validation").Inc()
		return nil, err
	}
	cost := Cost(kind, params)

	reservationID, err := g.credits.Reserve(ctx, workspaceID, cost)
	if err != nil {
		if errors.Is(err, domain.ErrQuotaExceeded) {
			metrics.TasksRejected.WithLabelValues("quota").Inc()
			return nil, err
		}
		metrics.TasksRejected.WithLabelValues("internal").Inc()
		return nil, err
	}

	task := &domain.Task{
		ID:            g.newID(),
		WorkspaceID:   workspaceID,
		Kind:          kind,
		Status:        domain.TaskStatusQueued,
		Params:        canonical,
		Cost:          cost,
		ReservationID: reservationID,
		ParentTaskID:  parentID,
		CreatedAt:     g.now().UTC(),
	}
	if err := g.tasks.Create(ctx, task); err != nil {
		if rerr := g.credits.Release(ctx, reservationID); rerr != nil {
			g.logger.Error().Err(rerr).Str("reservation_id", reservationID).Msg("gateway: release after failed create")
		}
		metrics.TasksRejected.WithLabelValues("internal").Inc()
		return nil, fmt.Errorf("create task: %w", err)
	}

	if err := g.queue.Enqueue(ctx, task.ID); err != nil {
		// the task stays queued in the store; queue recovery picks it up
		g.logger.Warn().Err(err).Str("task_id", task.ID).Msg("gateway: enqueue failed")
	}

	metrics.TasksSubmitted.WithLabelValues(string(kind)).Inc()
	g.logger.Info().
		Str("task_id", task.ID).
		Str("workspace_id", workspaceID).
		Str("kind", string(kind)).
		Int64("cost", cost).
		Msg("gateway: task submitted")

	return &SubmitResult{TaskID: task.ID, Status: task.Status, Cost: cost}, nil
}

func (g *Gateway) parseParams(ctx context.Context, workspaceID string, kind domain.TaskKind, raw json.RawMessage) (any, json.RawMessage, error) {
	var (
		params any
		source *string
	)
	switch kind {
	case domain.TaskKindCopy:
		p := &domain.CopyParams{}
		params, source = p, &p.SourceAssetID
	case domain.TaskKindImage:
		p := &domain.ImageParams{}
		params, source = p, &p.SourceAssetID
	case domain.TaskKindVideo:
		p := &domain.VideoParams{}
		params, source = p, &p.SourceAssetID
	default:
		return nil, nil, domain.NewValidationError("kind", "must be one of copy, image, video")
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil, domain.NewValidationError("params", "is required")
	}
	if err := json.Unmarshal(raw, params); err != nil {
		return nil, nil, domain.NewValidationError("params", "must be a JSON object matching the task kind")
	}
	if err := g.validate.Struct(params); err != nil {
		return nil, nil, validationError(err)
	}
	applyDefaults(params)

	if *source != "" && g.sources != nil {
		if _, err := g.sources.RequireUploaded(ctx, workspaceID, *source); err != nil {
			if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrUploadFailed) || errors.Is(err, domain.ErrUploadExpired) {
				return nil, nil, domain.NewValidationError("source_asset_id", "must reference an uploaded asset")
			}
			return nil, nil, fmt.Errorf("check source asset: %w", err)
		}
	}

	canonical, err := json.Marshal(params)
	if err != nil {
		return nil, nil, fmt.Errorf("encode params: %w", err)
	}
	return params, canonical, nil
}

func applyDefaults(params any) {
	switch p := params.(type) {
	case *domain.CopyParams:
		if p.Locale == "" {
			p.Locale = "id"
		}
	case *domain.ImageParams:
		if p.AspectRatio == "" {
			p.AspectRatio = domain.DefaultAspect
		}
	case *domain.VideoParams:
		if p.AspectRatio == "" {
			p.AspectRatio = domain.DefaultVideoAR
		}
		if p.DurationSeconds == 0 {
			p.DurationSeconds = 8
		}
	}
}

// GetStatus returns the snapshot of a task owned by workspaceID. Tasks of
// other workspaces are reported as not found.
func (g *Gateway) GetStatus(ctx context.Context, workspaceID, taskID string) (*TaskSnapshot, error) {
	task, err := g.owned(ctx, workspaceID, taskID)
	if err != nil {
		return nil, err
	}
	return snapshot(task), nil
}

func (g *Gateway) owned(ctx context.Context, workspaceID, taskID string) (*domain.Task, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, domain.ErrNotFound
	}
	task, err := g.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.WorkspaceID != workspaceID {
		return nil, domain.ErrNotFound
	}
	return task, nil
}

func snapshot(t *domain.Task) *TaskSnapshot {
	s := &TaskSnapshot{
		TaskID:       t.ID,
		Kind:         t.Kind,
		Status:       t.Status,
		Progress:     t.Progress,
		RetryCount:   t.RetryCount,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
		CompletedAt:  t.CompletedAt,
		ParentTaskID: t.ParentTaskID,
	}
	if t.Status == domain.TaskStatusCompleted {
		s.ResultRefs = append([]string(nil), t.ResultRefs...)
	}
	if t.Status == domain.TaskStatusFailed {
		s.ErrorCode = FailureCode(t.ErrorMessage)
	}
	return s
}

// FailureCode reduces a stored error message to the event code shown to end
// users.
func FailureCode(msg *string) string {
	if msg == nil {
		return domain.EventFailed
	}
	switch {
	case strings.Contains(*msg, domain.ErrCancelled.Error()):
		return domain.EventCancelled
	case strings.Contains(*msg, domain.ErrHardDeadline.Error()),
		strings.Contains(*msg, context.DeadlineExceeded.Error()):
		return domain.EventTimeout
	default:
		return domain.EventFailed
	}
}

// Cancel stops a task. A queued task fails at once and its credits are
// released; a processing task is flagged and the worker stops before its
// next attempt. Finished tasks return domain.ErrConflict.
func (g *Gateway) Cancel(ctx context.Context, workspaceID, taskID string) (*TaskSnapshot, error) {
	task, err := g.owned(ctx, workspaceID, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return nil, domain.ErrConflict
	}

	if task.Status == domain.TaskStatusQueued {
		now := g.now().UTC()
		msg := domain.ErrCancelled.Error()
		failed, err := g.tasks.Transition(ctx, taskID, domain.TaskStatusQueued, domain.TaskStatusFailed, domain.TaskPatch{
			ErrorMessage: &msg,
			CompletedAt:  &now,
		})
		switch {
		case err == nil:
			if rerr := g.credits.Release(ctx, failed.ReservationID); rerr != nil {
				g.logger.Error().Err(rerr).Str("task_id", taskID).Msg("gateway: release on cancel failed")
			}
			metrics.TasksFinished.WithLabelValues(string(failed.Kind), string(failed.Status)).Inc()
			ev := domain.SnapshotEvent(failed, now)
			ev.Message = domain.EventCancelled
			g.events.Publish(ctx, ev)
			g.logger.Info().Str("task_id", taskID).Msg("gateway: queued task cancelled")
			return snapshot(failed), nil
		case errors.Is(err, domain.ErrConflict):
			// claimed by a worker in the meantime
		default:
			return nil, fmt.Errorf("cancel task: %w", err)
		}
	}

	flagged, err := g.tasks.RequestCancel(ctx, taskID)
	if err != nil {
		return nil, err
	}
	g.logger.Info().Str("task_id", taskID).Msg("gateway: cancel requested")
	return snapshot(flagged), nil
}

// Resubmit is the operator retry of a failed task. The original task is left
// untouched; a new task with a fresh reservation points back to it.
func (g *Gateway) Resubmit(ctx context.Context, taskID string) (*SubmitResult, error) {
	original, err := g.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if original.Status != domain.TaskStatusFailed {
		return nil, domain.ErrConflict
	}
	parent := original.ID
	res, err := g.submit(ctx, original.WorkspaceID, original.Kind, original.Params, &parent)
	if err != nil {
		return nil, err
	}
	g.logger.Info().Str("task_id", res.TaskID).Str("parent_task_id", parent).Msg("gateway: task resubmitted")
	return res, nil
}

// Inspect returns the operator view of a task with its reservation.
func (g *Gateway) Inspect(ctx context.Context, taskID string) (*TaskDetail, error) {
	task, err := g.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	detail := &TaskDetail{Task: task}
	if task.ReservationID != "" {
		res, err := g.credits.Reservation(ctx, task.ReservationID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("load reservation: %w", err)
		}
		detail.Reservation = res
	}
	return detail, nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return domain.NewValidationError("params", err.Error())
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fieldPath(fe)] = describe(fe)
	}
	return &domain.ValidationError{Fields: fields}
}

// fieldPath drops the struct name from the namespace, e.g.
// ImageParams.quantity becomes quantity.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "uuid":
		return "must be a UUID"
	default:
		return "is invalid"
	}
}
