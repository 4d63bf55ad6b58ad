package gateway

import (
	"context"
	"time"

	"genpipeline/internal/broker"
	"genpipeline/internal/domain"
)

// Stream returns a channel of progress events for a task owned by
// workspaceID. The first frame is the current snapshot; the channel closes
// after the terminal frame or when ctx ends. Progress on the channel never
// decreases.
func (g *Gateway) Stream(ctx context.Context, workspaceID, taskID string) (<-chan domain.ProgressEvent, error) {
	if _, err := g.owned(ctx, workspaceID, taskID); err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	// subscribe before reading the snapshot so nothing published in between
	// is lost
	sub, err := g.events.Subscribe(subCtx, taskID)
	if err != nil {
		g.logger.Warn().Err(err).Str("task_id", taskID).Msg("gateway: subscribe failed, falling back to polling")
		sub = nil
	}

	task, err := g.tasks.Get(ctx, taskID)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan domain.ProgressEvent, g.opts.StreamBuffer)
	s := &stream{g: g, ctx: ctx, taskID: taskID, out: out, last: -1}
	go func() {
		defer close(out)
		defer cancel()
		s.run(task, sub)
	}()
	return out, nil
}

type stream struct {
	g      *Gateway
	ctx    context.Context
	taskID string
	out    chan<- domain.ProgressEvent
	last   int
}

func (s *stream) run(task *domain.Task, sub *broker.Subscription) {
	if s.emit(s.frame(task)) {
		return
	}

	var events <-chan domain.ProgressEvent
	if sub != nil {
		events = sub.Events()
	}
	ticker := time.NewTicker(s.g.opts.StreamRecheck)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				// subscription closed without a terminal frame reaching us
				events = nil
				if s.recheck() {
					return
				}
				continue
			}
			if s.emit(ev) {
				return
			}
		case <-ticker.C:
			if s.recheck() {
				return
			}
		}
	}
}

// recheck reads the store and emits the terminal frame if the task has
// finished. It reports whether the stream is done.
func (s *stream) recheck() bool {
	task, err := s.g.tasks.Get(s.ctx, s.taskID)
	if err != nil {
		if s.ctx.Err() == nil {
			s.g.logger.Warn().Err(err).Str("task_id", s.taskID).Msg("gateway: stream recheck failed")
		}
		return s.ctx.Err() != nil
	}
	if !task.Status.Terminal() {
		if task.Progress > s.last {
			return s.emit(s.frame(task))
		}
		return false
	}
	return s.emit(s.frame(task))
}

// emit forwards ev unless it would lower the progress already sent.
// Terminal frames always go out. It reports whether the stream is done.
func (s *stream) emit(ev domain.ProgressEvent) bool {
	terminal := ev.Terminal()
	if !terminal && ev.Progress < s.last {
		return false
	}
	if ev.Progress < s.last {
		ev.Progress = s.last
	}
	select {
	case s.out <- ev:
		s.last = ev.Progress
	case <-s.ctx.Done():
		return true
	}
	return terminal
}

func (s *stream) frame(task *domain.Task) domain.ProgressEvent {
	ev := domain.SnapshotEvent(task, s.g.now().UTC())
	switch task.Status {
	case domain.TaskStatusFailed:
		ev.Message = FailureCode(task.ErrorMessage)
	case domain.TaskStatusCompleted:
		ev.Message = domain.EventCompleted
	case domain.TaskStatusQueued:
		ev.Message = domain.EventQueued
	default:
		ev.Message = domain.EventGenerating
	}
	return ev
}
