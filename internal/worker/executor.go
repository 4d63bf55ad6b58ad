// Package worker runs generation tasks: it claims queued tasks, calls the
// generator under soft and hard deadlines with retry and backoff, stores the
// artifacts and settles the credit reservation.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"genpipeline/internal/broker"
	"genpipeline/internal/domain"
	"genpipeline/internal/generator"
	"genpipeline/internal/infra"
	"genpipeline/internal/metrics"
	"genpipeline/internal/queue"
	"genpipeline/internal/retry"
	"genpipeline/internal/storage"
)

// Settler settles credit reservations. *ledger.Ledger implements it.
type Settler interface {
	Finalize(ctx context.Context, reservationID string) error
	Release(ctx context.Context, reservationID string) error
}

// Options tunes the executor.
type Options struct {
	Concurrency      int
	Policy           retry.Policy
	SoftDeadline     time.Duration
	HardDeadline     time.Duration
	RecoveryInterval time.Duration
	RecoveryBatch    int
}

func (o Options) withDefaults() Options {
	if o.Concurrency < 1 {
		o.Concurrency = 4
	}
	if o.Policy.MaxAttempts < 1 {
		o.Policy = retry.DefaultPolicy()
	}
	if o.SoftDeadline <= 0 {
		o.SoftDeadline = 90 * time.Second
	}
	if o.HardDeadline < o.SoftDeadline {
		o.HardDeadline = o.SoftDeadline
	}
	if o.RecoveryBatch < 1 {
		o.RecoveryBatch = o.Concurrency * 4
	}
	return o
}

// Executor is the WorkerExecutor.
type Executor struct {
	store  domain.TaskStore
	queue  queue.Queue
	gen    generator.Generator
	ledger Settler
	blobs  storage.BlobStore
	events broker.PubSub
	logger infra.Logger
	opts   Options

	pool      *Pool
	recovered *queue.Memory
	inflight  sync.Map
	now       func() time.Time
	settle    retry.Policy
}

func NewExecutor(store domain.TaskStore, q queue.Queue, gen generator.Generator, settler Settler, blobs storage.BlobStore, events broker.PubSub, logger infra.Logger, opts Options) *Executor {
	opts = opts.withDefaults()
	return &Executor{
		store:     store,
		queue:     q,
		gen:       gen,
		ledger:    settler,
		blobs:     blobs,
		events:    events,
		logger:    logger,
		opts:      opts,
		pool:      NewPool(opts.Concurrency),
		recovered: queue.NewMemory(),
		now:       time.Now,
		settle: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    2 * time.Second,
			Multiplier:  2,
			Jitter:      0.25,
			Retryable: func(err error) bool {
				var stop retryStop
				return !errors.As(err, &stop)
			},
		},
	}
}

// Run dispatches queued tasks until ctx ends, then waits for in-flight
// tasks to finish. Tasks already claimed run to completion on a context
// detached from ctx.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info().Int("concurrency", e.opts.Concurrency).Msg("worker: started")

	ids := make(chan string)
	var feeders sync.WaitGroup
	feed := func(name string, q queue.Queue) {
		defer feeders.Done()
		for {
			id, err := q.Dequeue(ctx)
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, queue.ErrClosed) {
					e.logger.Error().Err(err).Str("source", name).Msg("worker: dequeue failed")
					if retry.Sleep(ctx, time.Second) == nil {
						continue
					}
				}
				return
			}
			select {
			case ids <- id:
			case <-ctx.Done():
				return
			}
		}
	}
	feeders.Add(2)
	go feed("queue", e.queue)
	go feed("recovery", e.recovered)

	if e.opts.RecoveryInterval > 0 {
		feeders.Add(1)
		go func() {
			defer feeders.Done()
			e.runRecovery(ctx)
		}()
	}

	taskCtx := context.WithoutCancel(ctx)
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case id := <-ids:
			if _, busy := e.inflight.LoadOrStore(id, struct{}{}); busy {
				continue
			}
			if !e.pool.Submit(ctx, id, func(_ context.Context, taskID string) {
				defer e.inflight.Delete(taskID)
				e.Process(taskCtx, taskID)
			}) {
				e.inflight.Delete(id)
			}
		}
	}

	feeders.Wait()
	e.pool.Wait()
	_ = e.recovered.Close()
	e.logger.Info().Msg("worker: stopped")
	return ctx.Err()
}

// Recover pushes up to RecoveryBatch queued tasks from the store into the
// local dispatch buffer. It covers enqueue failures and lost notifications.
func (e *Executor) Recover(ctx context.Context) (int, error) {
	ids, err := e.store.ListQueued(ctx, e.opts.RecoveryBatch)
	if err != nil {
		return 0, fmt.Errorf("list queued tasks: %w", err)
	}
	n := 0
	for _, id := range ids {
		if _, busy := e.inflight.Load(id); busy {
			continue
		}
		if err := e.recovered.Enqueue(ctx, id); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (e *Executor) runRecovery(ctx context.Context) {
	ticker := time.NewTicker(e.opts.RecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.Recover(ctx)
			if err != nil {
				if ctx.Err() == nil {
					e.logger.Warn().Err(err).Msg("worker: queue recovery failed")
				}
				continue
			}
			if n > 0 {
				e.logger.Info().Int("count", n).Msg("worker: recovered queued tasks")
			}
		}
	}
}

// run is the per-task state shared by attempts.
type run struct {
	task     *domain.Task
	attempt  int
	finished atomic.Bool
}

// Process claims and executes one task. A task that is not queued, or that
// another worker claims first, is skipped.
func (e *Executor) Process(ctx context.Context, taskID string) {
	log := e.logger.With().Str("task_id", taskID).Logger()

	task, err := e.store.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Warn().Msg("worker: dequeued unknown task")
		} else {
			log.Error().Err(err).Msg("worker: load task failed")
		}
		return
	}
	if task.Status != domain.TaskStatusQueued {
		log.Debug().Str("status", string(task.Status)).Msg("worker: task not queued, skipping")
		return
	}

	now := e.now().UTC()
	task, err = e.store.Transition(ctx, taskID, domain.TaskStatusQueued, domain.TaskStatusProcessing, domain.TaskPatch{
		Progress:  domain.IntPtr(5),
		StartedAt: &now,
	})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			log.Debug().Msg("worker: task claimed elsewhere")
			return
		}
		log.Error().Err(err).Msg("worker: claim failed")
		return
	}
	log.Info().Str("kind", string(task.Kind)).Msg("worker: claimed task")
	e.publish(ctx, task, domain.EventStarted)

	r := &run{task: task}
	for r.attempt = 1; ; r.attempt++ {
		if e.cancelRequested(ctx, taskID) {
			e.fail(ctx, r, domain.ErrCancelled)
			return
		}

		refs, err := e.attempt(ctx, r)
		if err == nil {
			e.complete(ctx, r, refs)
			return
		}

		class := generator.Classify(err)
		metrics.GeneratorAttempts.WithLabelValues(string(task.Kind), class.String()).Inc()
		log.Warn().Err(err).Int("attempt", r.attempt).Str("class", class.String()).Msg("worker: attempt failed")

		if !class.Retryable() || !e.opts.Policy.ShouldRetry(r.attempt, err) {
			e.fail(ctx, r, err)
			return
		}

		if updated, terr := e.store.Transition(ctx, taskID, domain.TaskStatusProcessing, domain.TaskStatusProcessing, domain.TaskPatch{
			RetryCount: domain.IntPtr(r.attempt),
		}); terr != nil {
			log.Error().Err(terr).Msg("worker: record retry failed")
			if errors.Is(terr, domain.ErrConflict) {
				return
			}
		} else {
			r.task = updated
		}
		e.publish(ctx, r.task, domain.EventRetrying)

		delay := e.opts.Policy.Backoff(r.attempt - 1)
		log.Info().Dur("backoff", delay).Int("retry", r.attempt).Msg("worker: retrying task")
		_ = retry.Sleep(ctx, delay)
	}
}

// attempt runs one generator call plus artifact persistence. The generator
// sees the soft deadline; the executor gives up at the hard deadline.
func (e *Executor) attempt(ctx context.Context, r *run) ([]string, error) {
	task := r.task
	start := e.now()
	soft := start.Add(e.opts.SoftDeadline)

	callCtx, cancel := context.WithDeadline(ctx, soft)
	defer cancel()

	type outcome struct {
		res *generator.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := e.gen.Invoke(callCtx, generator.Request{
			TaskID:   task.ID,
			Kind:     task.Kind,
			Params:   task.Params,
			Deadline: soft,
			Progress: e.progressFunc(ctx, r),
		})
		done <- outcome{res: res, err: err}
	}()

	hard := time.NewTimer(e.opts.HardDeadline)
	defer hard.Stop()

	var out outcome
	select {
	case out = <-done:
	case <-hard.C:
		out.err = fmt.Errorf("%w after %s", domain.ErrHardDeadline, e.opts.HardDeadline)
	}
	metrics.GeneratorDuration.WithLabelValues(string(task.Kind)).Observe(time.Since(start).Seconds())
	if out.err != nil {
		return nil, out.err
	}
	if out.res == nil || len(out.res.Artifacts) == 0 {
		return nil, generator.Transient(errors.New("generator returned no artifacts"))
	}

	refs := make([]string, 0, len(out.res.Artifacts))
	for i, a := range out.res.Artifacts {
		key := storage.ArtifactKey(string(task.Kind), task.ID, a.MIME, i)
		ref, err := e.blobs.Write(ctx, key, a.Data, a.MIME)
		if err != nil {
			return nil, generator.Transient(fmt.Errorf("%w: write artifact %d: %v", domain.ErrTransientStorage, i, err))
		}
		refs = append(refs, ref)
	}
	metrics.GeneratorAttempts.WithLabelValues(string(task.Kind), "ok").Inc()
	return refs, nil
}

// progressFunc maps generator progress 0..100 into the 5..90 band of the
// task. Reports arriving after the task finished are dropped.
func (e *Executor) progressFunc(ctx context.Context, r *run) generator.ProgressFunc {
	return func(p int, _ string) {
		if r.finished.Load() {
			return
		}
		p = min(max(p, 0), 100)
		overall := 5 + p*85/100
		updated, err := e.store.Transition(ctx, r.task.ID, domain.TaskStatusProcessing, domain.TaskStatusProcessing, domain.TaskPatch{
			Progress: domain.IntPtr(overall),
		})
		if err != nil {
			if !errors.Is(err, domain.ErrConflict) {
				e.logger.Warn().Err(err).Str("task_id", r.task.ID).Msg("worker: record progress failed")
			}
			return
		}
		if r.finished.Load() {
			return
		}
		e.publish(ctx, updated, domain.EventGenerating)
	}
}

func (e *Executor) complete(ctx context.Context, r *run, refs []string) {
	r.finished.Store(true)
	now := e.now().UTC()
	task, err := e.finish(ctx, r.task.ID, domain.TaskStatusCompleted, domain.TaskPatch{
		Progress:    domain.IntPtr(100),
		RetryCount:  domain.IntPtr(r.attempt - 1),
		ResultRefs:  refs,
		CompletedAt: &now,
	})
	if err != nil {
		e.logger.Error().Err(err).Str("task_id", r.task.ID).Msg("worker: complete transition failed")
		return
	}
	if err := e.settleWith(ctx, e.ledger.Finalize, task.ReservationID); err != nil {
		e.logger.Error().Err(err).Str("task_id", task.ID).Str("reservation_id", task.ReservationID).Msg("worker: finalize credits failed")
	}
	metrics.TasksFinished.WithLabelValues(string(task.Kind), string(task.Status)).Inc()
	e.publish(ctx, task, domain.EventCompleted)
	e.logger.Info().Str("task_id", task.ID).Int("artifacts", len(refs)).Int("retry_count", task.RetryCount).Msg("worker: task completed")
}

func (e *Executor) fail(ctx context.Context, r *run, cause error) {
	r.finished.Store(true)
	now := e.now().UTC()
	msg := cause.Error()
	task, err := e.finish(ctx, r.task.ID, domain.TaskStatusFailed, domain.TaskPatch{
		RetryCount:   domain.IntPtr(r.attempt - 1),
		ErrorMessage: &msg,
		CompletedAt:  &now,
	})
	if err != nil {
		e.logger.Error().Err(err).Str("task_id", r.task.ID).Msg("worker: fail transition failed")
		return
	}
	if err := e.settleWith(ctx, e.ledger.Release, task.ReservationID); err != nil {
		e.logger.Error().Err(err).Str("task_id", task.ID).Str("reservation_id", task.ReservationID).Msg("worker: release credits failed")
	}
	metrics.TasksFinished.WithLabelValues(string(task.Kind), string(task.Status)).Inc()
	e.publish(ctx, task, failureEvent(cause))
	e.logger.Warn().Str("task_id", task.ID).Str("error", msg).Int("retry_count", task.RetryCount).Msg("worker: task failed")
}

// finish moves a processing task to its terminal status, retrying store
// errors under the settle policy. A conflict means another writer already
// owns the task.
func (e *Executor) finish(ctx context.Context, taskID string, to domain.TaskStatus, patch domain.TaskPatch) (*domain.Task, error) {
	var task *domain.Task
	err := e.settle.Do(ctx, func(ctx context.Context, attempt int) error {
		t, err := e.store.Transition(ctx, taskID, domain.TaskStatusProcessing, to, patch)
		switch {
		case err == nil:
			task = t
			return nil
		case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrInvalidTransition):
			return retryStop{err}
		}
		e.logger.Warn().Err(err).Str("task_id", taskID).Int("attempt", attempt).Str("to", string(to)).Msg("worker: terminal transition failed")
		return err
	})
	return task, err
}

func (e *Executor) settleWith(ctx context.Context, fn func(context.Context, string) error, reservationID string) error {
	return e.settle.Do(ctx, func(ctx context.Context, _ int) error {
		err := fn(ctx, reservationID)
		if errors.Is(err, domain.ErrReservationSettled) || errors.Is(err, domain.ErrNotFound) {
			return retryStop{err}
		}
		return err
	})
}

// retryStop marks an error the settle policy must not retry.
type retryStop struct{ error }

func (r retryStop) Unwrap() error { return r.error }

func (e *Executor) cancelRequested(ctx context.Context, taskID string) bool {
	t, err := e.store.Get(ctx, taskID)
	if err != nil {
		e.logger.Warn().Err(err).Str("task_id", taskID).Msg("worker: cancel check failed")
		return false
	}
	return t.CancelRequested
}

func (e *Executor) publish(ctx context.Context, task *domain.Task, message string) {
	ev := domain.SnapshotEvent(task, e.now().UTC())
	ev.Message = message
	e.events.Publish(ctx, ev)
}

func failureEvent(err error) string {
	switch generator.Classify(err) {
	case generator.ClassTimeout:
		return domain.EventTimeout
	case generator.ClassCancelled:
		return domain.EventCancelled
	default:
		return domain.EventFailed
	}
}
