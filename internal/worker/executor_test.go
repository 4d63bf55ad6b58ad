package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"genpipeline/internal/adapter/memstore"
	"genpipeline/internal/broker"
	"genpipeline/internal/cache"
	"genpipeline/internal/domain"
	"genpipeline/internal/generator"
	"genpipeline/internal/ledger"
	"genpipeline/internal/queue"
	"genpipeline/internal/retry"
	"genpipeline/internal/storage"
)

type step func(ctx context.Context, req generator.Request) (*generator.Result, error)

// scriptedGenerator replays steps in order; the last step repeats.
type scriptedGenerator struct {
	mu    sync.Mutex
	steps []step
	calls int32
}

func (g *scriptedGenerator) Invoke(ctx context.Context, req generator.Request) (*generator.Result, error) {
	n := int(atomic.AddInt32(&g.calls, 1))
	g.mu.Lock()
	s := g.steps[min(n, len(g.steps))-1]
	g.mu.Unlock()
	return s(ctx, req)
}

func (g *scriptedGenerator) Calls() int { return int(atomic.LoadInt32(&g.calls)) }

func succeed(ctx context.Context, req generator.Request) (*generator.Result, error) {
	req.Progress(50, "halfway")
	return &generator.Result{Artifacts: []generator.Artifact{{Data: []byte("copy text"), MIME: "text/plain"}}}, nil
}

func transient(ctx context.Context, req generator.Request) (*generator.Result, error) {
	return nil, &generator.TransientError{Status: 503, Err: errors.New("provider overloaded")}
}

func permanent(ctx context.Context, req generator.Request) (*generator.Result, error) {
	return nil, &generator.PermanentError{Status: 400, Err: errors.New("prompt rejected")}
}

// countingSettler wraps the ledger and counts settle calls.
type countingSettler struct {
	*ledger.Ledger
	finalized int32
	released  int32
}

func (c *countingSettler) Finalize(ctx context.Context, id string) error {
	atomic.AddInt32(&c.finalized, 1)
	return c.Ledger.Finalize(ctx, id)
}

func (c *countingSettler) Release(ctx context.Context, id string) error {
	atomic.AddInt32(&c.released, 1)
	return c.Ledger.Release(ctx, id)
}

// recorder is a PubSub that keeps every published event.
type recorder struct {
	mu     sync.Mutex
	events []domain.ProgressEvent
}

func (r *recorder) Publish(ctx context.Context, ev domain.ProgressEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) Subscribe(ctx context.Context, taskID string) (*broker.Subscription, error) {
	return nil, errors.New("recorder: subscribe not supported")
}

func (r *recorder) snapshot() []domain.ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ProgressEvent(nil), r.events...)
}

func (r *recorder) terminal() []domain.ProgressEvent {
	var out []domain.ProgressEvent
	for _, ev := range r.snapshot() {
		if ev.Terminal() {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) count(message string) int {
	n := 0
	for _, ev := range r.snapshot() {
		if ev.Message == message {
			n++
		}
	}
	return n
}

type fixture struct {
	tasks   *memstore.TaskStore
	credits *memstore.CreditStore
	ledger  *ledger.Ledger
	settler *countingSettler
	events  *recorder
	blobs   *storage.FileStore
	queue   *queue.Memory
}

func testOptions() Options {
	return Options{
		Concurrency: 2,
		Policy: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			Multiplier:  2,
		},
		SoftDeadline: time.Second,
		HardDeadline: 2 * time.Second,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	blobs, err := storage.NewFileStore(t.TempDir(), "http://localhost:8080", "secret")
	if err != nil {
		t.Fatalf("NewFileStore error: %v", err)
	}
	credits := memstore.NewCreditStore()
	led := ledger.New(credits, cache.NewMemoryBalanceCache(time.Minute), zerolog.Nop())
	return &fixture{
		tasks:   memstore.NewTaskStore(),
		credits: credits,
		ledger:  led,
		settler: &countingSettler{Ledger: led},
		events:  &recorder{},
		blobs:   blobs,
		queue:   queue.NewMemory(),
	}
}

func (f *fixture) executor(gen generator.Generator, opts Options) *Executor {
	return NewExecutor(f.tasks, f.queue, gen, f.settler, f.blobs, f.events, zerolog.Nop(), opts)
}

// seed grants 10 credits and creates a queued copy task holding a 1 credit
// reservation.
func (f *fixture) seed(t *testing.T, id string) *domain.Task {
	t.Helper()
	ctx := context.Background()
	if _, err := f.ledger.Grant(ctx, "ws-1", 10); err != nil {
		t.Fatalf("Grant error: %v", err)
	}
	resID, err := f.ledger.Reserve(ctx, "ws-1", domain.CopyCost)
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	params, _ := json.Marshal(domain.CopyParams{ProductName: "Kopi Gula Aren", ProductType: "food"})
	task := &domain.Task{
		ID:            id,
		WorkspaceID:   "ws-1",
		Kind:          domain.TaskKindCopy,
		Status:        domain.TaskStatusQueued,
		Params:        params,
		Cost:          domain.CopyCost,
		ReservationID: resID,
	}
	if err := f.tasks.Create(ctx, task); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	return task
}

func (f *fixture) task(t *testing.T, id string) *domain.Task {
	t.Helper()
	task, err := f.tasks.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	return task
}

func (f *fixture) account(t *testing.T) *domain.CreditAccount {
	t.Helper()
	acct, err := f.credits.GetAccount(context.Background(), "ws-1")
	if err != nil {
		t.Fatalf("GetAccount error: %v", err)
	}
	return acct
}

func TestProcessRetriesTransientFailuresThenCompletes(t *testing.T) {
	f := newFixture(t)
	gen := &scriptedGenerator{steps: []step{transient, transient, succeed}}
	f.seed(t, "task-1")

	f.executor(gen, testOptions()).Process(context.Background(), "task-1")

	task := f.task(t, "task-1")
	if task.Status != domain.TaskStatusCompleted {
		t.Fatalf("expected completed, got %s (%v)", task.Status, task.ErrorMessage)
	}
	if task.RetryCount != 2 {
		t.Fatalf("expected retryCount 2, got %d", task.RetryCount)
	}
	if task.Progress != 100 || len(task.ResultRefs) != 1 {
		t.Fatalf("unexpected result progress=%d refs=%v", task.Progress, task.ResultRefs)
	}
	if !strings.Contains(task.ResultRefs[0], "generated/copy/task-1/") {
		t.Fatalf("unexpected artifact ref %q", task.ResultRefs[0])
	}
	if gen.Calls() != 3 {
		t.Fatalf("expected 3 generator calls, got %d", gen.Calls())
	}
	if f.settler.finalized != 1 || f.settler.released != 0 {
		t.Fatalf("expected one finalize, got finalize=%d release=%d", f.settler.finalized, f.settler.released)
	}
	acct := f.account(t)
	if acct.Balance != 9 || acct.Reserved != 0 {
		t.Fatalf("unexpected account %+v", acct)
	}
	if got := f.events.count(domain.EventRetrying); got != 2 {
		t.Fatalf("expected 2 retry events, got %d", got)
	}
	terminal := f.events.terminal()
	if len(terminal) != 1 || terminal[0].Status != domain.TaskStatusCompleted || terminal[0].Progress != 100 {
		t.Fatalf("expected one completed terminal event, got %+v", terminal)
	}
}

func TestProcessProgressNeverDecreases(t *testing.T) {
	f := newFixture(t)
	gen := &scriptedGenerator{steps: []step{
		func(ctx context.Context, req generator.Request) (*generator.Result, error) {
			req.Progress(60, "")
			req.Progress(30, "")
			return nil, errors.New("flaky")
		},
		succeed,
	}}
	f.seed(t, "task-1")

	f.executor(gen, testOptions()).Process(context.Background(), "task-1")

	last := -1
	for _, ev := range f.events.snapshot() {
		if ev.Progress < last {
			t.Fatalf("progress went backwards: %d after %d", ev.Progress, last)
		}
		last = ev.Progress
	}
	if last != 100 {
		t.Fatalf("expected final progress 100, got %d", last)
	}
}

func TestProcessPermanentFailureReleasesImmediately(t *testing.T) {
	f := newFixture(t)
	gen := &scriptedGenerator{steps: []step{permanent}}
	f.seed(t, "task-1")

	f.executor(gen, testOptions()).Process(context.Background(), "task-1")

	task := f.task(t, "task-1")
	if task.Status != domain.TaskStatusFailed {
		t.Fatalf("expected failed, got %s", task.Status)
	}
	if task.ErrorMessage == nil || !strings.Contains(*task.ErrorMessage, "prompt rejected") {
		t.Fatalf("expected verbatim provider error, got %v", task.ErrorMessage)
	}
	if gen.Calls() != 1 || task.RetryCount != 0 {
		t.Fatalf("permanent error must not retry: calls=%d retry=%d", gen.Calls(), task.RetryCount)
	}
	if f.settler.released != 1 || f.settler.finalized != 0 {
		t.Fatalf("expected one release, got finalize=%d release=%d", f.settler.finalized, f.settler.released)
	}
	acct := f.account(t)
	if acct.Balance != 10 || acct.Reserved != 0 {
		t.Fatalf("credits must be refunded, got %+v", acct)
	}
	terminal := f.events.terminal()
	if len(terminal) != 1 || terminal[0].Message != domain.EventFailed {
		t.Fatalf("expected one failed terminal event, got %+v", terminal)
	}
}

// flakyTerminalStore fails the first n terminal transitions with a store error.
type flakyTerminalStore struct {
	*memstore.TaskStore
	failures int32
}

func (s *flakyTerminalStore) Transition(ctx context.Context, taskID string, from, to domain.TaskStatus, patch domain.TaskPatch) (*domain.Task, error) {
	if to.Terminal() && atomic.AddInt32(&s.failures, -1) >= 0 {
		return nil, errors.New("connection reset by peer")
	}
	return s.TaskStore.Transition(ctx, taskID, from, to, patch)
}

func TestProcessRetriesTerminalTransition(t *testing.T) {
	cases := []struct {
		name     string
		steps    []step
		want     domain.TaskStatus
		finalize int32
		release  int32
		balance  int64
	}{
		{name: "completed", steps: []step{succeed}, want: domain.TaskStatusCompleted, finalize: 1, balance: 9},
		{name: "failed", steps: []step{permanent}, want: domain.TaskStatusFailed, release: 1, balance: 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.seed(t, "task-1")
			store := &flakyTerminalStore{TaskStore: f.tasks, failures: 2}
			e := NewExecutor(store, f.queue, &scriptedGenerator{steps: tc.steps}, f.settler, f.blobs, f.events, zerolog.Nop(), testOptions())
			e.settle.BaseDelay = time.Millisecond
			e.settle.MaxDelay = 5 * time.Millisecond

			e.Process(context.Background(), "task-1")

			task := f.task(t, "task-1")
			if task.Status != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, task.Status)
			}
			if f.settler.finalized != tc.finalize || f.settler.released != tc.release {
				t.Fatalf("unexpected settles finalize=%d release=%d", f.settler.finalized, f.settler.released)
			}
			if acct := f.account(t); acct.Balance != tc.balance || acct.Reserved != 0 {
				t.Fatalf("unexpected account %+v", acct)
			}
			if terminal := f.events.terminal(); len(terminal) != 1 || terminal[0].Status != tc.want {
				t.Fatalf("expected one %s terminal event, got %+v", tc.want, terminal)
			}
		})
	}
}

func TestProcessNeverExceedsMaxAttempts(t *testing.T) {
	for _, maxAttempts := range []int{1, 2, 3, 5} {
		f := newFixture(t)
		gen := &scriptedGenerator{steps: []step{transient}}
		f.seed(t, "task-1")
		opts := testOptions()
		opts.Policy.MaxAttempts = maxAttempts

		f.executor(gen, opts).Process(context.Background(), "task-1")

		task := f.task(t, "task-1")
		if task.Status != domain.TaskStatusFailed {
			t.Fatalf("max=%d: expected failed, got %s", maxAttempts, task.Status)
		}
		if gen.Calls() != maxAttempts {
			t.Fatalf("max=%d: expected %d calls, got %d", maxAttempts, maxAttempts, gen.Calls())
		}
		if task.RetryCount != maxAttempts-1 {
			t.Fatalf("max=%d: expected retryCount %d, got %d", maxAttempts, maxAttempts-1, task.RetryCount)
		}
		if f.settler.released != 1 || len(f.events.terminal()) != 1 {
			t.Fatalf("max=%d: expected one release and one terminal event", maxAttempts)
		}
	}
}

func TestProcessHardDeadline(t *testing.T) {
	f := newFixture(t)
	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })
	gen := &scriptedGenerator{steps: []step{
		func(ctx context.Context, req generator.Request) (*generator.Result, error) {
			// ignores the soft deadline
			<-stuck
			return nil, errors.New("too late")
		},
	}}
	f.seed(t, "task-1")
	opts := testOptions()
	opts.Policy.MaxAttempts = 1
	opts.SoftDeadline = 10 * time.Millisecond
	opts.HardDeadline = 30 * time.Millisecond

	start := time.Now()
	f.executor(gen, opts).Process(context.Background(), "task-1")
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("hard deadline not enforced, took %s", elapsed)
	}

	task := f.task(t, "task-1")
	if task.Status != domain.TaskStatusFailed {
		t.Fatalf("expected failed, got %s", task.Status)
	}
	if task.ErrorMessage == nil || !strings.Contains(*task.ErrorMessage, domain.ErrHardDeadline.Error()) {
		t.Fatalf("expected hard deadline error, got %v", task.ErrorMessage)
	}
	if f.settler.released != 1 {
		t.Fatalf("expected credits released once, got %d", f.settler.released)
	}
	terminal := f.events.terminal()
	if len(terminal) != 1 || terminal[0].Message != domain.EventTimeout {
		t.Fatalf("expected exactly one timeout terminal event, got %+v", terminal)
	}
}

func TestProcessSoftDeadlineCountsAgainstBudget(t *testing.T) {
	f := newFixture(t)
	gen := &scriptedGenerator{steps: []step{
		func(ctx context.Context, req generator.Request) (*generator.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		succeed,
	}}
	f.seed(t, "task-1")
	opts := testOptions()
	opts.SoftDeadline = 10 * time.Millisecond
	opts.HardDeadline = time.Second

	f.executor(gen, opts).Process(context.Background(), "task-1")

	task := f.task(t, "task-1")
	if task.Status != domain.TaskStatusCompleted || task.RetryCount != 1 {
		t.Fatalf("expected completed after one timeout, got %s retry=%d", task.Status, task.RetryCount)
	}
}

func TestTwoWorkersRaceForOneTask(t *testing.T) {
	f := newFixture(t)
	gen := &scriptedGenerator{steps: []step{succeed}}
	f.seed(t, "task-1")
	a := f.executor(gen, testOptions())
	b := f.executor(gen, testOptions())

	var wg sync.WaitGroup
	start := make(chan struct{})
	for _, e := range []*Executor{a, b} {
		wg.Add(1)
		go func(e *Executor) {
			defer wg.Done()
			<-start
			e.Process(context.Background(), "task-1")
		}(e)
	}
	close(start)
	wg.Wait()

	if gen.Calls() != 1 {
		t.Fatalf("expected exactly one claim, generator called %d times", gen.Calls())
	}
	if f.settler.finalized != 1 {
		t.Fatalf("expected one finalize, got %d", f.settler.finalized)
	}
	if len(f.events.terminal()) != 1 {
		t.Fatalf("expected one terminal event, got %d", len(f.events.terminal()))
	}
}

func TestProcessHonoursCancelRequest(t *testing.T) {
	t.Run("before first attempt", func(t *testing.T) {
		f := newFixture(t)
		gen := &scriptedGenerator{steps: []step{succeed}}
		f.seed(t, "task-1")
		if _, err := f.tasks.RequestCancel(context.Background(), "task-1"); err != nil {
			t.Fatalf("RequestCancel error: %v", err)
		}

		f.executor(gen, testOptions()).Process(context.Background(), "task-1")

		task := f.task(t, "task-1")
		if task.Status != domain.TaskStatusFailed || gen.Calls() != 0 {
			t.Fatalf("expected cancelled without calls, got %s calls=%d", task.Status, gen.Calls())
		}
		if f.settler.released != 1 {
			t.Fatalf("expected release, got %d", f.settler.released)
		}
	})

	t.Run("between attempts", func(t *testing.T) {
		f := newFixture(t)
		gen := &scriptedGenerator{}
		gen.steps = []step{
			func(ctx context.Context, req generator.Request) (*generator.Result, error) {
				if _, err := f.tasks.RequestCancel(ctx, req.TaskID); err != nil {
					t.Errorf("RequestCancel error: %v", err)
				}
				return transient(ctx, req)
			},
			succeed,
		}
		f.seed(t, "task-1")

		f.executor(gen, testOptions()).Process(context.Background(), "task-1")

		task := f.task(t, "task-1")
		if task.Status != domain.TaskStatusFailed || gen.Calls() != 1 {
			t.Fatalf("expected cancel after first attempt, got %s calls=%d", task.Status, gen.Calls())
		}
		terminal := f.events.terminal()
		if len(terminal) != 1 || terminal[0].Message != domain.EventCancelled {
			t.Fatalf("expected cancelled terminal event, got %+v", terminal)
		}
	})
}

func TestProcessSkipsTasksThatAreNotQueued(t *testing.T) {
	f := newFixture(t)
	gen := &scriptedGenerator{steps: []step{succeed}}
	f.seed(t, "task-1")
	if _, err := f.tasks.Transition(context.Background(), "task-1", domain.TaskStatusQueued, domain.TaskStatusFailed, domain.TaskPatch{}); err != nil {
		t.Fatalf("Transition error: %v", err)
	}

	e := f.executor(gen, testOptions())
	e.Process(context.Background(), "task-1")
	e.Process(context.Background(), "missing")

	if gen.Calls() != 0 || len(f.events.snapshot()) != 0 {
		t.Fatalf("expected no work, calls=%d events=%d", gen.Calls(), len(f.events.snapshot()))
	}
}

func TestRunDispatchesQueuedAndRecoveredTasks(t *testing.T) {
	f := newFixture(t)
	gen := &scriptedGenerator{steps: []step{succeed}}
	f.seed(t, "enqueued")
	f.seed(t, "lost")
	if err := f.queue.Enqueue(context.Background(), "enqueued"); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}

	opts := testOptions()
	opts.RecoveryInterval = 10 * time.Millisecond
	e := f.executor(gen, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		a, b := f.task(t, "enqueued"), f.task(t, "lost")
		if a.Status == domain.TaskStatusCompleted && b.Status == domain.TaskStatusCompleted {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("tasks not completed: enqueued=%s lost=%s", a.Status, b.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("unexpected Run error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
	if gen.Calls() != 2 {
		t.Fatalf("expected 2 generator calls, got %d", gen.Calls())
	}
}
