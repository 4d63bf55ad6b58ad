package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"genpipeline/internal/adapter/memstore"
	"genpipeline/internal/broker"
	"genpipeline/internal/cache"
	"genpipeline/internal/domain"
	"genpipeline/internal/ledger"
	"genpipeline/internal/queue"
)

type fixture struct {
	gw      *Gateway
	tasks   *memstore.TaskStore
	credits *memstore.CreditStore
	ledger  *ledger.Ledger
	queue   *queue.Memory
	events  *broker.Broker
}

func newFixture(t *testing.T, sources SourceChecker) *fixture {
	t.Helper()
	f := &fixture{
		tasks:   memstore.NewTaskStore(),
		credits: memstore.NewCreditStore(),
		queue:   queue.NewMemory(),
		events:  broker.New(8),
	}
	f.ledger = ledger.New(f.credits, cache.NewMemoryBalanceCache(time.Minute), zerolog.Nop())
	f.gw = New(f.tasks, f.ledger, f.queue, f.events, sources, zerolog.Nop(), Options{StreamRecheck: 20 * time.Millisecond})
	return f
}

func (f *fixture) grant(t *testing.T, ws string, amount int64) {
	t.Helper()
	if _, err := f.ledger.Grant(context.Background(), ws, amount); err != nil {
		t.Fatalf("Grant error: %v", err)
	}
}

func (f *fixture) account(t *testing.T, ws string) *domain.CreditAccount {
	t.Helper()
	acct, err := f.credits.GetAccount(context.Background(), ws)
	if err != nil {
		t.Fatalf("GetAccount error: %v", err)
	}
	return acct
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func imageParams(quantity int) map[string]any {
	return map[string]any{"prompt": "kopi susu di meja kayu", "quantity": quantity}
}

func TestSubmitQueuesAndReserves(t *testing.T) {
	f := newFixture(t, nil)
	f.grant(t, "ws-1", 10)

	res, err := f.gw.Submit(context.Background(), "ws-1", domain.TaskKindImage, raw(t, imageParams(3)))
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if res.Status != domain.TaskStatusQueued || res.Cost != 6 {
		t.Fatalf("unexpected result %+v", res)
	}
	task, err := f.tasks.Get(context.Background(), res.TaskID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	var stored domain.ImageParams
	if err := json.Unmarshal(task.Params, &stored); err != nil {
		t.Fatalf("stored params: %v", err)
	}
	if stored.AspectRatio != domain.DefaultAspect {
		t.Fatalf("expected default aspect ratio, got %q", stored.AspectRatio)
	}
	acct := f.account(t, "ws-1")
	if acct.Reserved != 6 || acct.Balance != 10 {
		t.Fatalf("unexpected account %+v", acct)
	}
	if f.queue.Len() != 1 {
		t.Fatalf("expected task enqueued, queue len %d", f.queue.Len())
	}
}

func TestSubmitValidation(t *testing.T) {
	cases := []struct {
		name   string
		kind   domain.TaskKind
		params json.RawMessage
		field  string
	}{
		{"unknown kind", "audio", json.RawMessage(`{}`), "kind"},
		{"missing params", domain.TaskKindCopy, nil, "params"},
		{"not an object", domain.TaskKindCopy, json.RawMessage(`[1,2]`), "params"},
		{"missing prompt", domain.TaskKindImage, json.RawMessage(`{"quantity":1}`), "prompt"},
		{"quantity too large", domain.TaskKindImage, json.RawMessage(`{"prompt":"abc","quantity":9}`), "quantity"},
		{"bad tone", domain.TaskKindCopy, json.RawMessage(`{"product_name":"Kopi","product_type":"food","tone":"angry"}`), "tone"},
		{"bad video duration", domain.TaskKindVideo, json.RawMessage(`{"prompt":"abc","duration_seconds":60}`), "duration_seconds"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.grant(t, "ws-1", 10)
			_, err := f.gw.Submit(context.Background(), "ws-1", tc.kind, tc.params)
			var verr *domain.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if _, ok := verr.Fields[tc.field]; !ok {
				t.Fatalf("expected field %q in %v", tc.field, verr.Fields)
			}
			if acct := f.account(t, "ws-1"); acct.Reserved != 0 {
				t.Fatalf("validation failure must not reserve, got %+v", acct)
			}
		})
	}
}

func TestSubmitQuotaRaceAdmitsOne(t *testing.T) {
	f := newFixture(t, nil)
	f.grant(t, "ws-1", 10)

	params := raw(t, map[string]any{"prompt": "unboxing sepatu"})
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		refused int
	)
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.gw.Submit(context.Background(), "ws-1", domain.TaskKindVideo, params)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrQuotaExceeded):
				refused++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if ok != 1 || refused != 1 {
		t.Fatalf("expected one admitted and one refused, got ok=%d refused=%d", ok, refused)
	}
	if acct := f.account(t, "ws-1"); acct.Reserved != 6 {
		t.Fatalf("expected 6 reserved, got %+v", acct)
	}
}

func TestSubmitWithoutAccountIsQuotaExceeded(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.gw.Submit(context.Background(), "ws-new", domain.TaskKindCopy, raw(t, map[string]any{"product_name": "Kopi", "product_type": "food"}))
	if !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("expected quota exceeded, got %v", err)
	}
}

// failingTasks rejects Create.
type failingTasks struct {
	*memstore.TaskStore
}

func (failingTasks) Create(ctx context.Context, task *domain.Task) error {
	return errors.New("db down")
}

func TestSubmitReleasesWhenCreateFails(t *testing.T) {
	f := newFixture(t, nil)
	f.grant(t, "ws-1", 10)
	f.gw.tasks = failingTasks{f.tasks}

	if _, err := f.gw.Submit(context.Background(), "ws-1", domain.TaskKindVideo, raw(t, map[string]any{"prompt": "abc"})); err == nil {
		t.Fatal("expected create failure")
	}
	if acct := f.account(t, "ws-1"); acct.Reserved != 0 || acct.Balance != 10 {
		t.Fatalf("reservation must be released, got %+v", acct)
	}
}

func TestSubmitSurvivesEnqueueFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.grant(t, "ws-1", 10)
	_ = f.queue.Close()

	res, err := f.gw.Submit(context.Background(), "ws-1", domain.TaskKindCopy, raw(t, map[string]any{"product_name": "Kopi", "product_type": "food"}))
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	queued, err := f.tasks.ListQueued(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListQueued error: %v", err)
	}
	if len(queued) != 1 || queued[0] != res.TaskID {
		t.Fatalf("task must stay queued for recovery, got %v", queued)
	}
}

type stubSources struct {
	uploaded map[string]bool
}

func (s stubSources) RequireUploaded(ctx context.Context, workspaceID, assetID string) (*domain.Asset, error) {
	if s.uploaded[assetID] {
		return &domain.Asset{ID: assetID, WorkspaceID: workspaceID, StorageStatus: domain.StorageStatusUploaded}, nil
	}
	return nil, domain.ErrUploadFailed
}

func TestSubmitChecksSourceAsset(t *testing.T) {
	good := "0b7f4c0e-8f55-4d6f-9d38-2f1f0ef0b6a1"
	bad := "4a3c2b1d-0000-4000-8000-000000000001"
	f := newFixture(t, stubSources{uploaded: map[string]bool{good: true}})
	f.grant(t, "ws-1", 10)

	params := imageParams(1)
	params["source_asset_id"] = bad
	_, err := f.gw.Submit(context.Background(), "ws-1", domain.TaskKindImage, raw(t, params))
	var verr *domain.ValidationError
	if !errors.As(err, &verr) || verr.Fields["source_asset_id"] == "" {
		t.Fatalf("expected source asset validation error, got %v", err)
	}

	params["source_asset_id"] = good
	if _, err := f.gw.Submit(context.Background(), "ws-1", domain.TaskKindImage, raw(t, params)); err != nil {
		t.Fatalf("Submit with uploaded asset: %v", err)
	}
}

func submitCopy(t *testing.T, f *fixture, ws string) string {
	t.Helper()
	res, err := f.gw.Submit(context.Background(), ws, domain.TaskKindCopy, raw(t, map[string]any{"product_name": "Kopi", "product_type": "food"}))
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	return res.TaskID
}

func TestGetStatusHidesOtherWorkspaces(t *testing.T) {
	f := newFixture(t, nil)
	f.grant(t, "ws-1", 10)
	id := submitCopy(t, f, "ws-1")

	snap, err := f.gw.GetStatus(context.Background(), "ws-1", id)
	if err != nil {
		t.Fatalf("GetStatus error: %v", err)
	}
	if snap.Status != domain.TaskStatusQueued || snap.Kind != domain.TaskKindCopy {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if _, err := f.gw.GetStatus(context.Background(), "ws-2", id); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for foreign workspace, got %v", err)
	}
}

func TestGetStatusSanitisesFailures(t *testing.T) {
	f := newFixture(t, nil)
	f.grant(t, "ws-1", 10)
	id := submitCopy(t, f, "ws-1")
	ctx := context.Background()
	if _, err := f.tasks.Transition(ctx, id, domain.TaskStatusQueued, domain.TaskStatusProcessing, domain.TaskPatch{}); err != nil {
		t.Fatal(err)
	}
	msg := "hard deadline exceeded after 2m0s"
	if _, err := f.tasks.Transition(ctx, id, domain.TaskStatusProcessing, domain.TaskStatusFailed, domain.TaskPatch{ErrorMessage: &msg}); err != nil {
		t.Fatal(err)
	}

	snap, err := f.gw.GetStatus(ctx, "ws-1", id)
	if err != nil {
		t.Fatalf("GetStatus error: %v", err)
	}
	if snap.ErrorCode != domain.EventTimeout {
		t.Fatalf("expected timeout code, got %q", snap.ErrorCode)
	}
	detail, err := f.gw.Inspect(ctx, id)
	if err != nil {
		t.Fatalf("Inspect error: %v", err)
	}
	if detail.Task.ErrorMessage == nil || *detail.Task.ErrorMessage != msg {
		t.Fatalf("operator must see the verbatim message, got %v", detail.Task.ErrorMessage)
	}
	if detail.Reservation == nil || detail.Reservation.Amount != domain.CopyCost {
		t.Fatalf("expected reservation detail, got %+v", detail.Reservation)
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("queued task fails and releases", func(t *testing.T) {
		f := newFixture(t, nil)
		f.grant(t, "ws-1", 10)
		id := submitCopy(t, f, "ws-1")

		snap, err := f.gw.Cancel(ctx, "ws-1", id)
		if err != nil {
			t.Fatalf("Cancel error: %v", err)
		}
		if snap.Status != domain.TaskStatusFailed || snap.ErrorCode != domain.EventCancelled {
			t.Fatalf("unexpected snapshot %+v", snap)
		}
		if acct := f.account(t, "ws-1"); acct.Reserved != 0 || acct.Balance != 10 {
			t.Fatalf("credits must be released, got %+v", acct)
		}
	})

	t.Run("processing task is flagged", func(t *testing.T) {
		f := newFixture(t, nil)
		f.grant(t, "ws-1", 10)
		id := submitCopy(t, f, "ws-1")
		if _, err := f.tasks.Transition(ctx, id, domain.TaskStatusQueued, domain.TaskStatusProcessing, domain.TaskPatch{}); err != nil {
			t.Fatal(err)
		}

		snap, err := f.gw.Cancel(ctx, "ws-1", id)
		if err != nil {
			t.Fatalf("Cancel error: %v", err)
		}
		if snap.Status != domain.TaskStatusProcessing {
			t.Fatalf("processing task must stay processing, got %s", snap.Status)
		}
		task, _ := f.tasks.Get(ctx, id)
		if !task.CancelRequested {
			t.Fatal("expected cancel flag")
		}
		if acct := f.account(t, "ws-1"); acct.Reserved != domain.CopyCost {
			t.Fatalf("worker settles the reservation, got %+v", acct)
		}
	})

	t.Run("finished task conflicts", func(t *testing.T) {
		f := newFixture(t, nil)
		f.grant(t, "ws-1", 10)
		id := submitCopy(t, f, "ws-1")
		if _, err := f.gw.Cancel(ctx, "ws-1", id); err != nil {
			t.Fatal(err)
		}
		if _, err := f.gw.Cancel(ctx, "ws-1", id); !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("expected conflict, got %v", err)
		}
		if _, err := f.gw.Cancel(ctx, "ws-2", id); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected not found for foreign workspace, got %v", err)
		}
	})
}

func TestResubmitCreatesLinkedTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.grant(t, "ws-1", 10)
	id := submitCopy(t, f, "ws-1")

	if _, err := f.gw.Resubmit(ctx, id); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("only failed tasks may be resubmitted, got %v", err)
	}
	if _, err := f.gw.Cancel(ctx, "ws-1", id); err != nil {
		t.Fatal(err)
	}

	res, err := f.gw.Resubmit(ctx, id)
	if err != nil {
		t.Fatalf("Resubmit error: %v", err)
	}
	if res.TaskID == id || res.Status != domain.TaskStatusQueued {
		t.Fatalf("unexpected resubmit result %+v", res)
	}
	fresh, _ := f.tasks.Get(ctx, res.TaskID)
	if fresh.ParentTaskID == nil || *fresh.ParentTaskID != id {
		t.Fatalf("expected parent link, got %v", fresh.ParentTaskID)
	}
	original, _ := f.tasks.Get(ctx, id)
	if original.Status != domain.TaskStatusFailed {
		t.Fatalf("original must stay failed, got %s", original.Status)
	}
	if acct := f.account(t, "ws-1"); acct.Reserved != domain.CopyCost {
		t.Fatalf("expected a fresh reservation, got %+v", acct)
	}
	if _, err := f.gw.Resubmit(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func collect(t *testing.T, ch <-chan domain.ProgressEvent, timeout time.Duration) []domain.ProgressEvent {
	t.Helper()
	var out []domain.ProgressEvent
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("stream not closed, got %+v", out)
		}
	}
}

func TestStreamSnapshotThenEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.gw.opts.StreamRecheck = time.Hour
	f.grant(t, "ws-1", 10)
	id := submitCopy(t, f, "ws-1")

	ch, err := f.gw.Stream(ctx, "ws-1", id)
	if err != nil {
		t.Fatalf("Stream error: %v", err)
	}
	first := <-ch
	if first.Status != domain.TaskStatusQueued || first.Message != domain.EventQueued {
		t.Fatalf("first frame must be the snapshot, got %+v", first)
	}

	now := time.Now()
	f.events.Publish(ctx, domain.ProgressEvent{TaskID: id, Status: domain.TaskStatusProcessing, Progress: 40, Timestamp: now})
	f.events.Publish(ctx, domain.ProgressEvent{TaskID: id, Status: domain.TaskStatusProcessing, Progress: 20, Timestamp: now})
	f.events.Publish(ctx, domain.ProgressEvent{TaskID: id, Status: domain.TaskStatusCompleted, Progress: 100, Timestamp: now})

	rest := collect(t, ch, time.Second)
	if len(rest) != 2 {
		t.Fatalf("expected progress and terminal frames, got %+v", rest)
	}
	if rest[0].Progress != 40 || rest[1].Status != domain.TaskStatusCompleted {
		t.Fatalf("unexpected frames %+v", rest)
	}
}

func TestStreamOfFinishedTaskEmitsOnlyTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.grant(t, "ws-1", 10)
	id := submitCopy(t, f, "ws-1")
	if _, err := f.gw.Cancel(ctx, "ws-1", id); err != nil {
		t.Fatal(err)
	}

	ch, err := f.gw.Stream(ctx, "ws-1", id)
	if err != nil {
		t.Fatalf("Stream error: %v", err)
	}
	frames := collect(t, ch, time.Second)
	if len(frames) != 1 || frames[0].Status != domain.TaskStatusFailed || frames[0].Message != domain.EventCancelled {
		t.Fatalf("expected a single terminal frame, got %+v", frames)
	}
}

func TestStreamRecheckCatchesLostTerminalEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.grant(t, "ws-1", 10)
	id := submitCopy(t, f, "ws-1")

	ch, err := f.gw.Stream(ctx, "ws-1", id)
	if err != nil {
		t.Fatalf("Stream error: %v", err)
	}
	<-ch

	// finish the task without publishing anything
	if _, err := f.tasks.Transition(ctx, id, domain.TaskStatusQueued, domain.TaskStatusProcessing, domain.TaskPatch{}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.tasks.Transition(ctx, id, domain.TaskStatusProcessing, domain.TaskStatusCompleted, domain.TaskPatch{Progress: domain.IntPtr(100), ResultRefs: []string{"generated/copy/x.txt"}}); err != nil {
		t.Fatal(err)
	}

	frames := collect(t, ch, 2*time.Second)
	if len(frames) == 0 || frames[len(frames)-1].Status != domain.TaskStatusCompleted {
		t.Fatalf("expected terminal frame from recheck, got %+v", frames)
	}
}

func TestStreamClosesOnContextCancel(t *testing.T) {
	f := newFixture(t, nil)
	f.grant(t, "ws-1", 10)
	id := submitCopy(t, f, "ws-1")

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := f.gw.Stream(ctx, "ws-1", id)
	if err != nil {
		t.Fatalf("Stream error: %v", err)
	}
	<-ch
	cancel()
	collect(t, ch, time.Second)

	deadline := time.Now().Add(time.Second)
	for f.events.Subscribers(id) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription not released")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStreamRejectsForeignTask(t *testing.T) {
	f := newFixture(t, nil)
	f.grant(t, "ws-1", 10)
	id := submitCopy(t, f, "ws-1")
	if _, err := f.gw.Stream(context.Background(), "ws-2", id); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCost(t *testing.T) {
	if got := Cost(domain.TaskKindImage, &domain.ImageParams{Quantity: 4}); got != 8 {
		t.Fatalf("image x4 cost = %d", got)
	}
	if Cost(domain.TaskKindCopy, &domain.CopyParams{}) != 1 || Cost(domain.TaskKindVideo, &domain.VideoParams{}) != 6 {
		t.Fatal("unexpected flat costs")
	}
}
