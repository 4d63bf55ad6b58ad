package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"genpipeline/internal/domain"
)

func TestMemoryBalanceCacheRefusesStaleFill(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryBalanceCache(time.Minute)

	if ok, _ := c.Fill(ctx, &domain.CreditAccount{WorkspaceID: "ws", Balance: 10, Version: 3}); !ok {
		t.Fatal("expected first fill to be stored")
	}
	if err := c.Invalidate(ctx, "ws", 4); err != nil {
		t.Fatalf("Invalidate error: %v", err)
	}
	if _, hit, _ := c.Get(ctx, "ws"); hit {
		t.Fatal("expected miss after invalidate")
	}

	// a reader that loaded version 3 before the mutation must not repopulate
	if ok, _ := c.Fill(ctx, &domain.CreditAccount{WorkspaceID: "ws", Balance: 10, Version: 3}); ok {
		t.Fatal("stale fill was accepted")
	}
	if ok, _ := c.Fill(ctx, &domain.CreditAccount{WorkspaceID: "ws", Balance: 4, Version: 4}); !ok {
		t.Fatal("current fill was refused")
	}
	acct, hit, _ := c.Get(ctx, "ws")
	if !hit || acct.Balance != 4 {
		t.Fatalf("unexpected cache state: hit=%v acct=%#v", hit, acct)
	}
}

func TestMemoryBalanceCacheExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemoryBalanceCache(time.Second)
	c.now = func() time.Time { return now }

	c.Fill(ctx, &domain.CreditAccount{WorkspaceID: "ws", Version: 1})
	now = now.Add(2 * time.Second)
	if _, hit, _ := c.Get(ctx, "ws"); hit {
		t.Fatal("expected expired entry to miss")
	}
}

func TestMemoryBalanceCacheFloorsExpire(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemoryBalanceCache(time.Second)
	c.now = func() time.Time { return now }

	for _, ws := range []string{"ws-1", "ws-2", "ws-3"} {
		if err := c.Invalidate(ctx, ws, 5); err != nil {
			t.Fatalf("Invalidate error: %v", err)
		}
	}
	if ok, _ := c.Fill(ctx, &domain.CreditAccount{WorkspaceID: "ws-1", Version: 4}); ok {
		t.Fatal("stale fill accepted while floor is live")
	}

	now = now.Add(4 * time.Second)
	if ok, _ := c.Fill(ctx, &domain.CreditAccount{WorkspaceID: "ws-1", Version: 4}); !ok {
		t.Fatal("fill refused after floor expired")
	}
	if err := c.Invalidate(ctx, "ws-4", 1); err != nil {
		t.Fatalf("Invalidate error: %v", err)
	}
	if len(c.floors) != 1 {
		t.Fatalf("expected expired floors to be swept, got %d left", len(c.floors))
	}
}

func TestMemoryUploadMarkersTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemoryUploadMarkers()
	m.now = func() time.Time { return now }

	m.MarkPending(ctx, "a1", time.Minute)
	if ok, _ := m.Pending(ctx, "a1"); !ok {
		t.Fatal("expected marker to be pending")
	}
	now = now.Add(time.Minute)
	if ok, _ := m.Pending(ctx, "a1"); ok {
		t.Fatal("expected marker to expire")
	}
	m.MarkPending(ctx, "a2", time.Minute)
	m.Clear(ctx, "a2")
	if ok, _ := m.Pending(ctx, "a2"); ok {
		t.Fatal("expected cleared marker to be gone")
	}
}

func TestMemoryLockerSerialises(t *testing.T) {
	l := NewMemoryLocker()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background(), "asset-1", time.Second)
			if err != nil {
				t.Errorf("Acquire error: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Fatalf("expected exclusive access, saw %d holders", maxInside)
	}
}

func TestMemoryLockerTimeout(t *testing.T) {
	l := NewMemoryLocker()
	release, err := l.Acquire(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, "k", time.Second); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
}
