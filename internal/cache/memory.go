package cache

import (
	"context"
	"sync"
	"time"

	"genpipeline/internal/domain"
)

type memoryEntry struct {
	acct    domain.CreditAccount
	expires time.Time
}

type memoryFloor struct {
	version int64
	expires time.Time
}

// MemoryBalanceCache is a process-local BalanceCache. Floors expire after
// four entry TTLs, matching RedisBalanceCache.
type MemoryBalanceCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
	floors  map[string]memoryFloor
	now     func() time.Time
}

func NewMemoryBalanceCache(ttl time.Duration) *MemoryBalanceCache {
	return &MemoryBalanceCache{
		ttl:     ttl,
		entries: make(map[string]memoryEntry),
		floors:  make(map[string]memoryFloor),
		now:     time.Now,
	}
}

func (c *MemoryBalanceCache) Get(ctx context.Context, workspaceID string) (*domain.CreditAccount, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[workspaceID]
	if !ok {
		return nil, false, nil
	}
	if c.ttl > 0 && !c.now().Before(e.expires) {
		delete(c.entries, workspaceID)
		return nil, false, nil
	}
	acct := e.acct
	return &acct, true, nil
}

func (c *MemoryBalanceCache) Fill(ctx context.Context, acct *domain.CreditAccount) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if acct.Version < c.floor(acct.WorkspaceID) {
		return false, nil
	}
	c.entries[acct.WorkspaceID] = memoryEntry{acct: *acct, expires: c.now().Add(c.ttl)}
	return true, nil
}

func (c *MemoryBalanceCache) Invalidate(ctx context.Context, workspaceID string, version int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.sweep(now)
	if version > c.floor(workspaceID) {
		c.floors[workspaceID] = memoryFloor{version: version, expires: now.Add(c.floorTTL())}
	}
	delete(c.entries, workspaceID)
	return nil
}

func (c *MemoryBalanceCache) floorTTL() time.Duration {
	if c.ttl <= 0 {
		return time.Hour
	}
	return 4 * c.ttl
}

// floor returns the live floor for workspaceID. Callers hold c.mu.
func (c *MemoryBalanceCache) floor(workspaceID string) int64 {
	f, ok := c.floors[workspaceID]
	if !ok {
		return 0
	}
	if !c.now().Before(f.expires) {
		delete(c.floors, workspaceID)
		return 0
	}
	return f.version
}

// sweep drops expired floors and entries. Callers hold c.mu.
func (c *MemoryBalanceCache) sweep(now time.Time) {
	for id, f := range c.floors {
		if !now.Before(f.expires) {
			delete(c.floors, id)
		}
	}
	if c.ttl <= 0 {
		return
	}
	for id, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, id)
		}
	}
}

// MemoryUploadMarkers is a process-local UploadMarkers.
type MemoryUploadMarkers struct {
	mu      sync.Mutex
	pending map[string]time.Time
	now     func() time.Time
}

func NewMemoryUploadMarkers() *MemoryUploadMarkers {
	return &MemoryUploadMarkers{pending: make(map[string]time.Time), now: time.Now}
}

// WithClock replaces the clock used for marker expiry. Call it before the
// markers are shared.
func (m *MemoryUploadMarkers) WithClock(now func() time.Time) *MemoryUploadMarkers {
	m.now = now
	return m
}

func (m *MemoryUploadMarkers) MarkPending(ctx context.Context, assetID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[assetID] = m.now().Add(ttl)
	return nil
}

func (m *MemoryUploadMarkers) Pending(ctx context.Context, assetID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.pending[assetID]
	if !ok {
		return false, nil
	}
	if !m.now().Before(exp) {
		delete(m.pending, assetID)
		return false, nil
	}
	return true, nil
}

func (m *MemoryUploadMarkers) Clear(ctx context.Context, assetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, assetID)
	return nil
}

// MemoryLocker is a process-local Locker. The ttl is ignored: holders
// always release.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]chan struct{})}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	for {
		l.mu.Lock()
		held, busy := l.locks[key]
		if !busy {
			ch := make(chan struct{})
			l.locks[key] = ch
			l.mu.Unlock()
			var once sync.Once
			return func() {
				once.Do(func() {
					l.mu.Lock()
					delete(l.locks, key)
					l.mu.Unlock()
					close(ch)
				})
			}, nil
		}
		l.mu.Unlock()
		select {
		case <-held:
		case <-ctx.Done():
			return nil, ErrLockTimeout
		}
	}
}

var (
	_ BalanceCache  = (*MemoryBalanceCache)(nil)
	_ UploadMarkers = (*MemoryUploadMarkers)(nil)
	_ Locker        = (*MemoryLocker)(nil)
)
