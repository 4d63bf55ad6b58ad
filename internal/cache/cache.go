// Package cache holds the shared, non-authoritative state of the pipeline:
// the credit balance read cache, upload TTL markers and per-key locks.
// Redis backs every piece in multi-process deployments; the memory variants
// serve single-process runs and tests.
package cache

import (
	"context"
	"errors"
	"time"

	"genpipeline/internal/domain"
)

// ErrLockTimeout is returned when a lock could not be acquired before the
// context ended.
var ErrLockTimeout = errors.New("lock not acquired")

// BalanceCache caches credit accounts by workspace. Fill must refuse an
// account whose version is older than the floor recorded by Invalidate.
type BalanceCache interface {
	Get(ctx context.Context, workspaceID string) (*domain.CreditAccount, bool, error)
	Fill(ctx context.Context, acct *domain.CreditAccount) (bool, error)
	Invalidate(ctx context.Context, workspaceID string, version int64) error
}

// UploadMarkers tracks pending uploads with a TTL. The reaper leaves an
// asset alone while its marker is live.
type UploadMarkers interface {
	MarkPending(ctx context.Context, assetID string, ttl time.Duration) error
	Pending(ctx context.Context, assetID string) (bool, error)
	Clear(ctx context.Context, assetID string) error
}

// Locker hands out short-lived exclusive locks keyed by name.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

func balanceKey(workspaceID string) string { return "credits:balance:" + workspaceID }
func floorKey(workspaceID string) string   { return "credits:floor:" + workspaceID }
func pendingKey(assetID string) string     { return "upload:pending:" + assetID }
func lockKey(key string) string            { return "lock:" + key }
