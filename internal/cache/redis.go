package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"genpipeline/internal/domain"
)

// fillScript stores the account only when its version is not below the
// invalidation floor. KEYS: balance, floor. ARGV: version, payload, ttl ms.
var fillScript = redis.NewScript(`
local floor = tonumber(redis.call('GET', KEYS[2]) or '0')
if tonumber(ARGV[1]) < floor then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// invalidateScript raises the floor and drops the cached value.
// KEYS: balance, floor. ARGV: version, floor ttl ms.
var invalidateScript = redis.NewScript(`
local floor = tonumber(redis.call('GET', KEYS[2]) or '0')
if tonumber(ARGV[1]) > floor then
  redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[2])
end
redis.call('DEL', KEYS[1])
return 1
`)

// releaseScript deletes a lock only if the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

type cachedAccount struct {
	WorkspaceID string    `json:"workspace_id"`
	Balance     int64     `json:"balance"`
	Reserved    int64     `json:"reserved"`
	Version     int64     `json:"version"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RedisBalanceCache implements BalanceCache on Redis.
type RedisBalanceCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisBalanceCache(client *redis.Client, ttl time.Duration) *RedisBalanceCache {
	return &RedisBalanceCache{client: client, ttl: ttl}
}

func (c *RedisBalanceCache) Get(ctx context.Context, workspaceID string) (*domain.CreditAccount, bool, error) {
	raw, err := c.client.Get(ctx, balanceKey(workspaceID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache get balance: %w", err)
	}
	var ca cachedAccount
	if err := json.Unmarshal(raw, &ca); err != nil {
		// corrupt entry: treat as a miss
		return nil, false, nil
	}
	return &domain.CreditAccount{
		WorkspaceID: ca.WorkspaceID,
		Balance:     ca.Balance,
		Reserved:    ca.Reserved,
		Version:     ca.Version,
		UpdatedAt:   ca.UpdatedAt,
	}, true, nil
}

func (c *RedisBalanceCache) Fill(ctx context.Context, acct *domain.CreditAccount) (bool, error) {
	payload, err := json.Marshal(cachedAccount{
		WorkspaceID: acct.WorkspaceID,
		Balance:     acct.Balance,
		Reserved:    acct.Reserved,
		Version:     acct.Version,
		UpdatedAt:   acct.UpdatedAt,
	})
	if err != nil {
		return false, err
	}
	keys := []string{balanceKey(acct.WorkspaceID), floorKey(acct.WorkspaceID)}
	stored, err := fillScript.Run(ctx, c.client, keys, acct.Version, payload, c.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("cache fill balance: %w", err)
	}
	return stored == 1, nil
}

func (c *RedisBalanceCache) Invalidate(ctx context.Context, workspaceID string, version int64) error {
	keys := []string{balanceKey(workspaceID), floorKey(workspaceID)}
	// the floor must outlive any fill that could still be in flight
	floorTTL := (4 * c.ttl).Milliseconds()
	if floorTTL <= 0 {
		floorTTL = time.Hour.Milliseconds()
	}
	if err := invalidateScript.Run(ctx, c.client, keys, version, floorTTL).Err(); err != nil {
		return fmt.Errorf("cache invalidate balance: %w", err)
	}
	return nil
}

// RedisUploadMarkers implements UploadMarkers on Redis keys with expiry.
type RedisUploadMarkers struct {
	client *redis.Client
}

func NewRedisUploadMarkers(client *redis.Client) *RedisUploadMarkers {
	return &RedisUploadMarkers{client: client}
}

func (m *RedisUploadMarkers) MarkPending(ctx context.Context, assetID string, ttl time.Duration) error {
	return m.client.Set(ctx, pendingKey(assetID), "1", ttl).Err()
}

func (m *RedisUploadMarkers) Pending(ctx context.Context, assetID string) (bool, error) {
	n, err := m.client.Exists(ctx, pendingKey(assetID)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (m *RedisUploadMarkers) Clear(ctx context.Context, assetID string) error {
	return m.client.Del(ctx, pendingKey(assetID)).Err()
}

// RedisLocker implements Locker with SET NX PX and an owner token.
type RedisLocker struct {
	client *redis.Client
	poll   time.Duration
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, poll: 25 * time.Millisecond}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	k := lockKey(key)
	for {
		ok, err := l.client.SetNX(ctx, k, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return func() {
				// background context: release must run even if the caller's ctx ended
				_ = releaseScript.Run(context.Background(), l.client, []string{k}, token).Err()
			}, nil
		}
		timer := time.NewTimer(l.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ErrLockTimeout
		case <-timer.C:
		}
	}
}

var (
	_ BalanceCache  = (*RedisBalanceCache)(nil)
	_ UploadMarkers = (*RedisUploadMarkers)(nil)
	_ Locker        = (*RedisLocker)(nil)
)
