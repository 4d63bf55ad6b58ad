package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"genpipeline/internal/domain"
)

// AssetStore implements domain.AssetStore in memory.
type AssetStore struct {
	mu     sync.Mutex
	assets map[string]*domain.Asset
	now    func() time.Time
}

// NewAssetStore creates an empty AssetStore.
func NewAssetStore() *AssetStore {
	return &AssetStore{assets: make(map[string]*domain.Asset), now: time.Now}
}

func (s *AssetStore) CreateAsset(ctx context.Context, asset *domain.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assets[asset.ID]; ok {
		return domain.ErrConflict
	}
	cp := *asset
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	cp.UpdatedAt = cp.CreatedAt
	s.assets[asset.ID] = &cp
	return nil
}

func (s *AssetStore) GetAsset(ctx context.Context, assetID string) (*domain.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[assetID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *AssetStore) TransitionAsset(ctx context.Context, assetID string, from, to domain.StorageStatus, patch domain.AssetPatch) (*domain.Asset, error) {
	if from != domain.StorageStatusPending || to == domain.StorageStatusPending {
		return nil, domain.ErrInvalidTransition
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[assetID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if a.StorageStatus != from {
		return nil, domain.ErrConflict
	}
	a.StorageStatus = to
	if patch.ConfirmedSize != nil {
		v := *patch.ConfirmedSize
		a.ConfirmedSize = &v
	}
	if patch.Checksum != nil {
		v := *patch.Checksum
		a.Checksum = &v
	}
	if patch.FailureReason != nil {
		v := *patch.FailureReason
		a.FailureReason = &v
	}
	a.UpdatedAt = s.now()
	cp := *a
	return &cp, nil
}

func (s *AssetStore) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expired := make([]*domain.Asset, 0)
	for _, a := range s.assets {
		if a.Expired(now) {
			expired = append(expired, a)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	ids := make([]string, 0, len(expired))
	for _, a := range expired {
		ids = append(ids, a.ID)
	}
	return ids, nil
}

var _ domain.AssetStore = (*AssetStore)(nil)
