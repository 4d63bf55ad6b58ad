package repo

import (
	"context"
	"fmt"
	"time"

	"genpipeline/internal/domain"
	"genpipeline/internal/infra"
	"genpipeline/internal/sqlinline"
)

// UploadRepositoryPG implements domain.AssetStore on PostgreSQL.
type UploadRepositoryPG struct {
	sql infra.SQLExecutor
}

func NewUploadRepository(sql infra.SQLExecutor) *UploadRepositoryPG {
	return &UploadRepositoryPG{sql: sql}
}

func (r *UploadRepositoryPG) CreateAsset(ctx context.Context, asset *domain.Asset) error {
	row := r.sql.QueryRow(ctx, sqlinline.QInsertUploadAsset,
		asset.ID,
		asset.WorkspaceID,
		asset.Filename,
		asset.ContentType,
		asset.StoragePath,
		asset.DeclaredSize,
		asset.ExpiresAt,
	)
	var createdAt time.Time
	if err := row.Scan(&createdAt); err != nil {
		return fmt.Errorf("insert upload asset: %w", err)
	}
	asset.StorageStatus = domain.StorageStatusPending
	asset.CreatedAt = createdAt
	asset.UpdatedAt = createdAt
	return nil
}

func (r *UploadRepositoryPG) GetAsset(ctx context.Context, assetID string) (*domain.Asset, error) {
	a, err := scanAsset(r.sql.QueryRow(ctx, sqlinline.QSelectUploadAsset, assetID))
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return a, nil
}

func (r *UploadRepositoryPG) TransitionAsset(ctx context.Context, assetID string, from, to domain.StorageStatus, patch domain.AssetPatch) (*domain.Asset, error) {
	if from != domain.StorageStatusPending || to == domain.StorageStatusPending {
		return nil, domain.ErrInvalidTransition
	}
	a, err := scanAsset(r.sql.QueryRow(ctx, sqlinline.QTransitionUploadAsset,
		assetID,
		string(from),
		string(to),
		patch.ConfirmedSize,
		patch.Checksum,
		patch.FailureReason,
	))
	if err == nil {
		return a, nil
	}
	if !infra.IsNoRows(err) {
		return nil, err
	}
	if _, getErr := r.GetAsset(ctx, assetID); getErr != nil {
		return nil, getErr
	}
	return nil, domain.ErrConflict
}

func (r *UploadRepositoryPG) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QListExpiredUploads, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanAsset(row rowScanner) (*domain.Asset, error) {
	var (
		a      domain.Asset
		status string
	)
	if err := row.Scan(
		&a.ID,
		&a.WorkspaceID,
		&a.Filename,
		&a.ContentType,
		&status,
		&a.StoragePath,
		&a.DeclaredSize,
		&a.ConfirmedSize,
		&a.Checksum,
		&a.FailureReason,
		&a.ExpiresAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	a.StorageStatus = domain.StorageStatus(status)
	return &a, nil
}

var _ domain.AssetStore = (*UploadRepositoryPG)(nil)
