// Package uploads implements the two-phase prepare then confirm protocol
// for client-provided source files.
package uploads

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"genpipeline/internal/cache"
	"genpipeline/internal/domain"
	"genpipeline/internal/infra"
	"genpipeline/internal/metrics"
	"genpipeline/internal/storage"
)

const (
	DefaultPrepareTTL = 30 * time.Minute
	confirmLockTTL    = 30 * time.Second
	reapBatch         = 100
)

// AllowedContentTypes lists the MIME types accepted by Prepare.
var AllowedContentTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/webp": true,
	"video/mp4":  true,
}

type PrepareRequest struct {
	Filename    string `json:"filename" validate:"required,max=255"`
	Size        int64  `json:"size" validate:"gt=0"`
	ContentType string `json:"contentType" validate:"required"`
}

type PrepareResult struct {
	AssetID          string               `json:"assetId"`
	UploadCredential storage.UploadTarget `json:"uploadCredential"`
	ExpiresIn        int64                `json:"expiresIn"`
}

type ConfirmRequest struct {
	AssetID    string `json:"assetId" validate:"required"`
	ActualSize int64  `json:"actualSize" validate:"gt=0"`
	Checksum   string `json:"checksum,omitempty" validate:"omitempty,hexadecimal,len=32"`
}

type ConfirmResult struct {
	Verified        bool                 `json:"verified"`
	StorageStatus   domain.StorageStatus `json:"storageStatus"`
	Size            int64                `json:"size"`
	AlreadyUploaded bool                 `json:"alreadyUploaded,omitempty"`
}

// Options tune a Protocol.
type Options struct {
	PrepareTTL time.Duration
	MaxBytes   int64
}

// Protocol is the UploadCommitProtocol.
type Protocol struct {
	assets   domain.AssetStore
	blobs    storage.BlobStore
	markers  cache.UploadMarkers
	locks    cache.Locker
	validate *validator.Validate
	logger   infra.Logger
	opts     Options
	now      func() time.Time
	newID    func() string
}

func NewProtocol(assets domain.AssetStore, blobs storage.BlobStore, markers cache.UploadMarkers, locks cache.Locker, logger infra.Logger, opts Options) *Protocol {
	if opts.PrepareTTL <= 0 {
		opts.PrepareTTL = DefaultPrepareTTL
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 50 << 20
	}
	return &Protocol{
		assets:   assets,
		blobs:    blobs,
		markers:  markers,
		locks:    locks,
		validate: validator.New(),
		logger:   logger,
		opts:     opts,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Prepare registers a pending asset and returns a direct-upload credential.
func (p *Protocol) Prepare(ctx context.Context, workspaceID string, req PrepareRequest) (*PrepareResult, error) {
	req.Filename = strings.TrimSpace(req.Filename)
	req.ContentType = strings.ToLower(strings.TrimSpace(req.ContentType))
	if err := p.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	if req.Size > p.opts.MaxBytes {
		return nil, domain.NewValidationError("size", fmt.Sprintf("must not exceed %d bytes", p.opts.MaxBytes))
	}
	if !AllowedContentTypes[req.ContentType] {
		return nil, domain.NewValidationError("contentType", "unsupported content type")
	}

	now := p.now()
	assetID := p.newID()
	asset := &domain.Asset{
		ID:            assetID,
		WorkspaceID:   workspaceID,
		Filename:      req.Filename,
		ContentType:   req.ContentType,
		StorageStatus: domain.StorageStatusPending,
		StoragePath:   storage.UploadKey(workspaceID, assetID, req.Filename),
		DeclaredSize:  req.Size,
		ExpiresAt:     now.Add(p.opts.PrepareTTL),
		CreatedAt:     now,
	}
	target, err := p.blobs.SignUpload(ctx, asset.StoragePath, asset.ContentType, asset.DeclaredSize, asset.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("sign upload: %w", err)
	}
	if err := p.assets.CreateAsset(ctx, asset); err != nil {
		return nil, fmt.Errorf("create asset: %w", err)
	}
	if err := p.markers.MarkPending(ctx, assetID, p.opts.PrepareTTL); err != nil {
		// the reaper still expires the asset from the store
		p.logger.Warn().Err(err).Str("asset_id", assetID).Msg("uploads: set pending marker failed")
	}
	p.logger.Info().Str("asset_id", assetID).Str("workspace_id", workspaceID).Int64("size", req.Size).Msg("uploads: prepared")

	return &PrepareResult{
		AssetID:          assetID,
		UploadCredential: *target,
		ExpiresIn:        int64(p.opts.PrepareTTL / time.Second),
	}, nil
}

// Confirm verifies the uploaded object and commits the asset. Storage is
// checked at most once per asset: confirms are serialised by a per-asset
// lock and the commit is a compare-and-set.
func (p *Protocol) Confirm(ctx context.Context, workspaceID string, req ConfirmRequest) (*ConfirmResult, error) {
	if err := p.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	req.Checksum = strings.ToLower(req.Checksum)

	asset, err := p.ownedAsset(ctx, workspaceID, req.AssetID)
	if err != nil {
		return nil, err
	}
	if res, done, err := settled(asset); done {
		p.recordConfirm(res, err)
		return res, err
	}

	release, err := p.locks.Acquire(ctx, "upload:confirm:"+asset.ID, confirmLockTTL)
	if err != nil {
		if errors.Is(err, cache.ErrLockTimeout) {
			return nil, fmt.Errorf("%w: confirm already in progress", domain.ErrTransientStorage)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrTransientStorage, err)
	}
	defer release()

	// another confirm may have committed while we waited for the lock
	asset, err = p.ownedAsset(ctx, workspaceID, req.AssetID)
	if err != nil {
		return nil, err
	}
	if res, done, err := settled(asset); done {
		p.recordConfirm(res, err)
		return res, err
	}

	res, err := p.verify(ctx, asset, req)
	p.recordConfirm(res, err)
	return res, err
}

func (p *Protocol) verify(ctx context.Context, asset *domain.Asset, req ConfirmRequest) (*ConfirmResult, error) {
	if asset.Expired(p.now()) {
		p.fail(ctx, asset, domain.FailureReasonFor(domain.UploadFailureExpired, "upload window expired"))
		return nil, domain.ErrUploadExpired
	}

	info, err := p.blobs.Stat(ctx, asset.StoragePath)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: uploaded object missing", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrTransientStorage, err)
	}

	if info.Size != asset.DeclaredSize || info.Size != req.ActualSize {
		p.fail(ctx, asset, domain.FailureReasonFor(domain.UploadFailureSize,
			fmt.Sprintf("declared %d, reported %d, stored %d", asset.DeclaredSize, req.ActualSize, info.Size)))
		return nil, domain.ErrSizeMismatch
	}
	if req.Checksum != "" && info.MD5 != "" && req.Checksum != info.MD5 {
		p.fail(ctx, asset, domain.FailureReasonFor(domain.UploadFailureChecksum, ""))
		return nil, domain.ErrIntegrity
	}

	patch := domain.AssetPatch{ConfirmedSize: &info.Size}
	if info.MD5 != "" {
		patch.Checksum = &info.MD5
	}
	committed, err := p.assets.TransitionAsset(ctx, asset.ID, domain.StorageStatusPending, domain.StorageStatusUploaded, patch)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// lost a race with the reaper or a lock that expired
			current, getErr := p.assets.GetAsset(ctx, asset.ID)
			if getErr != nil {
				return nil, getErr
			}
			res, _, settledErr := settled(current)
			return res, settledErr
		}
		return nil, fmt.Errorf("commit asset: %w", err)
	}
	if err := p.markers.Clear(ctx, asset.ID); err != nil {
		p.logger.Warn().Err(err).Str("asset_id", asset.ID).Msg("uploads: clear pending marker failed")
	}
	p.logger.Info().Str("asset_id", asset.ID).Int64("size", info.Size).Msg("uploads: confirmed")
	return &ConfirmResult{
		Verified:      true,
		StorageStatus: committed.StorageStatus,
		Size:          info.Size,
	}, nil
}

// settled reports the outcome for an asset that already left pendingUpload.
// A failed asset yields the error that failed it, so retries see one answer.
func settled(asset *domain.Asset) (*ConfirmResult, bool, error) {
	switch asset.StorageStatus {
	case domain.StorageStatusUploaded:
		var size int64
		if asset.ConfirmedSize != nil {
			size = *asset.ConfirmedSize
		}
		return &ConfirmResult{
			Verified:        true,
			StorageStatus:   domain.StorageStatusUploaded,
			Size:            size,
			AlreadyUploaded: true,
		}, true, nil
	case domain.StorageStatusFailed:
		return nil, true, asset.FailureErr()
	}
	return nil, false, nil
}

func (p *Protocol) fail(ctx context.Context, asset *domain.Asset, reason string) {
	_, err := p.assets.TransitionAsset(ctx, asset.ID, domain.StorageStatusPending, domain.StorageStatusFailed, domain.AssetPatch{FailureReason: &reason})
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		p.logger.Error().Err(err).Str("asset_id", asset.ID).Msg("uploads: mark failed")
		return
	}
	if err := p.markers.Clear(ctx, asset.ID); err != nil {
		p.logger.Warn().Err(err).Str("asset_id", asset.ID).Msg("uploads: clear pending marker failed")
	}
	p.logger.Warn().Str("asset_id", asset.ID).Str("reason", reason).Msg("uploads: asset failed")
}

func (p *Protocol) ownedAsset(ctx context.Context, workspaceID, assetID string) (*domain.Asset, error) {
	asset, err := p.assets.GetAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if asset.WorkspaceID != workspaceID {
		// do not reveal assets of other workspaces
		return nil, domain.ErrNotFound
	}
	return asset, nil
}

// RequireUploaded returns the asset when it is uploaded and owned by
// workspaceID.
func (p *Protocol) RequireUploaded(ctx context.Context, workspaceID, assetID string) (*domain.Asset, error) {
	asset, err := p.ownedAsset(ctx, workspaceID, assetID)
	if err != nil {
		return nil, err
	}
	if asset.StorageStatus != domain.StorageStatusUploaded {
		return nil, domain.ErrUploadFailed
	}
	return asset, nil
}

// Reap marks expired pending assets failed. It returns how many were reaped.
func (p *Protocol) Reap(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for {
		ids, err := p.assets.ListExpiredPending(ctx, now, reapBatch)
		if err != nil {
			return total, fmt.Errorf("list expired uploads: %w", err)
		}
		reaped, skipped := 0, 0
		for _, id := range ids {
			// the marker carries the preparing process's TTL; while it is
			// live a client may still be uploading
			if live, err := p.markers.Pending(ctx, id); err != nil {
				p.logger.Warn().Err(err).Str("asset_id", id).Msg("uploads: read pending marker failed")
			} else if live {
				skipped++
				continue
			}
			reason := domain.FailureReasonFor(domain.UploadFailureExpired, "upload window expired")
			_, err := p.assets.TransitionAsset(ctx, id, domain.StorageStatusPending, domain.StorageStatusFailed, domain.AssetPatch{FailureReason: &reason})
			if err != nil {
				if errors.Is(err, domain.ErrConflict) {
					continue
				}
				return total, fmt.Errorf("reap asset %s: %w", id, err)
			}
			if err := p.markers.Clear(ctx, id); err != nil {
				p.logger.Warn().Err(err).Str("asset_id", id).Msg("uploads: clear pending marker failed")
			}
			reaped++
		}
		total += reaped
		metrics.UploadsReaped.Add(float64(reaped))
		if len(ids) < reapBatch || reaped == 0 {
			if skipped > 0 {
				p.logger.Debug().Int("count", skipped).Msg("uploads: expired prepares still marked pending")
			}
			break
		}
	}
	if total > 0 {
		p.logger.Info().Int("count", total).Msg("uploads: reaped expired prepares")
	}
	return total, nil
}

// RunReaper calls Reap every interval until ctx is done.
func (p *Protocol) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Reap(ctx, p.now()); err != nil && ctx.Err() == nil {
				p.logger.Error().Err(err).Msg("uploads: reaper pass failed")
			}
		}
	}
}

func (p *Protocol) recordConfirm(res *ConfirmResult, err error) {
	outcome := "verified"
	switch {
	case err == nil && res != nil && res.AlreadyUploaded:
		outcome = "already_uploaded"
	case errors.Is(err, domain.ErrSizeMismatch):
		outcome = "size_mismatch"
	case errors.Is(err, domain.ErrIntegrity):
		outcome = "checksum_mismatch"
	case errors.Is(err, domain.ErrTransientStorage):
		outcome = "transient"
	case errors.Is(err, domain.ErrUploadExpired):
		outcome = "expired"
	case errors.Is(err, domain.ErrUploadFailed):
		outcome = "failed"
	case errors.Is(err, domain.ErrNotFound):
		outcome = "not_found"
	case err != nil:
		outcome = "error"
	}
	metrics.UploadConfirms.WithLabelValues(outcome).Inc()
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return domain.NewValidationError("body", err.Error())
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[lowerFirst(fe.Field())] = describe(fe)
	}
	return &domain.ValidationError{Fields: fields}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "len":
		return "must be " + fe.Param() + " characters"
	case "hexadecimal":
		return "must be hexadecimal"
	default:
		return "is invalid"
	}
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
