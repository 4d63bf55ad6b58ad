package domain

import (
	"strings"
	"time"
)

// StorageStatus enumerates the upload commit states of an asset.
type StorageStatus string

const (
	StorageStatusPending  StorageStatus = "pendingUpload"
	StorageStatusUploaded StorageStatus = "uploaded"
	StorageStatusFailed   StorageStatus = "failed"
)

// Asset is a client-provided file moving through the two-phase upload commit.
type Asset struct {
	ID            string
	WorkspaceID   string
	Filename      string
	ContentType   string
	StorageStatus StorageStatus
	StoragePath   string
	DeclaredSize  int64
	ConfirmedSize *int64
	Checksum      *string
	FailureReason *string
	ExpiresAt     time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Expired reports whether the prepare-phase TTL has elapsed.
func (a Asset) Expired(now time.Time) bool {
	return a.StorageStatus == StorageStatusPending && !now.Before(a.ExpiresAt)
}

// Failure codes lead Asset.FailureReason so a repeated confirm reports the
// error that failed the asset.
const (
	UploadFailureSize     = "size_mismatch"
	UploadFailureChecksum = "checksum_mismatch"
	UploadFailureExpired  = "upload_expired"
)

// FailureReasonFor formats a stored failure reason led by code.
func FailureReasonFor(code, detail string) string {
	if detail == "" {
		return code
	}
	return code + ": " + detail
}

// FailureErr maps a failed asset back to the error that failed it.
// Reasons without a known code give ErrUploadFailed.
func (a Asset) FailureErr() error {
	if a.FailureReason == nil {
		return ErrUploadFailed
	}
	code, _, _ := strings.Cut(*a.FailureReason, ":")
	switch strings.TrimSpace(code) {
	case UploadFailureSize:
		return ErrSizeMismatch
	case UploadFailureChecksum:
		return ErrIntegrity
	case UploadFailureExpired:
		return ErrUploadExpired
	}
	return ErrUploadFailed
}

// AssetPatch carries fields written together with a storage transition.
type AssetPatch struct {
	ConfirmedSize *int64
	Checksum      *string
	FailureReason *string
}
