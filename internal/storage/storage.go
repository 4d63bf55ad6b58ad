// Package storage abstracts the blob store holding uploaded source files and
// generated artifacts.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// ErrObjectNotFound is returned by Stat when no object exists at the key.
var ErrObjectNotFound = errors.New("storage: object not found")

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key         string
	Size        int64
	MD5         string // lowercase hex, empty when the backend does not report one
	ContentType string
	UpdatedAt   time.Time
}

// UploadTarget is a time-limited credential letting a client write one
// object directly.
type UploadTarget struct {
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

// BlobStore is implemented by FileStore and GCSStore.
type BlobStore interface {
	SignUpload(ctx context.Context, key, contentType string, size int64, expiresAt time.Time) (*UploadTarget, error)
	Stat(ctx context.Context, key string) (*ObjectInfo, error)
	Write(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Read(ctx context.Context, key string) ([]byte, *ObjectInfo, error)
}

// UploadKey is where a client upload for assetID lands.
func UploadKey(workspaceID, assetID, filename string) string {
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(filename), "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "upload"
	}
	return fmt.Sprintf("uploads/%s/%s/%s", workspaceID, assetID, name)
}

// ArtifactKey is where the index-th generated artifact of a task is stored.
func ArtifactKey(kind, taskID, mime string, index int) string {
	if index < 0 {
		index = 0
	}
	ext := ExtensionForMIME(mime)
	if ext == "" {
		ext = ".bin"
	}
	return fmt.Sprintf("generated/%s/%s/%s-%02d%s", kind, taskID, kind, index+1, ext)
}

// EnsureExtension appends the extension matching mime when key has none.
func EnsureExtension(key, mime string) string {
	if key == "" {
		return key
	}
	expected := ExtensionForMIME(mime)
	if expected == "" {
		return key
	}
	if filepath.Ext(key) == "" {
		return key + expected
	}
	return key
}

// MIMEForExtension is the inverse of ExtensionForMIME.
func MIMEForExtension(key string) string {
	switch strings.ToLower(filepath.Ext(key)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".txt":
		return "text/plain"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

func ExtensionForMIME(mime string) string {
	switch strings.ToLower(strings.TrimSpace(mime)) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "text/plain":
		return ".txt"
	case "application/json":
		return ".json"
	default:
		return ""
	}
}
