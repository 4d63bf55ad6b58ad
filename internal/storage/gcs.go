package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSStore keeps objects in a Google Cloud Storage bucket and hands out V4
// signed PUT URLs for direct uploads.
type GCSStore struct {
	client      *storage.Client
	bucket      string
	signerEmail string
}

// NewGCSStore creates a client using credentialsFile when given, otherwise
// application default credentials.
func NewGCSStore(ctx context.Context, bucket, credentialsFile, signerEmail string) (*GCSStore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); err != nil {
			return nil, fmt.Errorf("storage: service account key not found at %s: %w", credentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: create gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket, signerEmail: signerEmail}, nil
}

func (s *GCSStore) SignUpload(ctx context.Context, key, contentType string, size int64, expiresAt time.Time) (*UploadTarget, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return nil, err
	}
	opts := &storage.SignedURLOptions{
		Scheme:      storage.SigningSchemeV4,
		Method:      http.MethodPut,
		ContentType: contentType,
		Expires:     expiresAt,
	}
	if s.signerEmail != "" {
		opts.GoogleAccessID = s.signerEmail
	}
	url, err := s.client.Bucket(s.bucket).SignedURL(cleanKey, opts)
	if err != nil {
		return nil, fmt.Errorf("storage: sign upload url: %w", err)
	}
	return &UploadTarget{
		URL:       url,
		Method:    http.MethodPut,
		Headers:   map[string]string{"Content-Type": contentType},
		ExpiresAt: expiresAt,
	}, nil
}

func (s *GCSStore) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return nil, err
	}
	attrs, err := s.client.Bucket(s.bucket).Object(cleanKey).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("storage: object attrs: %w", err)
	}
	info := &ObjectInfo{
		Key:         cleanKey,
		Size:        attrs.Size,
		ContentType: attrs.ContentType,
		UpdatedAt:   attrs.Updated,
	}
	if len(attrs.MD5) > 0 {
		info.MD5 = hex.EncodeToString(attrs.MD5)
	}
	return info, nil
}

func (s *GCSStore) Write(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	w := s.client.Bucket(s.bucket).Object(cleanKey).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "private, max-age=0"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("storage: write gcs object %s: %w", cleanKey, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("storage: close gcs writer for %s: %w", cleanKey, err)
	}
	return cleanKey, nil
}

func (s *GCSStore) Read(ctx context.Context, key string) ([]byte, *ObjectInfo, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return nil, nil, err
	}
	r, err := s.client.Bucket(s.bucket).Object(cleanKey).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, nil, ErrObjectNotFound
		}
		return nil, nil, fmt.Errorf("storage: open gcs object %s: %w", cleanKey, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: read gcs object %s: %w", cleanKey, err)
	}
	return data, &ObjectInfo{
		Key:         cleanKey,
		Size:        r.Attrs.Size,
		ContentType: r.Attrs.ContentType,
		UpdatedAt:   r.Attrs.LastModified,
	}, nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

var _ BlobStore = (*GCSStore)(nil)
