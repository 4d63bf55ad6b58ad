package storage

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrInvalidUploadToken is returned by AcceptUpload for forged, expired or
// malformed tokens.
var ErrInvalidUploadToken = errors.New("storage: invalid upload token")

// ErrUploadTooLarge is returned when the body exceeds the signed size.
var ErrUploadTooLarge = errors.New("storage: upload exceeds signed size")

// FileStore persists objects onto the local filesystem. It is intended for
// development and single-node deployments; direct uploads go through the
// API's PUT /v1/uploads/blob/{token} route with an HMAC-signed token.
type FileStore struct {
	basePath  string
	uploadURL string
	secret    []byte
	now       func() time.Time
}

// NewFileStore initializes a FileStore rooted at basePath. uploadBaseURL is
// the public origin of the API that accepts direct uploads.
func NewFileStore(basePath, uploadBaseURL, signingSecret string) (*FileStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("storage: base path is required")
	}
	if !filepath.IsAbs(basePath) {
		if abs, err := filepath.Abs(basePath); err == nil {
			basePath = abs
		}
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure base path: %w", err)
	}
	return &FileStore{
		basePath:  basePath,
		uploadURL: strings.TrimRight(uploadBaseURL, "/") + "/v1/uploads/blob/",
		secret:    []byte(signingSecret),
		now:       time.Now,
	}, nil
}

// BasePath returns the configured root directory.
func (s *FileStore) BasePath() string {
	if s == nil {
		return ""
	}
	return s.basePath
}

type uploadClaims struct {
	Key         string `json:"k"`
	ContentType string `json:"ct"`
	Size        int64  `json:"sz"`
	Exp         int64  `json:"exp"`
}

// SignUpload issues a token-bearing PUT URL for key.
func (s *FileStore) SignUpload(ctx context.Context, key, contentType string, size int64, expiresAt time.Time) (*UploadTarget, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(uploadClaims{Key: cleanKey, ContentType: contentType, Size: size, Exp: expiresAt.Unix()})
	if err != nil {
		return nil, err
	}
	data := base64.RawURLEncoding.EncodeToString(payload)
	token := data + "." + s.sign(data)
	return &UploadTarget{
		URL:       s.uploadURL + token,
		Method:    http.MethodPut,
		Headers:   map[string]string{"Content-Type": contentType},
		ExpiresAt: expiresAt,
	}, nil
}

func (s *FileStore) sign(data string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(data))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// AcceptUpload verifies token and streams body into the signed key. Bodies
// larger than the signed size are rejected; smaller ones are stored so that
// confirm can report the mismatch.
func (s *FileStore) AcceptUpload(ctx context.Context, token string, body io.Reader) (*ObjectInfo, error) {
	data, sig, ok := strings.Cut(token, ".")
	if !ok || !hmac.Equal([]byte(s.sign(data)), []byte(sig)) {
		return nil, ErrInvalidUploadToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		return nil, ErrInvalidUploadToken
	}
	var claims uploadClaims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, ErrInvalidUploadToken
	}
	if s.now().Unix() > claims.Exp {
		return nil, ErrInvalidUploadToken
	}

	fullPath := filepath.Join(s.basePath, filepath.FromSlash(claims.Key))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("storage: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, io.LimitReader(body, claims.Size+1))
	closeErr := tmp.Close()
	if err != nil {
		return nil, fmt.Errorf("storage: write upload: %w", err)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("storage: close upload: %w", closeErr)
	}
	if n > claims.Size {
		return nil, ErrUploadTooLarge
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		return nil, fmt.Errorf("storage: commit upload: %w", err)
	}
	return s.Stat(ctx, claims.Key)
}

// Stat reports the size and MD5 of the object at key.
func (s *FileStore) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return nil, err
	}
	fullPath := filepath.Join(s.basePath, filepath.FromSlash(cleanKey))
	f, err := os.Open(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("storage: stat: %w", err)
	}
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("storage: checksum: %w", err)
	}
	return &ObjectInfo{
		Key:       cleanKey,
		Size:      fi.Size(),
		MD5:       hex.EncodeToString(h.Sum(nil)),
		UpdatedAt: fi.ModTime(),
	}, nil
}

// Write persists the provided bytes at the given relative key and returns the
// canonicalized storage key. Keys are cleaned to prevent directory traversal.
func (s *FileStore) Write(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if s == nil {
		return "", errors.New("storage: no store configured")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	fullPath := filepath.Join(s.basePath, filepath.FromSlash(cleanKey))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("storage: ensure directory: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return "", fmt.Errorf("storage: write file: %w", err)
	}
	return cleanKey, nil
}

// Read loads the object at key.
func (s *FileStore) Read(ctx context.Context, key string) ([]byte, *ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return nil, nil, err
	}
	fullPath := filepath.Join(s.basePath, filepath.FromSlash(cleanKey))
	data, err := os.ReadFile(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, ErrObjectNotFound
		}
		return nil, nil, fmt.Errorf("storage: read file: %w", err)
	}
	info := &ObjectInfo{
		Key:         cleanKey,
		Size:        int64(len(data)),
		ContentType: MIMEForExtension(cleanKey),
	}
	if fi, err := os.Stat(fullPath); err == nil {
		info.UpdatedAt = fi.ModTime()
	}
	return data, info, nil
}

// sanitizeKey normalizes a key and prevents escaping the storage root.
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("storage: key is required")
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	key = strings.TrimLeft(key, "/")
	cleaned := filepath.ToSlash(filepath.Clean(key))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.New("storage: invalid key")
	}
	return cleaned, nil
}

var _ BlobStore = (*FileStore)(nil)
