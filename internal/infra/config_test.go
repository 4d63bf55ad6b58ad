package infra

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("PORT", "")
	t.Setenv("STORAGE_BASE_URL", "")
	t.Setenv("UPLOAD_PREPARE_TTL_SECONDS", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.StorageBaseURL != "http://localhost:8080" {
		t.Fatalf("StorageBaseURL mismatch: got %q", cfg.StorageBaseURL)
	}
	if cfg.UploadPrepareTTL != 30*time.Minute {
		t.Fatalf("UploadPrepareTTL mismatch: got %s", cfg.UploadPrepareTTL)
	}
	if cfg.WorkerMaxRetries != 3 {
		t.Fatalf("WorkerMaxRetries mismatch: got %d", cfg.WorkerMaxRetries)
	}
	if cfg.UploadSigningSecret != "test-secret" {
		t.Fatalf("expected signing secret to fall back to JWT secret, got %q", cfg.UploadSigningSecret)
	}
	if cfg.QueueBackend != "postgres" {
		t.Fatalf("QueueBackend mismatch: got %q", cfg.QueueBackend)
	}
}

func TestLoadConfigInheritsPortInStorageBaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("PORT", "1919")
	t.Setenv("STORAGE_BASE_URL", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.StorageBaseURL != "http://localhost:1919" {
		t.Fatalf("StorageBaseURL mismatch: got %q", cfg.StorageBaseURL)
	}
}

func TestLoadConfigMemoryDatabaseUsesMemoryQueue(t *testing.T) {
	t.Setenv("DATABASE_URL", MemoryDatabaseURL)
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("QUEUE_BACKEND", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if !cfg.InMemory() || cfg.QueueBackend != "memory" {
		t.Fatalf("expected in-memory config with memory queue, got %v/%q", cfg.InMemory(), cfg.QueueBackend)
	}
}

func TestLoadConfigRejectsInvalidBackends(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{name: "queue", env: map[string]string{"QUEUE_BACKEND": "sqs"}},
		{name: "storage", env: map[string]string{"STORAGE_BACKEND": "s3"}},
		{name: "gcs without bucket", env: map[string]string{"STORAGE_BACKEND": "gcs", "GCS_BUCKET": ""}},
		{name: "missing secret", env: map[string]string{"JWT_SECRET": ""}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("DATABASE_URL", "postgres://example")
			t.Setenv("JWT_SECRET", "test-secret")
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := LoadConfig(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadConfigClampsDeadlines(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("WORKER_SOFT_DEADLINE_SECONDS", "60")
	t.Setenv("WORKER_HARD_DEADLINE_SECONDS", "10")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.HardDeadline != 60*time.Second {
		t.Fatalf("expected hard deadline clamped to soft, got %s", cfg.HardDeadline)
	}
}
