package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// MemoryDatabaseURL selects the in-process stores instead of PostgreSQL.
const MemoryDatabaseURL = "memory://"

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv           string
	Port             string
	DatabaseURL      string
	JWTSecret        string
	GeoIPDBPath      string
	DefaultLocale    string
	CORSOrigins      []string
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int

	RedisURL string

	QueueBackend string
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	StorageBackend      string
	StorageDir          string
	StorageBaseURL      string
	UploadSigningSecret string
	GCSBucket           string
	GCSCredentialsFile  string
	GCSSignerEmail      string

	GeminiAPIKey  string
	GeminiModel   string
	GeminiBaseURL string

	EmbeddedWorker    bool
	WorkerMetricsPort string
	WorkerConcurrency int
	WorkerMaxRetries  int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	SoftDeadline      time.Duration
	HardDeadline      time.Duration
	RecoveryInterval  time.Duration

	UploadPrepareTTL time.Duration
	UploadMaxBytes   int64
	ReapInterval     time.Duration

	BrokerBuffer    int
	StreamRecheck   time.Duration
	BalanceCacheTTL time.Duration
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	port := getEnv("PORT", "8080")
	cfg := &Config{
		AppEnv:           getEnv("APP_ENV", "development"),
		Port:             port,
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		GeoIPDBPath:      os.Getenv("GEOIP_DB_PATH"),
		DefaultLocale:    getEnv("DEFAULT_LOCALE", "en"),
		CORSOrigins:      splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT_SECONDS", 15*time.Second),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT_SECONDS", 0),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT_SECONDS", 60*time.Second),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 120),

		RedisURL: os.Getenv("REDIS_URL"),

		QueueBackend: strings.ToLower(getEnv("QUEUE_BACKEND", "postgres")),
		KafkaBrokers: splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "generation-tasks"),
		KafkaGroupID: getEnv("KAFKA_GROUP_ID", "genpipeline-workers"),

		StorageBackend:      strings.ToLower(getEnv("STORAGE_BACKEND", "filesystem")),
		StorageDir:          getEnv("STORAGE_DIR", "./storage"),
		StorageBaseURL:      getEnv("STORAGE_BASE_URL", "http://localhost:"+port),
		UploadSigningSecret: os.Getenv("UPLOAD_SIGNING_SECRET"),
		GCSBucket:           os.Getenv("GCS_BUCKET"),
		GCSCredentialsFile:  os.Getenv("GCS_CREDENTIALS_FILE"),
		GCSSignerEmail:      os.Getenv("GCS_SIGNER_EMAIL"),

		GeminiAPIKey:  os.Getenv("GEMINI_API_KEY"),
		GeminiModel:   getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		GeminiBaseURL: getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),

		EmbeddedWorker:    getEnvBool("EMBEDDED_WORKER", false),
		WorkerMetricsPort: getEnv("WORKER_METRICS_PORT", "9090"),
		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 4),
		WorkerMaxRetries:  getEnvInt("WORKER_MAX_RETRIES", 3),
		RetryBaseDelay:    getEnvDuration("WORKER_RETRY_BASE_SECONDS", 2*time.Second),
		RetryMaxDelay:     getEnvDuration("WORKER_RETRY_MAX_SECONDS", 30*time.Second),
		SoftDeadline:      getEnvDuration("WORKER_SOFT_DEADLINE_SECONDS", 90*time.Second),
		HardDeadline:      getEnvDuration("WORKER_HARD_DEADLINE_SECONDS", 120*time.Second),
		RecoveryInterval:  getEnvDuration("WORKER_RECOVERY_SECONDS", 30*time.Second),

		UploadPrepareTTL: getEnvDuration("UPLOAD_PREPARE_TTL_SECONDS", 30*time.Minute),
		UploadMaxBytes:   int64(getEnvInt("UPLOAD_MAX_BYTES", 50<<20)),
		ReapInterval:     getEnvDuration("UPLOAD_REAP_SECONDS", time.Minute),

		BrokerBuffer:    getEnvInt("BROKER_BUFFER", 16),
		StreamRecheck:   getEnvDuration("STREAM_RECHECK_SECONDS", 5*time.Second),
		BalanceCacheTTL: getEnvDuration("BALANCE_CACHE_TTL_SECONDS", 5*time.Minute),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	if cfg.UploadSigningSecret == "" {
		cfg.UploadSigningSecret = cfg.JWTSecret
	}

	switch cfg.QueueBackend {
	case "postgres", "kafka", "memory":
	default:
		return nil, fmt.Errorf("unsupported QUEUE_BACKEND %q", cfg.QueueBackend)
	}
	if cfg.InMemory() && cfg.QueueBackend == "postgres" {
		cfg.QueueBackend = "memory"
	}

	switch cfg.StorageBackend {
	case "filesystem":
	case "gcs":
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("GCS_BUCKET is required for the gcs storage backend")
		}
	default:
		return nil, fmt.Errorf("unsupported STORAGE_BACKEND %q", cfg.StorageBackend)
	}

	if cfg.HardDeadline < cfg.SoftDeadline {
		cfg.HardDeadline = cfg.SoftDeadline
	}
	if cfg.WorkerConcurrency < 1 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.WorkerMaxRetries < 1 {
		cfg.WorkerMaxRetries = 1
	}

	return cfg, nil
}

// InMemory reports whether the process runs on the in-memory stores.
func (c *Config) InMemory() bool {
	return c.DatabaseURL == MemoryDatabaseURL
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

// getEnvDuration reads a whole number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			return time.Duration(i) * time.Second
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
