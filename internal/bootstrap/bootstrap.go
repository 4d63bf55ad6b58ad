// Package bootstrap assembles the pipeline components from configuration.
// Every command builds on it so the API, the worker and taskctl agree on
// which backends are in use.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"genpipeline/internal/adapter/memstore"
	"genpipeline/internal/adapter/repo"
	"genpipeline/internal/broker"
	"genpipeline/internal/cache"
	"genpipeline/internal/domain"
	"genpipeline/internal/gateway"
	"genpipeline/internal/generator"
	"genpipeline/internal/infra"
	"genpipeline/internal/infra/credentials"
	"genpipeline/internal/ledger"
	"genpipeline/internal/queue"
	"genpipeline/internal/retry"
	"genpipeline/internal/storage"
	"genpipeline/internal/uploads"
	"genpipeline/internal/worker"
)

// Components holds the wired services of one process.
type Components struct {
	Cfg    *infra.Config
	Logger infra.Logger

	Pool  *pgxpool.Pool // nil on the in-memory stores
	SQL   infra.SQLExecutor
	Redis *redis.Client // nil when REDIS_URL is unset

	Tasks   domain.TaskStore
	Credits domain.CreditStore
	Assets  domain.AssetStore

	Ledger  *ledger.Ledger
	Events  broker.PubSub
	Queue   queue.Queue
	Blobs   storage.BlobStore
	Files   *storage.FileStore // nil for the gcs backend
	Uploads *uploads.Protocol
	Gateway *gateway.Gateway

	closers []func() error
}

// Build connects to the configured backends. consume reports whether this
// process dequeues tasks; API-only processes just publish them.
func Build(ctx context.Context, cfg *infra.Config, logger infra.Logger, consume bool) (*Components, error) {
	c := &Components{Cfg: cfg, Logger: logger}
	if err := c.build(ctx, consume); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Components) build(ctx context.Context, consume bool) error {
	cfg := c.Cfg

	if cfg.InMemory() {
		c.Logger.Warn().Msg("bootstrap: using in-memory stores, state is lost on exit")
		c.Tasks = memstore.NewTaskStore()
		c.Credits = memstore.NewCreditStore()
		c.Assets = memstore.NewAssetStore()
	} else {
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			return err
		}
		c.Pool = pool
		c.closers = append(c.closers, func() error { pool.Close(); return nil })
		c.SQL = infra.NewSQLRunner(pool, infra.Component(c.Logger, "sql"))
		c.Tasks = repo.NewTaskRepository(c.SQL)
		c.Credits = repo.NewCreditRepository(c.SQL)
		c.Assets = repo.NewUploadRepository(c.SQL)
	}

	rdb, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		return err
	}
	var (
		balances cache.BalanceCache
		markers  cache.UploadMarkers
		locks    cache.Locker
	)
	if rdb != nil {
		c.Redis = rdb
		c.closers = append(c.closers, rdb.Close)
		balances = cache.NewRedisBalanceCache(rdb, cfg.BalanceCacheTTL)
		markers = cache.NewRedisUploadMarkers(rdb)
		locks = cache.NewRedisLocker(rdb)
		c.Events = broker.NewRedisBroker(rdb, cfg.BrokerBuffer, infra.Component(c.Logger, "broker"))
	} else {
		if !cfg.InMemory() {
			c.Logger.Warn().Msg("bootstrap: REDIS_URL unset, cache and progress events are process-local")
		}
		balances = cache.NewMemoryBalanceCache(cfg.BalanceCacheTTL)
		markers = cache.NewMemoryUploadMarkers()
		locks = cache.NewMemoryLocker()
		c.Events = broker.New(cfg.BrokerBuffer)
	}

	if err := c.buildQueue(consume); err != nil {
		return err
	}
	if err := c.buildBlobs(ctx); err != nil {
		return err
	}

	c.Ledger = ledger.New(c.Credits, balances, infra.Component(c.Logger, "ledger"))
	c.Uploads = uploads.NewProtocol(c.Assets, c.Blobs, markers, locks, infra.Component(c.Logger, "uploads"), uploads.Options{
		PrepareTTL: cfg.UploadPrepareTTL,
		MaxBytes:   cfg.UploadMaxBytes,
	})
	c.Gateway = gateway.New(c.Tasks, c.Ledger, c.Queue, c.Events, c.Uploads, infra.Component(c.Logger, "gateway"), gateway.Options{
		StreamRecheck: cfg.StreamRecheck,
		StreamBuffer:  cfg.BrokerBuffer,
	})
	return nil
}

func (c *Components) buildQueue(consume bool) error {
	cfg := c.Cfg
	switch cfg.QueueBackend {
	case "memory":
		if !consume {
			c.Logger.Warn().Msg("bootstrap: memory queue without a local consumer, tasks wait for recovery")
		}
		c.Queue = queue.NewMemory()
	case "postgres":
		if c.SQL == nil {
			return errors.New("bootstrap: postgres queue needs a database")
		}
		q, err := queue.NewPostgres(c.SQL, cfg.DatabaseURL, consume, infra.Component(c.Logger, "queue"))
		if err != nil {
			return err
		}
		c.Queue = q
	case "kafka":
		group := ""
		if consume {
			group = cfg.KafkaGroupID
		}
		q, err := queue.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic, group, infra.Component(c.Logger, "queue"))
		if err != nil {
			return err
		}
		c.Queue = q
	default:
		return fmt.Errorf("bootstrap: unsupported queue backend %q", cfg.QueueBackend)
	}
	c.closers = append(c.closers, c.Queue.Close)
	return nil
}

func (c *Components) buildBlobs(ctx context.Context) error {
	cfg := c.Cfg
	switch cfg.StorageBackend {
	case "gcs":
		gcs, err := storage.NewGCSStore(ctx, cfg.GCSBucket, cfg.GCSCredentialsFile, cfg.GCSSignerEmail)
		if err != nil {
			return err
		}
		c.Blobs = gcs
		c.closers = append(c.closers, gcs.Close)
	default:
		files, err := storage.NewFileStore(cfg.StorageDir, cfg.StorageBaseURL, cfg.UploadSigningSecret)
		if err != nil {
			return err
		}
		c.Files = files
		c.Blobs = files
	}
	return nil
}

// Generator picks the HTTP generator when a provider key is available from
// the environment or the integration_tokens table, and the synthetic one
// otherwise.
func (c *Components) Generator(ctx context.Context) (generator.Generator, error) {
	var store *credentials.Store
	if c.SQL != nil {
		store = credentials.NewStore(c.SQL)
	}
	resolved, err := credentials.ResolveGeminiKey(ctx, store, c.Cfg.GeminiAPIKey)
	if err != nil {
		c.Logger.Warn().Err(err).Msg("bootstrap: failed to load gemini api key from store")
	}
	if resolved.Key == "" {
		c.Logger.Warn().Msg("bootstrap: gemini api key missing, using synthetic generation")
		return generator.NewSyntheticGenerator(250*time.Millisecond, infra.Component(c.Logger, "generator")), nil
	}
	model := c.Cfg.GeminiModel
	if resolved.Model != "" {
		model = resolved.Model
	}
	gen, err := generator.NewHTTPGenerator(generator.Options{
		APIKey:     resolved.Key,
		BaseURL:    c.Cfg.GeminiBaseURL,
		Model:      model,
		HTTPClient: &http.Client{Timeout: c.Cfg.HardDeadline},
		Logger:     infra.Component(c.Logger, "generator"),
	})
	if err != nil {
		return nil, err
	}
	c.Logger.Info().Str("model", gen.Model()).Str("key_source", resolved.Source).Msg("bootstrap: gemini generator configured")
	return gen, nil
}

// Executor builds the worker executor on top of the shared components.
func (c *Components) Executor(ctx context.Context) (*worker.Executor, error) {
	gen, err := c.Generator(ctx)
	if err != nil {
		return nil, err
	}
	policy := retry.DefaultPolicy()
	policy.MaxAttempts = c.Cfg.WorkerMaxRetries
	policy.BaseDelay = c.Cfg.RetryBaseDelay
	policy.MaxDelay = c.Cfg.RetryMaxDelay
	return worker.NewExecutor(c.Tasks, c.Queue, gen, c.Ledger, c.Blobs, c.Events, infra.Component(c.Logger, "worker"), worker.Options{
		Concurrency:      c.Cfg.WorkerConcurrency,
		Policy:           policy,
		SoftDeadline:     c.Cfg.SoftDeadline,
		HardDeadline:     c.Cfg.HardDeadline,
		RecoveryInterval: c.Cfg.RecoveryInterval,
	}), nil
}

// HealthChecks returns probes for the connected backing services.
func (c *Components) HealthChecks() map[string]func(context.Context) error {
	checks := map[string]func(context.Context) error{}
	if c.Pool != nil {
		checks["database"] = c.Pool.Ping
	}
	if c.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return c.Redis.Ping(ctx).Err() }
	}
	return checks
}

// Close releases connections in reverse order of creation.
func (c *Components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
