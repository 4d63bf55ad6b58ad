package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"genpipeline/internal/bootstrap"
	"genpipeline/internal/http/handlers"
	"genpipeline/internal/http/httpapi"
	"genpipeline/internal/infra"
	"genpipeline/internal/infra/geoip"
	"genpipeline/internal/middleware"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	comps, err := bootstrap.Build(ctx, cfg, logger, cfg.EmbeddedWorker)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: failed to wire components")
	}
	defer func() {
		if err := comps.Close(); err != nil {
			logger.Error().Err(err).Msg("api: close components")
		}
	}()

	resolver, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("api: geoip disabled")
	}
	defer resolver.Close()

	app := handlers.NewApp(comps.Gateway, comps.Uploads, comps.Ledger, comps.Files, logger)
	app.Blobs = comps.Blobs
	for name, check := range comps.HealthChecks() {
		app.Checks[name] = check
	}

	limiter := middleware.NewIPRateLimiter(cfg.RateLimitPerMin, time.Minute)
	router := httpapi.NewRouter(app, httpapi.Options{
		JWTSecret:     cfg.JWTSecret,
		CORSOrigins:   cfg.CORSOrigins,
		DefaultLocale: cfg.DefaultLocale,
		Countries:     resolver.Lookup(),
		Limiter:       limiter,
		Logger:        logger,
	})
	server := infra.NewHTTPServer(cfg, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", server.Addr()).Bool("embedded_worker", cfg.EmbeddedWorker).Msg("api: listening")
		return server.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				limiter.Cleanup(10 * time.Minute)
			}
		}
	})

	if cfg.EmbeddedWorker {
		exec, err := comps.Executor(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("api: failed to configure executor")
		}
		g.Go(func() error {
			if err := exec.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			comps.Uploads.RunReaper(gctx, cfg.ReapInterval)
			return nil
		})
	} else if cfg.QueueBackend == "memory" {
		logger.Warn().Msg("api: memory queue without EMBEDDED_WORKER, submitted tasks will not run")
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("api: stopped with error")
		return
	}
	logger.Info().Msg("api: stopped")
}
