package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"genpipeline/internal/bootstrap"
	"genpipeline/internal/infra"
	"genpipeline/internal/metrics"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	comps, err := bootstrap.Build(ctx, cfg, logger, true)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to wire components")
	}
	defer func() {
		if err := comps.Close(); err != nil {
			logger.Error().Err(err).Msg("worker: close components")
		}
	}()

	exec, err := comps.Executor(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure executor")
	}

	// workers expose only metrics
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsCfg := *cfg
	metricsCfg.Port = cfg.WorkerMetricsPort
	server := infra.NewHTTPServer(&metricsCfg, mux)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// pick up tasks queued while no worker was running
		if n, err := exec.Recover(gctx); err != nil {
			logger.Warn().Err(err).Msg("worker: startup recovery failed")
		} else if n > 0 {
			logger.Info().Int("count", n).Msg("worker: recovered queued tasks at startup")
		}
		if err := exec.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		comps.Uploads.RunReaper(gctx, cfg.ReapInterval)
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("addr", server.Addr()).Msg("worker: metrics listening")
		return server.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("worker: stopped with error")
		return
	}
	logger.Info().Msg("worker: stopped")
}
