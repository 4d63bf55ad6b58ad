// Command taskctl is the operator CLI for the generation pipeline.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"genpipeline/internal/bootstrap"
	"genpipeline/internal/infra"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := &cli{
		out: os.Stdout,
		open: func(ctx context.Context) (*bootstrap.Components, error) {
			cfg, err := infra.LoadConfig()
			if err != nil {
				return nil, err
			}
			logger := infra.NewLogger(cfg.AppEnv, "taskctl")
			return bootstrap.Build(ctx, cfg, logger, false)
		},
	}
	err := newRootCmd(c).ExecuteContext(ctx)
	if cerr := c.close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Exit(1)
	}
}
