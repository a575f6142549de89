package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	_ "github.com/noah-isme/sma-dismissal-api/api/swagger"
	"github.com/noah-isme/sma-dismissal-api/pkg/config"
	"github.com/noah-isme/sma-dismissal-api/pkg/logger"
)

// @title SMA Dismissal API
// @version 1.0.0
// @description Dismissal session and queue coordination
// @BasePath /
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	root := &cobra.Command{
		Use:          "api-gateway",
		Short:        "Dismissal session and queue coordination server",
		SilenceUsage: true,
	}
	root.AddCommand(
		serveCommand{cfg: cfg, logger: logr}.Command(ctx),
		migrateCommand{cfg: cfg, logger: logr}.Command(ctx),
	)

	if err := root.ExecuteContext(ctx); err != nil {
		logr.Sugar().Fatalw("command failed", "error", err)
	}
}
