package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-dismissal-api/internal/handler"
	"github.com/noah-isme/sma-dismissal-api/internal/middleware"
	"github.com/noah-isme/sma-dismissal-api/internal/realtime"
	"github.com/noah-isme/sma-dismissal-api/internal/repository"
	"github.com/noah-isme/sma-dismissal-api/internal/service"
	"github.com/noah-isme/sma-dismissal-api/pkg/cache"
	"github.com/noah-isme/sma-dismissal-api/pkg/config"
	"github.com/noah-isme/sma-dismissal-api/pkg/database"
	"github.com/noah-isme/sma-dismissal-api/pkg/jobs"
	"github.com/noah-isme/sma-dismissal-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/sma-dismissal-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/sma-dismissal-api/pkg/middleware/requestid"
)

const shutdownTimeout = 10 * time.Second

type serveCommand struct {
	cfg    *config.Config
	logger *zap.Logger
}

func (cmd serveCommand) Command(ctx context.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the dismissal API server",
		RunE: func(_ *cobra.Command, _ []string) error {
			return cmd.run(ctx)
		},
	}
}

func (cmd serveCommand) run(ctx context.Context) error {
	cfg, logr := cmd.cfg, cmd.logger

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()

	metrics := service.NewMetricsService()
	retry := repository.WithRetryPolicy(database.RetryPolicy{
		Attempts: cfg.Database.RetryAttempts,
		Backoff:  cfg.Database.RetryBackoff,
		OnRetry:  metrics.RecordStoreRetry,
	})
	sessions := repository.NewSessionRepository(db, retry)
	queue := repository.NewQueueRepository(db, retry)
	changes := repository.NewChangeRepository(db, retry)
	activity := repository.NewActivityRepository(db, retry)
	roster := repository.NewRosterRepository(db, retry)

	hub := realtime.NewHub(
		realtime.WithBuffer(cfg.Realtime.SubscriberBuffer),
		realtime.WithObserver(metrics),
		realtime.WithLogger(logr),
	)
	router := realtime.NewRouter(hub, roster, logr)

	var redisClient *redis.Client
	if cfg.Realtime.RelayEnabled {
		redisClient, err = cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisClient.Close()

		relay := realtime.NewRedisRelay(redisClient, cfg.Realtime.RelayChannel, router, logr)
		router.SetForwarder(relay)
		go func() {
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logr.Error("realtime relay stopped", zap.Error(err))
			}
		}()
		logr.Info("realtime relay enabled", zap.String("addr", cache.Addr(cfg.Redis)), zap.String("channel", cfg.Realtime.RelayChannel))
	}

	engine := service.NewDismissalService(sessions, queue, changes, activity, roster, validator.New(), logr, cfg.Dismissal,
		service.WithDismissalPublisher(router),
		service.WithDismissalMetrics(metrics),
	)

	if cfg.Scheduler.Enabled {
		scheduler := service.NewSessionScheduler(roster, sessions, engine, metrics, logr, cfg.Scheduler)
		starts := jobs.NewQueue(service.StartJobType, scheduler.HandleStart, jobs.QueueConfig{
			Workers:    cfg.Scheduler.Workers,
			MaxRetries: cfg.Scheduler.Retries,
			RetryDelay: cfg.Database.RetryBackoff,
			Retryable:  service.RetryableStartError,
			Logger:     logr,
		})
		starts.Start(ctx)
		defer starts.Stop()
		scheduler.SetQueue(starts)
		scheduler.Start(ctx)
		logr.Info("session scheduler enabled", zap.Duration("poll_interval", cfg.Scheduler.PollInterval))
	}

	routes := handler.Routes{
		Auth:      middleware.JWT(service.NewTokenVerifier(cfg.JWT)),
		Dismissal: handler.NewDismissalHandler(engine),
		Stream:    handler.NewStreamHandler(router, engine, cfg.Realtime.Heartbeat, logr),
	}
	if cfg.Reports.Enabled {
		reports := service.NewReportService(sessions, activity, logr, cfg.Dismissal.OperationTimeout, nil)
		routes.Reports = handler.NewReportHandler(reports)
	}

	checks := map[string]handler.ReadinessCheck{
		"database": db.PingContext,
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return cache.Ping(ctx, redisClient) }
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           newEngine(cfg, logr, metrics, routes, handler.NewMetricsHandler(metrics, checks)),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	return serve(ctx, srv, logr, cfg)
}

func newEngine(cfg *config.Config, logr *zap.Logger, metrics *service.MetricsService, routes handler.Routes, ops *handler.MetricsHandler) *gin.Engine {
	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))

	r.GET("/health", ops.Health)
	r.GET("/ready", ops.Ready)
	r.GET("/metrics", ops.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	routes.Register(r.Group(cfg.APIPrefix))
	return r
}

func serve(ctx context.Context, srv *http.Server, logr *zap.Logger, cfg *config.Config) error {
	errCh := make(chan error, 1)
	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logr.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
