package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httphandlers "rillchat/internal/handlers/http"
	"rillchat/internal/infrastructure/distributed"
	"rillchat/internal/infrastructure/middleware"
	"rillchat/internal/infrastructure/monitoring"
	"rillchat/internal/infrastructure/repositories"
	signalsrv "rillchat/internal/infrastructure/signal"
	"rillchat/pkg/config"
	"rillchat/pkg/logger"
	"rillchat/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var defaultConfigPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/root/configs/config.yaml",
	"config.yaml",
}

func main() {
	var configPath string

	cmd := &cobra.Command{
		Use:           "rillchat-signal",
		Short:         "Signaling server for rillchat rooms",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config.yaml")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	for _, p := range defaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return config.Load(p)
		}
	}
	return config.Load("")
}

func run(ctx context.Context, cfg *config.Config) error {
	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "rillchat-signal",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	repoFactory := repositories.NewRepositoryFactory(ctx, cfg, log)
	identities := repoFactory.CreateIdentityRegistry()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := signalsrv.Options{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		IdentityTTL:    cfg.Signal.IdentityTTL,
		MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		AllowedOrigins: cfg.Signal.AllowedOrigins,
	}
	if cfg.RateLimiting.Enabled {
		opts.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		opts.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	serverOpts := []signalsrv.ServerOption{
		signalsrv.WithMetrics(monitoring.NewSignalCollector(reg)),
		signalsrv.WithLogger(log.Named("signal")),
	}
	var bus *distributed.SignalBus
	if client := repoFactory.RedisClient(); client != nil {
		bus = distributed.NewSignalBus(client, "signal-"+uuid.NewString()[:8], log.Named("bus"))
		serverOpts = append(serverOpts, signalsrv.WithRelay(bus))
	}
	wsServer := signalsrv.NewWebSocketServer(identities, opts, serverOpts...)

	health := monitoring.NewHealthChecker()
	health.AddIdentityRegistryCheck(identities, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, 2*time.Second)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLogMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)
	httphandlers.NewSignalHandler(wsServer, health, identities, reg).SetupRoutes(router)

	srv := &http.Server{
		Addr:              cfg.Signal.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("starting rillchat signaling server",
			"address", cfg.Signal.Address,
			"redis", repoFactory.UsingRedis(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if bus != nil {
		g.Go(func() error {
			return bus.Run(gctx, wsServer.Deliver)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down signaling server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
		defer cancel()

		// Hijacked websocket connections are not tracked by http.Server.
		wsServer.Shutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("graceful shutdown failed", "error", err)
			_ = srv.Close()
		}
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warnw("tracer shutdown failed", "error", err)
		}
		return nil
	})

	err = g.Wait()
	if closeErr := repoFactory.Close(); closeErr != nil {
		log.Errorw("error closing repository factory", "error", closeErr)
	}
	log.Info("signaling server stopped")
	return err
}
