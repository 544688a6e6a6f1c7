package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"rillchat/internal/core/domain"
	"rillchat/internal/core/services"
	"rillchat/internal/infrastructure/assistant"
	"rillchat/internal/infrastructure/monitoring"
	"rillchat/internal/infrastructure/webrtc"
	"rillchat/pkg/config"
	"rillchat/pkg/logger"
	"rillchat/pkg/tracing"
	"rillchat/pkg/validation"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var defaultConfigPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"config.yaml",
}

type peerFlags struct {
	configPath string
	signalURL  string
	host       bool
	guest      bool
	strict     bool
}

func main() {
	var flags peerFlags

	cmd := &cobra.Command{
		Use:           "rillchat <room-code>",
		Short:         "Join or host a rillchat room",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			room := strings.TrimSpace(args[0])
			if err := validation.ValidateRoomCode(room); err != nil {
				return err
			}
			cfg, err := loadConfig(flags.configPath)
			if err != nil {
				return err
			}
			if flags.signalURL != "" {
				cfg.Signal.URL = flags.signalURL
			}
			if flags.strict {
				cfg.Session.StrictHost = true
			}
			return run(cmd.Context(), cfg, domain.RoomCode(room), flags)
		},
	}
	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "path to config.yaml")
	cmd.Flags().StringVar(&flags.signalURL, "signal", "", "signaling server URL, overrides signal.url")
	cmd.Flags().BoolVar(&flags.host, "host", false, "try to host the room first (default)")
	cmd.Flags().BoolVar(&flags.guest, "guest", false, "join as a guest without trying to host")
	cmd.Flags().BoolVar(&flags.strict, "strict-host", false, "fail instead of joining as guest when the room already has a host")
	cmd.MarkFlagsMutuallyExclusive("host", "guest")

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

func sessionConfig(cfg *config.Config, room domain.RoomCode) services.SessionConfig {
	sc := services.DefaultSessionConfig(room)
	sc.StrictHost = cfg.Session.StrictHost
	sc.PendingBufferSize = cfg.Session.PendingBufferSize
	sc.HistoryLimit = cfg.Session.HistoryLimit
	sc.KickFlushDelay = cfg.Session.KickFlushDelay
	if cfg.Session.ConnectTimeout > 0 {
		sc.HostLinkTimeout = cfg.Session.ConnectTimeout
	}
	sc.Assistant.Keyword = cfg.Assistant.Keyword
	sc.Assistant.DisplayName = cfg.Assistant.DisplayName
	sc.Assistant.ContextWindow = cfg.Assistant.ContextWindow
	sc.Assistant.Timeout = cfg.Assistant.Timeout
	return sc
}

func assistantConfig(cfg *config.Config) assistant.Config {
	ac := assistant.DefaultConfig(cfg.Assistant.Endpoint)
	ac.APIKey = cfg.Assistant.APIKey
	ac.Timeout = cfg.Assistant.Timeout
	ac.Retry.MaxAttempts = cfg.Assistant.MaxAttempts
	return ac
}

func run(ctx context.Context, cfg *config.Config, room domain.RoomCode, flags peerFlags) error {
	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar().With("room", room)

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "rillchat-peer",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	transport, err := webrtc.NewTransport(webrtc.ConfigFromApp(cfg), log.Named("webrtc"))
	if err != nil {
		return fmt.Errorf("init transport: %w", err)
	}
	defer transport.Close()

	reg := prometheus.NewRegistry()
	opts := []services.SessionOption{
		services.WithLogger(log.Named("session")),
		services.WithSessionMetrics(monitoring.NewSessionCollector(reg)),
	}
	if cfg.Assistant.Enabled {
		opts = append(opts, services.WithAssistant(assistant.NewClient(assistantConfig(cfg), log.Named("assistant"))))
	}
	session := services.NewSession(sessionConfig(cfg, room), transport, opts...)

	startCtx, cancel := context.WithTimeout(ctx, cfg.Session.ConnectTimeout)
	defer cancel()
	var start services.StartOptions
	if flags.guest || flags.host {
		preferHost := flags.host
		start.PreferHost = &preferHost
	}
	if err := session.Start(startCtx, start); err != nil {
		return err
	}
	snap := session.Snapshot()
	fmt.Printf("* joined %s as %s (%s), /help for commands\n", room, snap.SelfID, snap.Role)

	ui := newConsole(session, os.Stdout)
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Monitoring.PrometheusEnabled {
		metricsSrv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort),
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warnw("metrics endpoint unavailable", "error", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return metricsSrv.Close()
		})
	}

	leaving := make(chan struct{})
	g.Go(func() error {
		if ui.run(gctx, os.Stdin) {
			close(leaving)
		}
		return errDone
	})
	g.Go(func() error {
		return pumpEvents(gctx, session, ui, leaving)
	})

	err = g.Wait()
	if leaveErr := session.Leave(); leaveErr != nil {
		log.Warnw("leave failed", "error", leaveErr)
	}
	if errors.Is(err, errDone) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// errDone stops the errgroup once input ends or the session terminates.
var errDone = errors.New("done")

// eventSource is the part of the session the event pump reads.
type eventSource interface {
	Events() <-chan services.SessionEvent
	State() domain.SessionState
}

// pumpEvents prints session events until the session reaches a terminal
// state. The state is re-read on every event since intermediate events may
// have been dropped.
func pumpEvents(ctx context.Context, session eventSource, ui *console, leaving <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-leaving:
			return errDone
		case ev := <-session.Events():
			ui.handle(ev)
			if ev.State.Terminal() || session.State().Terminal() {
				return errDone
			}
		}
	}
}
