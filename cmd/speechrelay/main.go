package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/antoniostano/speechrelay/internal/audio"
	"github.com/antoniostano/speechrelay/internal/config"
	"github.com/antoniostano/speechrelay/internal/dashscope"
	"github.com/antoniostano/speechrelay/internal/events"
	"github.com/antoniostano/speechrelay/internal/httpapi"
	"github.com/antoniostano/speechrelay/internal/logging"
	"github.com/antoniostano/speechrelay/internal/observability"
	"github.com/antoniostano/speechrelay/internal/relay"
	"github.com/antoniostano/speechrelay/internal/session"
	"github.com/antoniostano/speechrelay/internal/synthesis"
	"github.com/antoniostano/speechrelay/internal/tasks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", logging.Err(err))
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if cfg.DashScopeAPIKey == "" {
		logger.Warn("DASHSCOPE_API_KEY is not set; upstream handshakes will be rejected")
	}

	ctx := context.Background()

	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingConfig{
		ServiceName:  "speechrelay",
		Exporter:     cfg.TracesExporter,
		OTLPEndpoint: cfg.OTLPEndpoint,
		OTLPInsecure: cfg.OTLPInsecure,
	}, logger)
	if err != nil {
		logger.Error("tracing init failed", logging.Err(err))
		os.Exit(1)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	history, err := tasks.NewStore(ctx, cfg.DatabaseURL, cfg.TaskSQLitePath, cfg.TaskHistoryCapacity)
	if err != nil {
		logger.Error("task store init failed", logging.Err(err))
		os.Exit(1)
	}
	defer history.Close()

	var publisher events.Publisher = events.Nop{}
	if cfg.NATSURL != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		nc, err := events.Connect(connectCtx, cfg.NATSURL, cfg.NATSSubjectPrefix, logging.Component(logger, "events"))
		cancel()
		if err != nil {
			logger.Error("nats connect failed", logging.Err(err))
			os.Exit(1)
		}
		publisher = nc
	}
	defer publisher.Close()

	sessions := session.NewManager(cfg.TaskTimeout)
	sessions.SetExpireHook(func(t session.Task) {
		logger.Warn("synthesis task exceeded inactivity timeout",
			slog.String("task_id", t.ID),
			slog.String("conn_id", t.ConnID),
			slog.String("state", t.State),
		)
	})

	dialer := dashscope.NewClient(dashscope.Config{
		APIKey:           cfg.DashScopeAPIKey,
		WSURL:            cfg.DashScopeWSURL,
		DataInspection:   cfg.DashScopeDataInspection,
		HandshakeTimeout: cfg.DashScopeHandshakeTimeout,
	})
	registry := synthesis.DefaultRegistry()

	manager, err := relay.NewManager(relay.Options{
		Registry:    registry,
		Audio:       audio.NewStore(cfg.AudioRootDir, cfg.AudioPublicBaseURL),
		Dialer:      dialer,
		Sessions:    sessions,
		History:     history,
		Publisher:   publisher,
		Metrics:     metrics,
		Logger:      logger,
		FinishDelay: cfg.DashScopeFinishDelay,
	})
	if err != nil {
		logger.Error("relay init failed", logging.Err(err))
		os.Exit(1)
	}

	api := httpapi.New(cfg, httpapi.Deps{
		Relay:     manager,
		Sessions:  sessions,
		Registry:  registry,
		History:   history,
		Publisher: publisher,
		Metrics:   metrics,
		Logger:    logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)

	go func() {
		logger.Info("server listening",
			slog.String("addr", cfg.BindAddr),
			slog.Any("modes", registry.Modes()),
			slog.String("audio_root", cfg.AudioRootDir),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen error", logging.Err(err))
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", logging.Err(err))
		_ = httpServer.Close()
	}

	// Hijacked websocket connections survive Shutdown; give their tasks the rest of the budget.
	drained := make(chan struct{})
	go func() {
		manager.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		logger.Warn("in-flight synthesis tasks abandoned", slog.Int("tasks", sessions.ActiveCount()))
	}
	runCancel()

	if err := shutdownTracing(context.Background()); err != nil {
		logger.Warn("tracing shutdown failed", logging.Err(err))
	}
	logger.Info("shutdown complete")
}
