package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/presence/internal/config"
	"github.com/haasonsaas/presence/internal/lifecycle"
	"github.com/haasonsaas/presence/internal/observability"
	"github.com/haasonsaas/presence/internal/presence"
)

const (
	shutdownTimeout = 10 * time.Second
	commandTimeout  = 30 * time.Second
)

// runDaemon implements the run command.
func runDaemon(ctx context.Context, configPath string, debug bool) error {
	cfg, logger, err := loadConfig(configPath, debug)
	if err != nil {
		return err
	}
	logger.Info("starting presenced",
		"version", version,
		"commit", commit,
		"config", configPath,
		"base_url", cfg.Server.BaseURL,
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})

	stopped := make(chan error, 1)
	svc, err := presence.New(cfg,
		presence.WithLogger(logger),
		presence.WithMetrics(metrics),
		presence.WithTracer(tracer.Tracer()),
		presence.OnTrackingStopped(func(err error) {
			select {
			case stopped <- err:
			default:
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize presence: %w", err)
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = startMetricsServer(cfg.Metrics, registry, logger)
	}

	signals := make(chan os.Signal, 4)
	signal.Notify(signals, watchedSignals...)
	defer signal.Stop(signals)

	if err := svc.Start(ctx); err != nil {
		return err
	}
	if err := svc.Handle(ctx, lifecycle.EventLogin); err != nil {
		_ = svc.Close()
		return fmt.Errorf("login failed: %w", err)
	}
	logger.Info("presence tracking started", "user_id", svc.Session().UserID())

	runLoop(ctx, svc, signals, stopped, logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := svc.Handle(shutdownCtx, lifecycle.EventTerminate); err != nil {
		logger.Warn("terminate failed", "error", err)
	}
	if err := svc.Close(); err != nil {
		logger.Warn("presence close failed", "error", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", "error", err)
		}
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown failed", "error", err)
	}
	logger.Info("presenced stopped")
	return nil
}

// runLoop translates signals into lifecycle events until termination.
func runLoop(ctx context.Context, svc *presence.Service, signals <-chan os.Signal, stopped <-chan error, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-stopped:
			logger.Error("presence tracking stopped; refresh credentials and send SIGHUP", "error", err)
		case sig := <-signals:
			action := actionForSignal(sig)
			if action.terminate {
				logger.Info("termination signal received", "signal", sig.String())
				return
			}
			if action.reloadSession {
				if err := svc.Session().Reload(); err != nil {
					logger.Warn("credential reload failed", "error", err)
				}
			}
			for _, event := range action.events {
				if err := svc.Handle(ctx, event); err != nil {
					logger.Warn("lifecycle event failed", "event", event.String(), "error", err)
				}
			}
		}
	}
}

func startMetricsServer(cfg config.MetricsConfig, registry *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return server
}

// runStatus implements the status command.
func runStatus(cmd *cobra.Command, configPath string, userIDs []string, asJSON bool) error {
	cfg, logger, err := loadConfig(configPath, false)
	if err != nil {
		return err
	}
	svc, err := presence.New(cfg, presence.WithLogger(logger))
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()
	if _, err := svc.Refresh(ctx, userIDs...); err != nil {
		return fmt.Errorf("fetch presence: %w", err)
	}

	records := svc.Store().All()
	sort.Slice(records, func(i, j int) bool { return records[i].UserID < records[j].UserID })

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "No presence records.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tSTATUS\tLAST SEEN\tTYPING")
	for _, rec := range records {
		lastSeen := "-"
		if !rec.LastSeen.IsZero() {
			lastSeen = rec.LastSeen.Local().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", rec.UserID, rec.Status, lastSeen, rec.IsTyping)
	}
	return w.Flush()
}

// runTyping implements the typing command.
func runTyping(cmd *cobra.Command, configPath, conversationID string, isTyping bool) error {
	cfg, logger, err := loadConfig(configPath, false)
	if err != nil {
		return err
	}
	svc, err := presence.New(cfg, presence.WithLogger(logger))
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()
	if err := svc.SetTyping(ctx, conversationID, isTyping); err != nil {
		return fmt.Errorf("send typing: %w", err)
	}
	state := "stopped"
	if isTyping {
		state = "typing"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", conversationID, state)
	return nil
}
