package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/netshare/oplockd/internal/logger"
	"github.com/netshare/oplockd/internal/telemetry"
	"github.com/netshare/oplockd/pkg/config"
	"github.com/netshare/oplockd/pkg/oplock"
	"github.com/netshare/oplockd/pkg/oplock/kernel"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the oplock coordination core",
	Long: `Start runs the oplock coordination core in the foreground: it binds
the loopback break-message transport, installs the kernel notification
source if configured, and serves incoming break requests and replies
until interrupted.

This process implements only the coordination core (spec §1): the SMB
protocol handling, session establishment, and VFS I/O it coordinates
with are external collaborators this binary does not provide on its
own, so "start" is chiefly useful standalone for exercising the break
protocol and observing its metrics/traces.`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "oplockd",
		ServiceVersion: Version,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(ctx); err != nil {
			logger.Error("telemetry shutdown error", logger.Err(err))
		}
	}()

	reg := prometheus.NewRegistry()
	metrics := oplock.NewPromMetrics(reg)
	var tracer oplock.Tracer
	if cfg.Telemetry.Enabled {
		tracer = oplock.NewOtelTracer("oplockd")
	}

	var newKernel func() (oplock.KernelSource, error)
	if cfg.Oplock.KernelOplocksEnabled {
		newKernel = func() (oplock.KernelSource, error) { return kernel.New() }
	}

	sessions := oplock.NewSessionRegistry()
	shareRegistry := oplock.NewMemRegistry()

	sub, err := oplock.Init(ctx, cfg.Oplock.AsEngineConfig(), shareRegistry, sessions, newKernel, metrics, tracer)
	if err != nil {
		return fmt.Errorf("failed to initialize oplock subsystem: %w", err)
	}
	defer func() { _ = sub.Close() }()

	gauges := oplock.NewGaugeCounters(reg, sub.State)

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", gaugeRefreshingHandler(gauges, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
		metricsServer = &http.Server{Addr: fmt.Sprintf(":%d", cfg.Metrics.Port), Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", logger.Err(err))
			}
		}()
		logger.Info("metrics server listening", logger.Port(uint16(cfg.Metrics.Port)))
	}

	logger.Info("oplock coordination core started", logger.Port(sub.Port), logger.Pid(sub.Pid))

	serverDone := make(chan error, 1)
	go func() { serverDone <- sub.Serve(ctx) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("shutdown signal received, stopping")
		cancel()

		if metricsServer != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer shutdownCancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}

		if err := <-serverDone; err != nil {
			logger.Error("oplock subsystem shutdown error", logger.Err(err))
			return err
		}
		logger.Info("oplock coordination core stopped")

	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("oplock subsystem error", logger.Err(err))
			return err
		}
	}

	return nil
}

// gaugeRefreshingHandler refreshes the open-oplock gauges from their
// live State snapshot immediately before each scrape, since the
// gauges themselves are only pushed to on demand (metrics.go's
// GaugeCounters.Refresh) rather than kept continuously in sync.
func gaugeRefreshingHandler(gauges *oplock.GaugeCounters, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gauges.Refresh()
		next.ServeHTTP(w, r)
	})
}
