package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/tuhlaus/internal/daemon"
	"github.com/yairfalse/tuhlaus/internal/emitter"
	"github.com/yairfalse/tuhlaus/telemetry"
)

var (
	daemonInterval time.Duration
	daemonAddr     string
	daemonFindings bool
)

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Scan continuously and export metrics",
	Long: `Run tuhlaus in daemon mode.

The daemon scans the configured account at a fixed interval, keeps the
finding store up to date and exports scan and finding metrics.

Endpoints:
- /metrics   Prometheus metrics
- /healthz   JSON health with the last scan state and verdict
- /-/ready   200 once the first scan has finished

After every scan the store is compacted and expired audit files are
removed. SIGTERM or SIGINT stops the daemon gracefully.`,
	Example: `  tuhlaus daemon                      # Interval and address from config
  tuhlaus daemon --interval 30m       # Scan every 30 minutes
  tuhlaus daemon --addr :9090         # Custom listen address
  tuhlaus daemon --log-findings       # Also log every finding`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)

	daemonCmd.Flags().DurationVar(&daemonInterval, "interval", 0, "Scan interval (overrides daemon.interval)")
	daemonCmd.Flags().StringVar(&daemonAddr, "addr", "", "HTTP listen address (overrides metrics.addr)")
	daemonCmd.Flags().BoolVar(&daemonFindings, "log-findings", false, "Write every finding to stdout as a JSON log line")
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if daemonInterval > 0 {
		cfg.Daemon.Interval = daemonInterval
	}
	if daemonAddr != "" {
		cfg.Metrics.Addr = daemonAddr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.NewProvider(ctx, cfg.Telemetry(version, true))
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	var extra []emitter.Emitter
	if daemonFindings {
		extra = append(extra, emitter.NewLogEmitter(cmd.OutOrStdout()))
	}

	e, err := newEngine(ctx, cfg, tp.Meter(), extra...)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	dm, err := daemon.NewDaemonMetrics(tp.Meter())
	if err != nil {
		return fmt.Errorf("daemon metrics: %w", err)
	}

	d, err := daemon.NewDaemon(daemon.Config{
		Interval: cfg.Daemon.Interval,
		Addr:     cfg.Metrics.Addr,
		Metrics:  promhttp.HandlerFor(tp.Registry(), promhttp.HandlerOpts{}),
		Maintain: e.maintain,
	}, e.scan, dm)
	if err != nil {
		return err
	}

	log.Info().
		Str("account", cfg.Account.ID).
		Dur("interval", cfg.Daemon.Interval).
		Str("addr", cfg.Metrics.Addr).
		Msg("daemon starting")

	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("daemon error: %w", err)
	}

	log.Info().Int64("scans", d.ScanCount()).Msg("daemon stopped")
	return nil
}
