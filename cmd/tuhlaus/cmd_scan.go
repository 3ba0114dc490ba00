package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/tuhlaus/config"
	"github.com/yairfalse/tuhlaus/telemetry"
)

var (
	scanOutput    string
	scanScenarios []string
	scanAccount   string
	scanTimeout   time.Duration
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one waste scan and print the findings",
	Long: `Run a single scan of the configured account.

Every enabled scenario is evaluated against the resources it applies to.
Findings are printed ordered by monthly waste, followed by the scan
report. The report verdict separates "clean" from "inconclusive" when
data collection failed.

Findings are also delivered to the configured store and audit log.`,
	Example: `  tuhlaus scan                                   # Scan with tuhlaus.yaml
  tuhlaus scan -c prod.yaml -o json              # JSON output
  tuhlaus scan --scenarios disk_unattached       # Only one scenario
  tuhlaus scan --account other-project           # Override the account`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().StringVarP(&scanOutput, "output", "o", "table", "Output format: table, json")
	scanCmd.Flags().StringSliceVarP(&scanScenarios, "scenarios", "s", nil, "Scenario ids to run (default: config or all)")
	scanCmd.Flags().StringVar(&scanAccount, "account", "", "Account to scan (overrides account.id)")
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", 0, "Abort the scan after this duration (0 disables)")
}

func runScan(cmd *cobra.Command, _ []string) error {
	switch scanOutput {
	case "table", "json":
	default:
		return fmt.Errorf("invalid output format: %s (must be one of: table, json)", scanOutput)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if scanAccount != "" {
		cfg.Account.ID = scanAccount
	}
	if len(scanScenarios) > 0 {
		cfg.Scenarios.Enabled = scanScenarios
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if scanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, scanTimeout)
		defer cancel()
	}

	tp, err := telemetry.NewProvider(ctx, cfg.Telemetry(version, false))
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	return scanOnce(ctx, cfg, scanMeter(cfg, tp), scanOutput, cmd.OutOrStdout())
}

// scanMeter records scan metrics only when they can be pushed somewhere.
func scanMeter(cfg *config.Config, tp *telemetry.Provider) metric.Meter {
	if cfg.OTEL.Endpoint == "" {
		return nil
	}
	return tp.Meter()
}

func scanOnce(ctx context.Context, cfg *config.Config, meter metric.Meter, format string, out io.Writer) error {
	collected := &findingCollector{}
	e, err := newEngine(ctx, cfg, meter, collected)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	report, scanErr := e.scan(ctx)
	findings := collected.sorted()

	if format == "json" {
		if err := writeJSON(out, scanResult{Report: report, Findings: findings}); err != nil {
			return err
		}
	} else {
		renderFindings(out, findings)
		renderReport(out, report)
	}

	if scanErr != nil {
		return fmt.Errorf("scan %s %s: %w", report.ScanID, report.State, scanErr)
	}
	return nil
}
