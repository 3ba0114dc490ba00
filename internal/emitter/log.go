package emitter

import (
	"context"
	"io"

	"github.com/rs/zerolog"

	"github.com/yairfalse/tuhlaus/orchestrator"
	"github.com/yairfalse/tuhlaus/pkg/finding"
)

// LogEmitter writes findings and scan summaries as structured log lines.
type LogEmitter struct {
	logger zerolog.Logger
}

// NewLogEmitter creates a log emitter writing JSON lines to w.
func NewLogEmitter(w io.Writer) *LogEmitter {
	return &LogEmitter{
		logger: zerolog.New(w).With().Timestamp().Str("component", "findings").Logger(),
	}
}

// Emit logs one finding.
func (e *LogEmitter) Emit(_ context.Context, f finding.Finding) error {
	e.logger.Info().
		Str("scan_id", f.ScanID).
		Str("scenario", f.ScenarioID).
		Str("resource_id", f.ResourceID).
		Str("resource_type", f.ResourceType).
		Str("provider", string(f.Provider)).
		Str("region", f.Region).
		Str("tier", string(f.Tier)).
		Str("monthly_cost", f.MonthlyCost.String()).
		Str("monthly_waste", f.MonthlyWaste.String()).
		Str("already_wasted", f.AlreadyWasted.String()).
		Str("recommendation", f.Recommendation).
		Msg("waste finding")
	return nil
}

// ScanCompleted logs the scan summary.
func (e *LogEmitter) ScanCompleted(_ context.Context, r *orchestrator.Report) error {
	level := zerolog.InfoLevel
	if r.State != orchestrator.StateCompleted {
		level = zerolog.WarnLevel
	}

	ev := e.logger.WithLevel(level).
		Str("scan_id", r.ScanID).
		Str("account", r.Account).
		Str("state", string(r.State)).
		Str("verdict", r.Verdict()).
		Bool("partial", r.Partial).
		Int("resources", r.Resources).
		Int("evaluations", r.Evaluations).
		Int("findings", r.Findings).
		Int("warnings", len(r.Warnings)).
		Str("monthly_waste", r.MonthlyWaste.String()).
		Dur("duration", r.Duration)
	if r.Error != "" {
		ev = ev.Str("error", r.Error)
	}
	ev.Msg("scan summary")
	return nil
}

// Close is a no-op for the log emitter.
func (e *LogEmitter) Close() error {
	return nil
}
