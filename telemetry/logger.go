package telemetry

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTELHook adds trace and span IDs to every log entry
type OTELHook struct{}

func (h OTELHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	// Skip if no context
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}

	// Extract span from context
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}

	// Add trace context to log
	e.Str("trace_id", span.SpanContext().TraceID().String())
	e.Str("span_id", span.SpanContext().SpanID().String())

	// Add span attributes as log fields for correlation
	if level == zerolog.ErrorLevel {
		span.SetStatus(codes.Error, msg)
	}
}

// Logger wraps zerolog with OTEL integration
type Logger struct {
	zerolog.Logger
}

// NewLogger creates a logger with OTEL hooks writing to stderr. Stdout
// is left to command output.
func NewLogger(service string) *Logger {
	return NewLoggerTo(os.Stderr, service)
}

// NewLoggerTo creates a logger with OTEL hooks writing to w.
func NewLoggerTo(w io.Writer, service string) *Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	logger := zerolog.New(w).
		With().
		Timestamp().
		Str("service", service).
		Logger().
		Hook(OTELHook{})

	return &Logger{Logger: logger}
}

// WithContext returns a logger with context (for trace propagation)
func (l *Logger) WithContext(ctx context.Context) *zerolog.Logger {
	logger := l.Logger.With().Ctx(ctx).Logger()
	return &logger
}

// Convenience methods for scan events

func (l *Logger) LogScanStarted(ctx context.Context, scanID, account string, scenarios int) {
	l.WithContext(ctx).Info().
		Str("scan_id", scanID).
		Str("account", account).
		Int("scenarios", scenarios).
		Msg("scan started")
}

func (l *Logger) LogScanCompleted(ctx context.Context, scanID, state string, findings, warnings int, durationMs float64) {
	level := zerolog.InfoLevel
	if warnings > 0 {
		level = zerolog.WarnLevel
	}
	l.WithContext(ctx).WithLevel(level).
		Str("scan_id", scanID).
		Str("state", state).
		Int("findings", findings).
		Int("warnings", warnings).
		Float64("duration_ms", durationMs).
		Msg("scan finished")
}

func (l *Logger) LogListingFailed(ctx context.Context, provider, resourceType string, listed int, err error) {
	l.WithContext(ctx).Warn().
		Err(err).
		Str("provider", provider).
		Str("resource_type", resourceType).
		Int("partial_results", listed).
		Msg("resource listing failed")
}

func (l *Logger) LogMetricFailed(ctx context.Context, resourceID, metric string, err error) {
	l.WithContext(ctx).Warn().
		Err(err).
		Str("resource_id", resourceID).
		Str("metric", metric).
		Msg("metric query failed")
}

func (l *Logger) LogInsufficientData(ctx context.Context, scenarioID, resourceID, reason string) {
	l.WithContext(ctx).Debug().
		Str("scenario_id", scenarioID).
		Str("resource_id", resourceID).
		Str("reason", reason).
		Msg("insufficient data")
}

func (l *Logger) LogInvariantViolation(ctx context.Context, scenarioID, resourceID string, err error) {
	l.WithContext(ctx).Error().
		Err(err).
		Str("scenario_id", scenarioID).
		Str("resource_id", resourceID).
		Msg("evaluation invariant violated")
}

func (l *Logger) LogSinkError(ctx context.Context, findingKey string, err error) {
	l.WithContext(ctx).Error().
		Err(err).
		Str("finding", findingKey).
		Msg("finding sink failed")
}
