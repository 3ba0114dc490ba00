package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RecordFindingEvent adds a finding event to span.
func RecordFindingEvent(span trace.Span, scenarioID, resourceID, tier string, monthlyWaste float64) {
	if span == nil {
		return
	}

	span.AddEvent("waste.finding", trace.WithAttributes(
		attribute.String("event.type", "waste.finding"),
		attribute.String("scenario.id", scenarioID),
		attribute.String("resource.id", resourceID),
		attribute.String("confidence.tier", tier),
		attribute.Float64("waste.monthly", monthlyWaste),
	))
}

// RecordWarningEvent adds a scan warning event to span.
func RecordWarningEvent(span trace.Span, kind, message string) {
	if span == nil {
		return
	}

	span.AddEvent("scan.warning", trace.WithAttributes(
		attribute.String("event.type", "scan.warning"),
		attribute.String("warning.kind", kind),
		attribute.String("message", message),
	))
}
