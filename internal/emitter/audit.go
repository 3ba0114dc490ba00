package emitter

import (
	"context"
	"fmt"

	"github.com/yairfalse/tuhlaus/orchestrator"
	"github.com/yairfalse/tuhlaus/pkg/finding"
	"github.com/yairfalse/tuhlaus/wal"
)

// AuditEmitter appends findings, scan warnings and reports to the audit log.
type AuditEmitter struct {
	log *wal.WAL
}

// NewAuditEmitter opens the audit log in dir.
func NewAuditEmitter(dir string, config wal.Config) (*AuditEmitter, error) {
	w, err := wal.OpenWithConfig(dir, config)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &AuditEmitter{log: w}, nil
}

// Emit appends one finding.
func (e *AuditEmitter) Emit(_ context.Context, f finding.Finding) error {
	if err := e.log.Append(wal.EntryFinding, f.ScanID, f.Key(), f); err != nil {
		return fmt.Errorf("audit finding %s: %w", f.Key(), err)
	}
	return nil
}

// ScanCompleted appends one entry per warning, then the report itself.
func (e *AuditEmitter) ScanCompleted(_ context.Context, r *orchestrator.Report) error {
	for _, w := range r.Warnings {
		kind := wal.EntryWarning
		if w.Kind == orchestrator.WarningSink {
			kind = wal.EntrySinkErr
		}
		if err := e.log.Append(kind, r.ScanID, w.Kind, w); err != nil {
			return fmt.Errorf("audit warning: %w", err)
		}
	}
	if err := e.log.Append(wal.EntryReport, r.ScanID, r.Verdict(), r); err != nil {
		return fmt.Errorf("audit report: %w", err)
	}
	return nil
}

// Close closes the audit log.
func (e *AuditEmitter) Close() error {
	return e.log.Close()
}
