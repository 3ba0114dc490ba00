// Package emitter delivers findings and scan reports to output backends.
package emitter

import (
	"context"
	"errors"

	"github.com/yairfalse/tuhlaus/orchestrator"
	"github.com/yairfalse/tuhlaus/pkg/finding"
)

// Emitter outputs findings to a backend. Every Emitter is an
// orchestrator.FindingSink.
type Emitter interface {
	// Emit sends one finding to the backend.
	Emit(ctx context.Context, f finding.Finding) error

	// Close cleans up resources.
	Close() error
}

// MultiEmitter fans out to multiple emitters.
type MultiEmitter struct {
	emitters []Emitter
}

var (
	_ orchestrator.FindingSink  = (*MultiEmitter)(nil)
	_ orchestrator.ScanObserver = (*MultiEmitter)(nil)
)

// NewMultiEmitter creates an emitter that sends to multiple backends.
// Nil emitters are skipped.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	m := &MultiEmitter{}
	for _, e := range emitters {
		if e != nil {
			m.emitters = append(m.emitters, e)
		}
	}
	return m
}

// Emit sends f to every emitter. A failing backend does not keep the
// finding from the others; all errors are joined.
func (m *MultiEmitter) Emit(ctx context.Context, f finding.Finding) error {
	var errs []error
	for _, e := range m.emitters {
		if err := e.Emit(ctx, f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ScanCompleted forwards the report to every emitter that observes scans.
func (m *MultiEmitter) ScanCompleted(ctx context.Context, report *orchestrator.Report) error {
	var errs []error
	for _, e := range m.emitters {
		obs, ok := e.(orchestrator.ScanObserver)
		if !ok {
			continue
		}
		if err := obs.ScanCompleted(ctx, report); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes all emitters.
func (m *MultiEmitter) Close() error {
	var errs []error
	for _, e := range m.emitters {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
