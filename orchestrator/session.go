package orchestrator

import (
	"context"
	"sync"

	"github.com/yairfalse/tuhlaus/pkg/finding"
)

// Session is one running scan. Findings and Errors must both be drained,
// in either order. Findings closes when the scan reaches a terminal state;
// Errors closes once every queued warning has been delivered.
type Session struct {
	ID      string
	Account string

	findings chan finding.Finding
	errs     chan error
	done     chan struct{}

	mu     sync.RWMutex
	state  State
	report *Report

	// Warnings queue without bound so workers never wait on a reader.
	qmu      sync.Mutex
	queue    []error
	finished bool
	wake     chan struct{}
}

func newSession(id, account string, buffer int) *Session {
	s := &Session{
		ID:       id,
		Account:  account,
		findings: make(chan finding.Finding, buffer),
		errs:     make(chan error, buffer),
		done:     make(chan struct{}),
		state:    StatePending,
		wake:     make(chan struct{}, 1),
	}
	go s.forward()
	return s
}

// Findings streams matched findings in no particular order.
func (s *Session) Findings() <-chan finding.Finding {
	return s.findings
}

// Errors streams scan warnings (*ListingError, *MetricError, ...).
func (s *Session) Errors() <-chan error {
	return s.errs
}

// Done is closed once the scan has finished and its report is set.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Report blocks until the scan finishes and returns its report.
func (s *Session) Report() *Report {
	<-s.done
	return s.report
}

// advance moves the state forward; it never goes back.
func (s *Session) advance(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state.order() > s.state.order() {
		s.state = state
	}
}

func (s *Session) emit(ctx context.Context, f finding.Finding) bool {
	select {
	case s.findings <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

// warn queues err for the Errors channel. It never blocks.
func (s *Session) warn(err error) {
	s.qmu.Lock()
	s.queue = append(s.queue, err)
	s.qmu.Unlock()
	s.signal()
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// forward delivers queued warnings and closes Errors after the last one.
func (s *Session) forward() {
	for {
		s.qmu.Lock()
		batch, finished := s.queue, s.finished
		s.queue = nil
		s.qmu.Unlock()

		for _, err := range batch {
			s.errs <- err
		}
		if len(batch) > 0 {
			continue
		}
		if finished {
			close(s.errs)
			return
		}
		<-s.wake
	}
}

func (s *Session) close(report *Report) {
	s.mu.Lock()
	s.state = report.State
	s.report = report
	s.mu.Unlock()

	close(s.findings)

	s.qmu.Lock()
	s.finished = true
	s.qmu.Unlock()
	s.signal()

	close(s.done)
}
