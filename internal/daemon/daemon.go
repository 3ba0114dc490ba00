// Package daemon runs periodic scans next to an HTTP server exposing
// metrics and health endpoints.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/run"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/tuhlaus/orchestrator"
)

// ScanFunc runs one scan. A non-nil report is recorded even when err is
// set.
type ScanFunc func(ctx context.Context) (*orchestrator.Report, error)

// MaintainFunc runs housekeeping after a scan, such as store compaction.
type MaintainFunc func(ctx context.Context) error

// Config holds daemon configuration
type Config struct {
	Interval time.Duration
	// Addr is the listen address of the HTTP server, e.g. ":9464".
	Addr string
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Maintain runs after every scan when set.
	Maintain MaintainFunc
	// ShutdownTimeout bounds the HTTP server shutdown.
	ShutdownTimeout time.Duration
}

// Daemon scans on a fixed interval until its context ends.
type Daemon struct {
	interval        time.Duration
	addr            string
	metricsHandler  http.Handler
	maintain        MaintainFunc
	shutdownTimeout time.Duration
	scan            ScanFunc
	metrics         *DaemonMetrics

	startTime time.Time
	scanCount atomic.Int64

	mu         sync.RWMutex
	listener   net.Listener
	lastReport *orchestrator.Report
	lastErr    error
}

// NewDaemon creates a new daemon instance
func NewDaemon(config Config, scan ScanFunc, metrics *DaemonMetrics) (*Daemon, error) {
	if scan == nil {
		return nil, errors.New("daemon: scan function is required")
	}
	if config.Interval <= 0 {
		return nil, fmt.Errorf("daemon: interval must be positive (got %s)", config.Interval)
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 5 * time.Second
	}

	return &Daemon{
		interval:        config.Interval,
		addr:            config.Addr,
		metricsHandler:  config.Metrics,
		maintain:        config.Maintain,
		shutdownTimeout: config.ShutdownTimeout,
		scan:            scan,
		metrics:         metrics,
		startTime:       time.Now(),
	}, nil
}

// Run scans immediately and then on every tick, serving HTTP alongside,
// until ctx is canceled or the server fails.
func (d *Daemon) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.addr, err)
	}
	d.mu.Lock()
	d.listener = ln
	d.mu.Unlock()

	srv := &http.Server{
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var g run.Group

	// Context: ends the group on cancellation.
	{
		runCtx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			<-runCtx.Done()
			return nil
		}, func(error) {
			cancel()
		})
	}

	// Scan loop.
	{
		loopCtx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			d.loop(loopCtx)
			return nil
		}, func(error) {
			cancel()
		})
	}

	// HTTP server.
	g.Add(func() error {
		log.Info().Str("addr", ln.Addr().String()).Msg("http server listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), d.shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})

	return g.Run()
}

func (d *Daemon) loop(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.runScan(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runScan(ctx)
		}
	}
}

func (d *Daemon) runScan(ctx context.Context) {
	start := time.Now()
	report, err := d.scan(ctx)
	d.scanCount.Add(1)

	status := "error"
	if report != nil {
		status = string(report.State)
	}
	if d.metrics != nil {
		d.metrics.RecordCycle(ctx, status, time.Since(start))
	}

	d.mu.Lock()
	if report != nil {
		d.lastReport = report
	}
	d.lastErr = err
	d.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Str("status", status).Msg("scan cycle failed")
	}
	if ctx.Err() != nil || d.maintain == nil {
		return
	}

	if err := d.maintain(ctx); err != nil {
		log.Warn().Err(err).Msg("maintenance failed")
		if d.metrics != nil {
			d.metrics.RecordMaintenance(ctx, "error")
		}
		return
	}
	if d.metrics != nil {
		d.metrics.RecordMaintenance(ctx, "success")
	}
}

// Addr returns the bound listen address, or nil before Run listens.
func (d *Daemon) Addr() net.Addr {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

// Handler returns the HTTP routes of the daemon.
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	if d.metricsHandler != nil {
		mux.Handle("/metrics", d.metricsHandler)
	}
	mux.HandleFunc("/healthz", d.handleHealth)
	mux.HandleFunc("/-/healthy", d.handleHealth)
	mux.HandleFunc("/-/ready", d.handleReady)
	return mux
}

func (d *Daemon) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(d.Health())
}

// handleReady answers 200 once a scan has produced a report.
func (d *Daemon) handleReady(w http.ResponseWriter, _ *http.Request) {
	d.mu.RLock()
	ready := d.lastReport != nil
	d.mu.RUnlock()

	if !ready {
		http.Error(w, "no scan completed yet", http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("ready\n"))
}

// Health returns daemon health status
func (d *Daemon) Health() HealthStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()

	h := HealthStatus{
		Status: "healthy",
		Uptime: int64(time.Since(d.startTime).Seconds()),
		Scans:  d.scanCount.Load(),
	}
	if r := d.lastReport; r != nil {
		h.LastScanID = r.ScanID
		h.LastScanState = string(r.State)
		h.LastVerdict = r.Verdict()
		h.LastScanAt = r.FinishedAt
	}
	if d.lastErr != nil {
		h.Status = "degraded"
		h.LastError = d.lastErr.Error()
	}
	return h
}

// HealthStatus represents daemon health
type HealthStatus struct {
	Status        string    `json:"status"`
	Uptime        int64     `json:"uptime_seconds"`
	Scans         int64     `json:"scans"`
	LastScanID    string    `json:"last_scan_id,omitempty"`
	LastScanState string    `json:"last_scan_state,omitempty"`
	LastVerdict   string    `json:"last_verdict,omitempty"`
	LastScanAt    time.Time `json:"last_scan_at,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

// ScanCount returns total scans run
func (d *Daemon) ScanCount() int64 {
	return d.scanCount.Load()
}
