// Package diag exposes the batching loop's lifetime counters on a small
// HTTP surface: an unauthenticated liveness probe and a hand-rolled
// Prometheus text exporter. It never touches standard output and never
// blocks the loop — all state is read through atomics written elsewhere.
package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Counters holds every diagnostics counter maintained by the batching
// loop. The zero value is ready to use; all counters start at zero. Every
// field is updated only by the loop goroutine and read concurrently by the
// HTTP server goroutine.
type Counters struct {
	NotificationsObserved atomic.Int64
	BatchesFlushed        atomic.Int64
	RowsEmitted           atomic.Int64
	RowsSkipped           atomic.Int64
	Reconnects            atomic.Int64
	HealthCheckFailures   atomic.Int64

	// Connected is a gauge: 1 while the loop holds a CONNECTED handle, 0
	// otherwise (DEGRADED or UNINITIALIZED).
	Connected atomic.Int64
}

// NewCounters allocates a new Counters value with everything at zero.
func NewCounters() *Counters {
	return &Counters{}
}

type metricLine struct {
	help  string
	kind  string
	name  string
	value int64
}

func (c *Counters) snapshot() []metricLine {
	return []metricLine{
		{
			help:  "Total number of channel notifications observed since startup.",
			kind:  "counter",
			name:  "mailroom_notifications_observed_total",
			value: c.NotificationsObserved.Load(),
		},
		{
			help:  "Total number of batches flushed to standard output.",
			kind:  "counter",
			name:  "mailroom_batches_flushed_total",
			value: c.BatchesFlushed.Load(),
		},
		{
			help:  "Total number of rows successfully shaped and emitted.",
			kind:  "counter",
			name:  "mailroom_rows_emitted_total",
			value: c.RowsEmitted.Load(),
		},
		{
			help:  "Total number of rows skipped for failing to shape.",
			kind:  "counter",
			name:  "mailroom_rows_skipped_total",
			value: c.RowsSkipped.Load(),
		},
		{
			help:  "Total number of reconnect cycles.",
			kind:  "counter",
			name:  "mailroom_reconnects_total",
			value: c.Reconnects.Load(),
		},
		{
			help:  "Total number of failed liveness probes.",
			kind:  "counter",
			name:  "mailroom_healthcheck_failures_total",
			value: c.HealthCheckFailures.Load(),
		},
		{
			help:  "1 while the agent holds a live database connection, 0 otherwise.",
			kind:  "gauge",
			name:  "mailroom_connected",
			value: c.Connected.Load(),
		},
	}
}

func writeMetrics(w io.Writer, lines []metricLine) {
	for _, l := range lines {
		fmt.Fprintf(w, "# HELP %s %s\n", l.name, l.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", l.name, l.kind)
		fmt.Fprintf(w, "%s %d\n", l.name, l.value)
	}
}

// Server is the diagnostics HTTP surface.
type Server struct {
	counters *Counters
	http     *http.Server
}

// NewServer builds a Server listening on addr, backed by counters. It does
// not start listening until Start is called.
func NewServer(addr string, counters *Counters) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	s := &Server{counters: counters}
	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", s.handleMetrics)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the server's http.Handler, so tests can exercise its
// routes directly with httptest without binding a real port.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start runs the HTTP server until it is shut down. It always returns a
// non-nil error: http.ErrServerClosed on a clean Shutdown.
func (s *Server) Start() error {
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server, bounded by ctx, so it never
// blocks process exit indefinitely.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// handleHealthz responds to GET /healthz. It returns 200 with
// {"status":"ok","connected":true} while connected, or 503 with
// {"status":"degraded","connected":false} otherwise. No authentication is
// required; this route is operator-facing only.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	connected := s.counters.Connected.Load() == 1

	w.Header().Set("Content-Type", "application/json")
	status := "ok"
	code := http.StatusOK
	if !connected {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    status,
		"connected": connected,
	})
}

// handleMetrics responds to GET /metrics with the Prometheus text
// exposition format, one family per counter in Counters.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	writeMetrics(w, s.counters.snapshot())
}
