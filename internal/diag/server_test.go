package diag_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tetsuo/mailroom/internal/diag"
)

// newHandler builds a Server bound to a counters value and returns its
// http.Handler, so routes can be exercised with httptest without binding a
// real port.
func newHandler(c *diag.Counters) http.Handler {
	return diag.NewServer("127.0.0.1:0", c).Handler()
}

func TestNewCountersStartsAtZero(t *testing.T) {
	c := diag.NewCounters()
	if c.NotificationsObserved.Load() != 0 {
		t.Error("NotificationsObserved did not start at 0")
	}
	if c.Connected.Load() != 0 {
		t.Error("Connected gauge did not start at 0")
	}
}

func TestHealthzReportsConnected(t *testing.T) {
	c := diag.NewCounters()
	c.Connected.Store(1)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	newHandler(c).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Result().Body)
	if !strings.Contains(string(body), `"connected":true`) {
		t.Errorf("body = %q, want connected:true", body)
	}
}

func TestHealthzReportsDegraded(t *testing.T) {
	c := diag.NewCounters()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	newHandler(c).ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	body, _ := io.ReadAll(rec.Result().Body)
	if !strings.Contains(string(body), `"connected":false`) {
		t.Errorf("body = %q, want connected:false", body)
	}
}

func TestMetricsPrometheusFormat(t *testing.T) {
	c := diag.NewCounters()
	c.NotificationsObserved.Add(5)
	c.BatchesFlushed.Add(2)
	c.RowsEmitted.Add(9)
	c.Reconnects.Add(1)
	c.Connected.Store(1)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	newHandler(c).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	ct := rec.Result().Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain prefix", ct)
	}

	body, _ := io.ReadAll(rec.Result().Body)
	output := string(body)

	for _, want := range []string{
		"# HELP mailroom_notifications_observed_total",
		"# TYPE mailroom_notifications_observed_total counter",
		"mailroom_notifications_observed_total 5",
		"mailroom_batches_flushed_total 2",
		"mailroom_rows_emitted_total 9",
		"mailroom_reconnects_total 1",
		"# TYPE mailroom_connected gauge",
		"mailroom_connected 1",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("missing %q in output:\n%s", want, output)
		}
	}
}

func TestMetricsZeroValuesStillReported(t *testing.T) {
	c := diag.NewCounters()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	newHandler(c).ServeHTTP(rec, req)

	body, _ := io.ReadAll(rec.Result().Body)
	if !strings.Contains(string(body), "mailroom_rows_skipped_total 0") {
		t.Errorf("zero-value counter not present in output:\n%s", body)
	}
}
