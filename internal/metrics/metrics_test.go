package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersIsolatedRegistry(t *testing.T) {
	m := New()
	if m.Registry == nil {
		t.Fatal("expected a registry")
	}

	// Registering a second instance must not collide with the first.
	other := New()
	if other.Registry == m.Registry {
		t.Error("expected independent registries")
	}
}

func TestRecordEvaluation(t *testing.T) {
	m := New()

	m.RecordEvaluation("FALLTHROUGH")
	m.RecordEvaluation("FALLTHROUGH")
	m.RecordEvaluation("RULE_MATCH")

	if got := testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("FALLTHROUGH")); got != 2 {
		t.Errorf("FALLTHROUGH count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("RULE_MATCH")); got != 1 {
		t.Errorf("RULE_MATCH count = %v, want 1", got)
	}
}

func TestRecordStreamDrop(t *testing.T) {
	m := New()

	m.RecordStreamDrop("env-1")
	m.RecordStreamDrop("env-1")

	if got := testutil.ToFloat64(m.StreamEventsDropped.WithLabelValues("env-1")); got != 2 {
		t.Errorf("drop count = %v, want 2", got)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	m := New()
	m.AuthFailuresTotal.Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "flagdelivery_auth_failures_total 1") {
		t.Errorf("metrics output missing auth failure counter:\n%s", body)
	}
}
