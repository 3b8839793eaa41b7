package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetrics_Recording(t *testing.T) {
	m := New()
	m.RecordMessage("forwarded")
	m.RecordMessage("blocked")
	m.RecordMessage("blocked")
	m.RecordScan(2, 1, 150*time.Millisecond)
	m.RecordCategories([]string{"data_exfiltration", "prompt_injection"})

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.PrometheusHandler().ServeHTTP(rec, req)
	body := rec.Body.String()

	for _, want := range []string{
		`tapguard_messages_total{result="blocked"} 2`,
		`tapguard_messages_total{result="forwarded"} 1`,
		`tapguard_fragments_scanned_total{kind="text"} 2`,
		`tapguard_fragments_scanned_total{kind="image"} 1`,
		`tapguard_unsafe_categories_total{code="data_exfiltration"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	// All recorders must be nil-safe so callers need no guards.
	m.RecordMessage("forwarded")
	m.RecordScan(1, 0, time.Millisecond)
	m.RecordCategories([]string{"x"})
}
