package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.JobOutcome("twitter", "completed")
	m.DispatchError("twitter", "SERVICE_ERROR")
	m.Trigger("cron", "ran", 3)
	m.Begin()()
	if m.Registry() != nil {
		t.Fatal("nil metrics has a registry")
	}
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestExposition(t *testing.T) {
	t.Parallel()
	m := New()
	m.JobOutcome("twitter", "completed")
	m.JobOutcome("twitter", "completed")
	m.Trigger("cron", "ran", 4)
	m.SetQueueCounts(map[string]int{"waiting": 2})
	done := m.Begin()

	body := scrape(t, m)
	for _, want := range []string{
		`crosspost_jobs_total{outcome="completed",platform="twitter"} 2`,
		`crosspost_jobs_enqueued_total 4`,
		`crosspost_jobs_in_flight 1`,
		`crosspost_queue_jobs{state="waiting"} 2`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("exposition missing %q", want)
		}
	}

	done()
	if !strings.Contains(scrape(t, m), "crosspost_jobs_in_flight 0") {
		t.Fatal("in-flight gauge not released")
	}
}
