package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesObservedMetrics(t *testing.T) {
	ObserveHTTPRequest("/api/v1/status", "GET", 200, 20*time.Millisecond)
	ObserveHTTPRequest("/api/v1/status", "GET", 500, time.Second)
	ObserveTask("agent_b", "timeout")
	ObserveRequest("partial_failure")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		`featurescope_http_requests_total{code="200",handler="/api/v1/status",method="GET"}`,
		`featurescope_http_request_errors_total{handler="/api/v1/status",method="GET"} 1`,
		`featurescope_task_outcomes_total{agent="agent_b",status="timeout"} 1`,
		`featurescope_request_outcomes_total{status="partial_failure"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
