package featurescope

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetAccessToken("token")
	return client
}

func TestSubmitSendsBearerToken(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/feature-request" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Fatalf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		var fr FeatureRequest
		if err := json.NewDecoder(r.Body).Decode(&fr); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Submission{RequestID: fr.RequestID, Status: "processing", TrackingURL: "/api/v1/status/" + fr.RequestID})
	})

	sub, err := client.Submit(context.Background(), FeatureRequest{RequestID: "req-1", Feature: "remote unlock", Priority: "high"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sub.RequestID != "req-1" || sub.Status != "processing" {
		t.Fatalf("unexpected submission: %+v", sub)
	}
}

func TestMissingTokenFailsLocally(t *testing.T) {
	client, err := NewClient("http://127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.GetStatus(context.Background(), "req-1"); err == nil {
		t.Fatal("expected error without token")
	}
}

func TestGetResultNotReady(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "not_ready", "status_url": "/api/v1/status/req-1"})
	})

	_, err := client.GetResult(context.Background(), "req-1")
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusURL != "/api/v1/status/req-1" {
		t.Fatalf("unexpected api error: %#v", err)
	}
}

func TestStructuredAPIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "12")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":"RATE_LIMITED","message":"too many requests"}}`))
	})

	_, err := client.Submit(context.Background(), FeatureRequest{RequestID: "x", Feature: "f", Priority: "low"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != "RATE_LIMITED" || apiErr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
	if apiErr.RetryAfter != 12*time.Second {
		t.Fatalf("unexpected retry after: %v", apiErr.RetryAfter)
	}
	if errors.Is(err, ErrNotReady) {
		t.Fatal("rate limit error must not match ErrNotReady")
	}
}

func TestWaitForResultPollsUntilFinal(t *testing.T) {
	var polls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/status/req-1":
			status := "processing"
			if polls.Add(1) >= 3 {
				status = "completed"
			}
			_ = json.NewEncoder(w).Encode(Status{RequestID: "req-1", Status: status})
		case "/api/v1/results/req-1":
			_ = json.NewEncoder(w).Encode(Result{RequestID: "req-1", OverallStatus: "completed", TotalEffortHours: 14, AgentsInvolved: []string{"A", "B", "C"}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := client.WaitForResult(ctx, "req-1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.TotalEffortHours != 14 || len(res.AgentsInvolved) != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if polls.Load() < 3 {
		t.Fatalf("expected at least 3 polls, got %d", polls.Load())
	}
}

func TestListRequestsEncodesFilters(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("status") != "completed,failed" || q.Get("limit") != "5" || q.Get("q") != "unlock" {
			t.Fatalf("unexpected query: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(RequestPage{Total: 1, Limit: 5, Requests: []RequestSummary{{RequestID: "req-1"}}})
	})

	page, err := client.ListRequests(context.Background(), ListOptions{Statuses: []string{"completed", "failed"}, Query: "unlock", Limit: 5})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 1 || page.Requests[0].RequestID != "req-1" {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestGetReportReturnsMarkdown(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("format") != "markdown" {
			t.Fatalf("expected markdown format, got %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = w.Write([]byte("# Feature Analysis Report\n"))
	})

	report, err := client.GetReport(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report != "# Feature Analysis Report\n" {
		t.Fatalf("unexpected report: %q", report)
	}
}

func TestParseNotificationVerifiesSignature(t *testing.T) {
	body := []byte(`{"event":"analysis.completed","request_id":"req-1","overall_status":"completed"}`)
	sign := func(secret string) string {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		return "sha256=" + hex.EncodeToString(mac.Sum(nil))
	}

	good := httptest.NewRequest(http.MethodPost, "/hook", bytes.NewReader(body))
	good.Header.Set(SignatureHeader, sign("s3cret"))
	n, err := ParseNotification("s3cret", good)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if n.RequestID != "req-1" || n.OverallStatus != "completed" {
		t.Fatalf("unexpected notification: %+v", n)
	}

	bad := httptest.NewRequest(http.MethodPost, "/hook", bytes.NewReader(body))
	bad.Header.Set(SignatureHeader, sign("other"))
	if _, err := ParseNotification("s3cret", bad); err == nil {
		t.Fatal("expected signature error")
	}
}
