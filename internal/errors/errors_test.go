package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestErrorCodeAndStatus(t *testing.T) {
	err := New(CodeAgentUnavailable, "", WithMetadata("agent_id", "agent_b"))
	if err.Message() != "agent unavailable" {
		t.Fatalf("expected default message, got %q", err.Message())
	}
	if !err.Retryable() {
		t.Fatalf("agent unavailable should be retryable")
	}
	if err.HTTPStatus() != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status %d", err.HTTPStatus())
	}
	if err.Metadata()["agent_id"] != "agent_b" {
		t.Fatalf("metadata lost: %v", err.Metadata())
	}

	wrapped := fmt.Errorf("call: %w", err)
	if CodeOf(wrapped) != CodeAgentUnavailable {
		t.Fatalf("code not found through wrapping")
	}
	if !stdErrors.Is(wrapped, New(CodeAgentUnavailable, "other")) {
		t.Fatalf("errors.Is should compare codes")
	}
	if StatusOf(stdErrors.New("plain")) != http.StatusInternalServerError {
		t.Fatalf("plain errors map to 500")
	}
}

func TestWithRetryableOverride(t *testing.T) {
	err := New(CodeTimeout, "slow", WithRetryable(false))
	if RetryableError(err) {
		t.Fatalf("override should disable retry")
	}
	if RetryableError(stdErrors.New("plain")) {
		t.Fatalf("plain errors are not retryable")
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := stdErrors.New("dial tcp: refused")
	err := Wrap(CodeStorageFailure, cause, "查询失败")
	if !stdErrors.Is(err, cause) {
		t.Fatalf("cause should be reachable")
	}
	if !strings.Contains(err.Error(), "dial tcp") {
		t.Fatalf("error string should include cause: %s", err.Error())
	}
}

func TestRegisterCustomCode(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	Register(code, Attributes{Message: "custom", HTTPStatus: http.StatusTeapot})
	if StatusOf(New(code, "")) != http.StatusTeapot {
		t.Fatalf("registered status not applied")
	}
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, New(CodeInvalidArgument, "feature 不能为空"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"code":"INVALID_ARGUMENT"`) || !strings.Contains(body, "feature") {
		t.Fatalf("unexpected body %s", body)
	}
}

func TestRetryBackoffSchedule(t *testing.T) {
	var slept []time.Duration
	sleep := func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	attempts := 0
	err := Retry(context.Background(), DefaultRetryConfig(), sleep, func(context.Context, int) error {
		attempts++
		return New(CodeAgentUnavailable, "down")
	}, nil)
	if CodeOf(err) != CodeAgentUnavailable {
		t.Fatalf("expected last error, got %v", err)
	}
	if attempts != 4 {
		t.Fatalf("expected 1 attempt plus 3 retries, got %d", attempts)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if fmt.Sprint(slept) != fmt.Sprint(want) {
		t.Fatalf("unexpected backoff %v", slept)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	attempts := 0
	var retries []int
	err := Retry(context.Background(), DefaultRetryConfig(), func(context.Context, time.Duration) error { return nil },
		func(_ context.Context, attempt int) error {
			attempts++
			if attempt == 0 {
				return New(CodeTimeout, "slow")
			}
			return New(CodePermissionDenied, "denied")
		},
		func(retry int, _ error) { retries = append(retries, retry) })
	if CodeOf(err) != CodePermissionDenied {
		t.Fatalf("unexpected error %v", err)
	}
	if attempts != 2 || len(retries) != 1 || retries[0] != 1 {
		t.Fatalf("unexpected attempts=%d retries=%v", attempts, retries)
	}
}

func TestRetryReturnsLastErrorWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	err := Retry(ctx, DefaultRetryConfig(), Sleep, func(context.Context, int) error {
		cancel()
		return New(CodeAgentUnavailable, "down")
	}, nil)
	if CodeOf(err) != CodeAgentUnavailable {
		t.Fatalf("expected last attempt error, got %v", err)
	}
}

func TestDelayClampsToLastBackoff(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 5, Backoff: []time.Duration{time.Second, 3 * time.Second}}
	if cfg.Delay(4) != 3*time.Second {
		t.Fatalf("unexpected delay %v", cfg.Delay(4))
	}
	if cfg.Delay(0) != 0 {
		t.Fatalf("retry 0 has no delay")
	}
}

func TestRetryConfigBackOff(t *testing.T) {
	cases := []struct {
		name string
		cfg  RetryConfig
		want []time.Duration
	}{
		{"schedule", DefaultRetryConfig(), []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}},
		{"exponential", RetryConfig{MaxRetries: 3}, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}},
		{"clamped", RetryConfig{MaxRetries: 3, Backoff: []time.Duration{time.Second}}, []time.Duration{time.Second, time.Second, time.Second}},
		{"none", RetryConfig{}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := tc.cfg.BackOff()
			b.Reset()
			var got []time.Duration
			for i := 0; i < 10; i++ {
				d := b.NextBackOff()
				if d < 0 {
					break
				}
				got = append(got, d)
			}
			if fmt.Sprint(got) != fmt.Sprint(tc.want) {
				t.Fatalf("unexpected schedule %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRetryStopsWhenSleepFails(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), DefaultRetryConfig(), func(context.Context, time.Duration) error { return context.Canceled },
		func(context.Context, int) error {
			attempts++
			return New(CodeAgentUnavailable, "down")
		}, nil)
	if CodeOf(err) != CodeAgentUnavailable || attempts != 1 {
		t.Fatalf("unexpected err=%v attempts=%d", err, attempts)
	}
}
