package agentclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FeatureScope/internal/agent"
	xerrors "FeatureScope/internal/errors"
)

func noSleep(context.Context, time.Duration) error { return nil }

func testCall(target agent.ID) Call {
	return Call{
		RequestID:     "req-1",
		CorrelationID: "corr-1",
		TaskID:        "task-1",
		Source:        agent.AgentA,
		Target:        target,
		Input:         agent.Input{RequestID: "req-1", Feature: "remote unlock"},
	}
}

type staticTokens struct{}

func (staticTokens) AgentToken(source agent.ID) (string, error) { return "tok-" + string(source), nil }

func TestClientRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	transport := TransportFunc(func(ctx context.Context, call Call) (*agent.Analysis, error) {
		if calls.Add(1) < 3 {
			return nil, xerrors.New(xerrors.CodeAgentUnavailable, "down")
		}
		return &agent.Analysis{EffortHours: 4}, nil
	})
	var retries []int
	client := New(map[agent.ID]Transport{agent.AgentB: transport}, Options{Sleep: noSleep})
	call := testCall(agent.AgentB)
	call.OnRetry = func(retry int, _ error) { retries = append(retries, retry) }

	h, err := client.Analyze(context.Background(), call)
	require.NoError(t, err)
	analysis, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4.0, analysis.EffortHours)
	assert.Equal(t, 3, h.Attempts())
	assert.Equal(t, []int{1, 2}, retries)
}

func TestClientFailsFastOnPermanentErrors(t *testing.T) {
	var calls atomic.Int32
	transport := TransportFunc(func(context.Context, Call) (*agent.Analysis, error) {
		calls.Add(1)
		return nil, ClassifyStatus(http.StatusForbidden, "wrong token kind")
	})
	client := New(map[agent.ID]Transport{agent.AgentB: transport}, Options{Sleep: noSleep})
	h, err := client.Analyze(context.Background(), testCall(agent.AgentB))
	require.NoError(t, err)
	_, err = h.Wait(context.Background())
	assert.True(t, xerrors.HasCode(err, xerrors.CodePermissionDenied))
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientDispatchDeadlineBecomesTimeout(t *testing.T) {
	transport := TransportFunc(func(ctx context.Context, _ Call) (*agent.Analysis, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	client := New(map[agent.ID]Transport{agent.AgentB: transport}, Options{Timeout: 50 * time.Millisecond, Sleep: noSleep})
	h, err := client.Analyze(context.Background(), testCall(agent.AgentB))
	require.NoError(t, err)
	_, err = h.Wait(context.Background())
	assert.True(t, xerrors.HasCode(err, xerrors.CodeTimeout))
	assert.Equal(t, 1, h.Attempts())
}

func TestClientDeadlineIgnoredByTransport(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	transport := TransportFunc(func(context.Context, Call) (*agent.Analysis, error) {
		<-release
		return &agent.Analysis{EffortHours: 4}, nil
	})
	client := New(map[agent.ID]Transport{agent.AgentB: transport}, Options{Timeout: 50 * time.Millisecond, Sleep: noSleep})
	h, err := client.Analyze(context.Background(), testCall(agent.AgentB))
	require.NoError(t, err)

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch outlived its deadline")
	}
	_, err = h.Wait(context.Background())
	assert.True(t, xerrors.HasCode(err, xerrors.CodeTimeout))
	assert.Equal(t, 1, h.Attempts())
}

func TestClientCancelledParent(t *testing.T) {
	transport := TransportFunc(func(ctx context.Context, _ Call) (*agent.Analysis, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	client := New(map[agent.ID]Transport{agent.AgentB: transport}, Options{Sleep: noSleep})
	ctx, cancel := context.WithCancel(context.Background())
	h, err := client.Analyze(ctx, testCall(agent.AgentB))
	require.NoError(t, err)
	cancel()
	_, err = h.Wait(context.Background())
	assert.True(t, xerrors.HasCode(err, xerrors.CodeCancelled))
}

func TestClientUnknownTarget(t *testing.T) {
	client := New(nil, Options{})
	_, err := client.Analyze(context.Background(), testCall(agent.AgentC))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeAgentUnavailable))
}

func TestClassifyStatus(t *testing.T) {
	cases := map[int]xerrors.Code{
		http.StatusBadRequest:            xerrors.CodeInvalidArgument,
		http.StatusUnauthorized:          xerrors.CodeUnauthenticated,
		http.StatusForbidden:             xerrors.CodePermissionDenied,
		http.StatusRequestEntityTooLarge: xerrors.CodePayloadTooLarge,
		http.StatusTooManyRequests:       xerrors.CodeRateLimited,
		http.StatusBadGateway:            xerrors.CodeAgentUnavailable,
		http.StatusGatewayTimeout:        xerrors.CodeTimeout,
	}
	for status, code := range cases {
		err := ClassifyStatus(status, "")
		assert.Equal(t, code, xerrors.CodeOf(err), "status %d", status)
	}
	assert.NoError(t, ClassifyStatus(http.StatusAccepted, ""))
	assert.False(t, xerrors.RetryableError(ClassifyStatus(http.StatusUnauthorized, "")))
	assert.True(t, xerrors.RetryableError(ClassifyStatus(http.StatusServiceUnavailable, "")))
}

func TestHTTPTransportPollMode(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "req-1", r.Header.Get(HeaderRequestID))
		assert.Equal(t, "A", r.Header.Get(HeaderSourceAgent))
		assert.Equal(t, "corr-1", r.Header.Get(HeaderCorrelationID))
		assert.Equal(t, "Bearer tok-A", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/analyze-backend":
			var body AnalyzeRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "remote unlock", body.Feature)
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(AnalyzeAccepted{AnalysisID: "an-1", PollingURL: "/api/v1/analyses/an-1"})
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/analyses/an-1":
			job := AnalysisJob{AnalysisID: "an-1", Status: JobRunning}
			if polls.Add(1) >= 2 {
				job.Status = JobCompleted
				job.Analysis = &agent.Analysis{EffortHours: 4, NeedsAgentC: true}
			}
			_ = json.NewEncoder(w).Encode(job)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	transport, err := NewHTTPTransport(HTTPConfig{
		BaseURL:      srv.URL,
		Path:         "/api/v1/analyze-backend",
		PollInterval: 10 * time.Millisecond,
		Tokens:       staticTokens{},
		HTTPClient:   srv.Client(),
	})
	require.NoError(t, err)
	analysis, err := transport.Invoke(context.Background(), testCall(agent.AgentB))
	require.NoError(t, err)
	assert.True(t, analysis.NeedsAgentC)
	assert.Equal(t, int32(2), polls.Load())
}

func TestHTTPTransportCallbackMode(t *testing.T) {
	callbacks := NewCallbacks()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body AnalyzeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "http://orchestrator/api/v1/callback/backend-analysis", body.CallbackURL)
		go func() {
			time.Sleep(10 * time.Millisecond)
			_ = callbacks.Deliver(CallbackPayload{
				AnalysisID:    "an-2",
				CallbackToken: body.CallbackToken,
				Status:        JobCompleted,
				Analysis:      &agent.Analysis{EffortHours: 4},
			})
		}()
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(AnalyzeAccepted{AnalysisID: "an-2"})
	}))
	defer srv.Close()

	transport, err := NewHTTPTransport(HTTPConfig{
		BaseURL:     srv.URL,
		Path:        "/api/v1/analyze-backend",
		Mode:        ModeCallback,
		CallbackURL: "http://orchestrator/api/v1/callback/backend-analysis",
		Callbacks:   callbacks,
		HTTPClient:  srv.Client(),
	})
	require.NoError(t, err)
	analysis, err := transport.Invoke(context.Background(), testCall(agent.AgentB))
	require.NoError(t, err)
	assert.Equal(t, 4.0, analysis.EffortHours)
	assert.Equal(t, 0, callbacks.Pending())
}

func TestHTTPTransportConnectionRefusedIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	transport, err := NewHTTPTransport(HTTPConfig{BaseURL: addr, Path: "/api/v1/analyze-incar"})
	require.NoError(t, err)
	_, err = transport.Invoke(context.Background(), testCall(agent.AgentC))
	require.Error(t, err)
	assert.True(t, xerrors.RetryableError(err))
}

func TestCallbacksRejectUnknownToken(t *testing.T) {
	callbacks := NewCallbacks()
	err := callbacks.Deliver(CallbackPayload{CallbackToken: "nope"})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))
}
