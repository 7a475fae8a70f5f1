package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	xerrors "FeatureScope/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, e Event) error {
	r.events = append(r.events, e)
	return r.err
}

func TestFanoutDispatcher(t *testing.T) {
	ok := &recordingNotifier{channel: ChannelLog}
	bad := &recordingNotifier{channel: ChannelSlack, err: errors.New("boom")}
	d := NewFanout(ok, nil, bad)

	err := d.Notify(context.Background(), Event{Code: xerrors.CodeTimeout, RequestID: "r1"})
	if err == nil || !strings.Contains(err.Error(), "channel slack") {
		t.Fatalf("expected joined slack error, got %v", err)
	}
	if len(ok.events) != 1 || len(bad.events) != 1 {
		t.Fatalf("expected both notifiers to receive the event")
	}

	var nilDispatcher *FanoutDispatcher
	if err := nilDispatcher.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("nil dispatcher should be a no-op: %v", err)
	}
}

func TestSlackNotifier(t *testing.T) {
	var text string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		text = body["text"]
	}))
	defer srv.Close()

	n := &SlackNotifier{WebhookURL: srv.URL}
	err := n.Notify(context.Background(), Event{
		Code:      xerrors.CodeTimeout,
		Severity:  xerrors.SeverityWarning,
		Message:   "agent B timed out",
		RequestID: "r1",
		AgentID:   "B",
		Metadata:  map[string]string{"overall_status": "partial_failure"},
	})
	if err != nil {
		t.Fatalf("notify failed: %v", err)
	}
	for _, want := range []string{"TIMEOUT", "r1", "Agent: B", "overall_status: partial_failure"} {
		if !strings.Contains(text, want) {
			t.Fatalf("message %q missing %q", text, want)
		}
	}
}

func TestSlackNotifierUnconfigured(t *testing.T) {
	if err := (&SlackNotifier{}).Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("unconfigured notifier should skip: %v", err)
	}
}
