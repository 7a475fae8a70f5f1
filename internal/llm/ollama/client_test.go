package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"FeatureScope/internal/llm"
)

func TestGenerateSuccess(t *testing.T) {
	var captured generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":    "llama3",
			"response": " {\"impact\":\"low\"} ",
			"done":     true,
		})
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL + "/", Timeout: time.Second})
	resp, err := client.Generate(context.Background(), llm.Request{System: "sys", Prompt: "feature", JSON: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != `{"impact":"low"}` {
		t.Fatalf("unexpected text: %q", resp.Text)
	}
	if captured.System != "sys" || captured.Prompt != "feature" || captured.Format != "json" || captured.Stream {
		t.Fatalf("unexpected request body: %+v", captured)
	}
}

func TestGenerateHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL})
	if _, err := client.Generate(context.Background(), llm.Request{Prompt: "x"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestGenerateEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"response": "  ", "done": true})
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL})
	if _, err := client.Generate(context.Background(), llm.Request{Prompt: "x"}); err == nil {
		t.Fatalf("expected error for empty response")
	}
}
