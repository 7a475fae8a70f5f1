package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"FeatureScope/sdk/go/featurescope"
)

func main() {
	submitted := time.Now().UTC()
	polls := 0

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/feature-request", func(w http.ResponseWriter, r *http.Request) {
		var fr featurescope.FeatureRequest
		_ = json.NewDecoder(r.Body).Decode(&fr)
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(featurescope.Submission{
			RequestID:   fr.RequestID,
			Status:      "processing",
			TrackingURL: "/api/v1/status/" + fr.RequestID,
		})
	})
	mux.HandleFunc("GET /api/v1/status/req-demo", func(w http.ResponseWriter, r *http.Request) {
		polls++
		status := featurescope.Status{
			RequestID:   "req-demo",
			Status:      "processing",
			Progress:    map[string]string{"agent_a": "completed", "agent_b": "in_progress", "agent_c": "pending"},
			SubmittedAt: submitted,
		}
		if polls > 1 {
			status.Status = "completed"
			status.Progress = map[string]string{"agent_a": "completed", "agent_b": "completed", "agent_c": "completed"}
		}
		_ = json.NewEncoder(w).Encode(status)
	})
	mux.HandleFunc("GET /api/v1/results/req-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(featurescope.Result{
			RequestID:        "req-demo",
			OverallStatus:    "completed",
			TotalEffortHours: 14,
			Recommendation:   "proceed",
			AgentsInvolved:   []string{"A", "B", "C"},
			CompletedAt:      time.Now().UTC(),
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := featurescope.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}
	client.SetAccessToken("demo-token")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := client.Submit(ctx, featurescope.FeatureRequest{
		RequestID: "req-demo",
		Feature:   "Add remote unlock from the mobile app",
		Priority:  "high",
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted %s (status=%s, tracking=%s)\n", sub.RequestID, sub.Status, sub.TrackingURL)

	result, err := client.WaitForResult(ctx, sub.RequestID, 100*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("request %s finished: %s, %.0fh, recommendation=%s, agents=%v\n",
		result.RequestID, result.OverallStatus, result.TotalEffortHours, result.Recommendation, result.AgentsInvolved)
}
