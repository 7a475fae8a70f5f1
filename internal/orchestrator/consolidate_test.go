package orchestrator

import (
	"testing"
	"time"

	"FeatureScope/internal/agent"
	"FeatureScope/internal/request"
)

func TestComposeLayerCountsEachLayerOnce(t *testing.T) {
	c := composeLayer(agent.AgentC, "c", &agent.Analysis{EffortHours: 4, Risks: []string{"firmware"}}, nil)
	b := composeLayer(agent.AgentB, "b", &agent.Analysis{EffortHours: 4, Risks: []string{"gateway"}}, []*request.LayerResult{c})
	a := composeLayer(agent.AgentA, "a", &agent.Analysis{EffortHours: 6}, []*request.LayerResult{b})

	if b.ConsolidatedEffortHours != 8 {
		t.Fatalf("backend consolidated effort = %v, want 8", b.ConsolidatedEffortHours)
	}
	if a.ConsolidatedEffortHours != 14 {
		t.Fatalf("total effort = %v, want 14", a.ConsolidatedEffortHours)
	}
	if len(a.Risks) != 2 {
		t.Fatalf("risks = %v", a.Risks)
	}

	res := Consolidate("r1", a, DefaultThresholds(), time.Unix(0, 0))
	if res.TotalEffortHours != 14 || res.OverallStatus != request.StatusCompleted {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.AgentsInvolved) != 3 || res.AgentsInvolved[2] != agent.AgentC {
		t.Fatalf("agents involved = %v", res.AgentsInvolved)
	}
}

func TestOverallStatus(t *testing.T) {
	ok := func(id agent.ID, children ...*request.LayerResult) *request.LayerResult {
		return composeLayer(id, string(id), &agent.Analysis{EffortHours: 1}, children)
	}
	timeout := failedLayer(agent.AgentB, "b", request.TaskTimeout, &request.Failure{Code: "TIMEOUT"})

	cases := []struct {
		name string
		root *request.LayerResult
		want request.Status
	}{
		{"nil root", nil, request.StatusFailed},
		{"root failed", failedLayer(agent.AgentA, "a", request.TaskError, nil), request.StatusFailed},
		{"all succeeded", ok(agent.AgentA, ok(agent.AgentB, ok(agent.AgentC))), request.StatusCompleted},
		{"branch timed out", ok(agent.AgentA, timeout), request.StatusPartialFailure},
		{"leaf failed", ok(agent.AgentA, ok(agent.AgentB, failedLayer(agent.AgentC, "c", request.TaskError, nil))), request.StatusPartialFailure},
	}
	for _, tc := range cases {
		if got := OverallStatus(tc.root); got != tc.want {
			t.Errorf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}

func TestRecommend(t *testing.T) {
	th := DefaultThresholds()
	cases := []struct {
		status request.Status
		effort float64
		risks  int
		want   request.Recommendation
	}{
		{request.StatusFailed, 0, 0, request.RecommendStop},
		{request.StatusPartialFailure, 1, 0, request.RecommendCaution},
		{request.StatusCompleted, 80, 5, request.RecommendProceed},
		{request.StatusCompleted, 80.5, 0, request.RecommendCaution},
		{request.StatusCompleted, 10, 6, request.RecommendCaution},
	}
	for _, tc := range cases {
		if got := Recommend(tc.status, tc.effort, tc.risks, th); got != tc.want {
			t.Errorf("Recommend(%s, %v, %d) = %s, want %s", tc.status, tc.effort, tc.risks, got, tc.want)
		}
	}
}

func TestRebuildLayers(t *testing.T) {
	tasks := []*request.AgentTask{
		{ID: "a", AgentID: agent.AgentA, Status: request.TaskCompleted, Result: []byte(`{"effort_hours":6,"needs_agent_b":true}`)},
		{ID: "b", AgentID: agent.AgentB, ParentTaskID: "a", Status: request.TaskCompleted, Result: []byte(`{"effort_hours":4,"needs_agent_c":true}`)},
		{ID: "c", AgentID: agent.AgentC, ParentTaskID: "b", Status: request.TaskCompleted, Result: []byte(`{"effort_hours":4}`)},
	}
	root := RebuildLayers(tasks)
	if root == nil || root.ConsolidatedEffortHours != 14 {
		t.Fatalf("unexpected rebuilt root %+v", root)
	}
	if RebuildLayers(nil) != nil {
		t.Fatal("expected nil for empty task list")
	}
}
