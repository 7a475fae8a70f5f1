package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FeatureScope/internal/agent"
	xerrors "FeatureScope/internal/errors"
	"FeatureScope/internal/request"
)

func seedRequest(t *testing.T, store *request.MemoryStore, submitted time.Time) *request.AgentTask {
	t.Helper()
	req := &request.Request{
		ID:          "req-1",
		Feature:     "remote unlock",
		Priority:    request.PriorityMedium,
		Status:      request.StatusProcessing,
		SubmittedAt: submitted,
		UpdatedAt:   submitted,
	}
	root := &request.AgentTask{ID: "task-a", RequestID: "req-1", AgentID: agent.AgentA, Status: request.TaskPending, CreatedAt: submitted}
	require.NoError(t, store.CreateRequest(context.Background(), req, root))
	return root
}

func TestProgressNotRequiredWhenParentSkipsDispatch(t *testing.T) {
	ctx := context.Background()
	store := request.NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedRequest(t, store, now)
	_, err := store.TransitionTask(ctx, "task-a", request.TaskCompleted, request.TaskUpdate{At: now})
	require.NoError(t, err)

	svc := NewService(store, agent.DefaultCatalog(), time.Minute)
	svc.now = func() time.Time { return now }
	view, err := svc.GetStatus(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"agent_a": "completed",
		"agent_b": ProgressNotRequired,
		"agent_c": ProgressNotRequired,
	}, view.Progress)
}

func TestEstimatedCompletion(t *testing.T) {
	ctx := context.Background()
	submitted := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := submitted.Add(5 * time.Second)

	t.Run("sums remaining layers", func(t *testing.T) {
		store := request.NewMemoryStore()
		seedRequest(t, store, submitted)
		_, err := store.TransitionTask(ctx, "task-a", request.TaskInProgress, request.TaskUpdate{At: submitted})
		require.NoError(t, err)

		svc := NewService(store, agent.DefaultCatalog(), time.Minute)
		svc.now = func() time.Time { return now }
		view, err := svc.GetStatus(ctx, "req-1")
		require.NoError(t, err)
		require.NotNil(t, view.EstimatedCompletion)
		// A 剩余 10s，B、C 各 15s。
		assert.Equal(t, now.Add(40*time.Second), *view.EstimatedCompletion)
	})

	t.Run("capped by request deadline", func(t *testing.T) {
		store := request.NewMemoryStore()
		seedRequest(t, store, submitted)

		svc := NewService(store, agent.DefaultCatalog(), 20*time.Second)
		svc.now = func() time.Time { return now }
		view, err := svc.GetStatus(ctx, "req-1")
		require.NoError(t, err)
		require.NotNil(t, view.EstimatedCompletion)
		assert.Equal(t, submitted.Add(20*time.Second), *view.EstimatedCompletion)
	})
}

func TestGetResultStates(t *testing.T) {
	ctx := context.Background()
	store := request.NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedRequest(t, store, now)
	svc := NewService(store, nil, 0)

	_, err := svc.GetResult(ctx, "req-1")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNotReady))

	_, err = svc.GetResult(ctx, "nope")
	assert.ErrorIs(t, err, request.ErrRequestNotFound)

	_, err = store.TransitionTask(ctx, "task-a", request.TaskCompleted, request.TaskUpdate{At: now})
	require.NoError(t, err)
	require.NoError(t, store.Finalize(ctx, "req-1", &request.ConsolidatedResult{
		RequestID:      "req-1",
		OverallStatus:  request.StatusCompleted,
		Recommendation: request.RecommendProceed,
		AgentsInvolved: []agent.ID{agent.AgentA},
		CompletedAt:    now,
	}))

	res, err := svc.GetResult(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, request.StatusCompleted, res.OverallStatus)

	view, err := svc.GetStatus(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, request.StatusCompleted, view.Status)
	assert.Equal(t, ProgressNotRequired, view.Progress["agent_b"])
}

func TestRenderMarkdownFailedBranch(t *testing.T) {
	result := &request.ConsolidatedResult{
		RequestID:        "req-9",
		OverallStatus:    request.StatusPartialFailure,
		TotalEffortHours: 6,
		Recommendation:   request.RecommendCaution,
		AgentsInvolved:   []agent.ID{agent.AgentA, agent.AgentB},
		Layers: &request.LayerResult{
			AgentID:                 agent.AgentA,
			Status:                  request.TaskCompleted,
			Analysis:                &agent.Analysis{Impact: "UI", EffortHours: 6, NeedsAgentB: true},
			ConsolidatedEffortHours: 6,
			Downstream: []*request.LayerResult{{
				AgentID: agent.AgentB,
				Status:  request.TaskTimeout,
				Error:   &request.Failure{Code: "TIMEOUT", Message: "deadline exceeded"},
			}},
		},
		Errors: []request.BranchError{{AgentID: agent.AgentB, Status: request.TaskTimeout, Code: "TIMEOUT", Message: "deadline exceeded"}},
	}

	out, err := RenderMarkdown("fleet report", result, nil)
	require.NoError(t, err)
	assert.Contains(t, out, "**Overall Status**: partial_failure")
	assert.Contains(t, out, "**Error**: TIMEOUT: deadline exceeded")
	assert.Contains(t, out, "- Agent B: [OK] Required")
	assert.Contains(t, out, "## Errors")
	assert.NotContains(t, out, "<no value>")
}
