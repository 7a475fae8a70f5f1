package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FeatureScope/internal/agent"
	"FeatureScope/internal/agentclient"
	xerrors "FeatureScope/internal/errors"
	"FeatureScope/internal/request"
	"FeatureScope/internal/webhook"
)

type fixture struct {
	store     *request.MemoryStore
	orch      *Orchestrator
	analyzers map[agent.ID]*agent.StaticAnalyzer
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

// newFixture 以进程内 Transport 组装编排器，overrides 中的 Analyzer 优先于演示分析。
func newFixture(t *testing.T, overrides map[agent.ID]agent.Analyzer, timeout time.Duration, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{store: request.NewMemoryStore(), analyzers: map[agent.ID]*agent.StaticAnalyzer{}}
	transports := map[agent.ID]agentclient.Transport{}
	for id, a := range agent.DemoAnalyses() {
		static := agent.NewStaticAnalyzer(a)
		f.analyzers[id] = static
		var analyzer agent.Analyzer = static
		if o, ok := overrides[id]; ok {
			analyzer = o
		}
		transports[id] = agentclient.NewLocalTransport(analyzer)
	}
	client := agentclient.New(transports, agentclient.Options{Timeout: timeout, Sleep: noSleep})
	f.orch = New(f.store, client, agent.NewTopology(agent.DefaultCatalog()), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.orch.Shutdown(ctx)
	})
	return f
}

func (f *fixture) waitFinal(t *testing.T, id string) *request.Request {
	t.Helper()
	var req *request.Request
	require.Eventually(t, func() bool {
		r, err := f.store.GetRequest(context.Background(), id)
		if err != nil {
			return false
		}
		req = r
		return r.Status.Final()
	}, 5*time.Second, 5*time.Millisecond)
	return req
}

func staticWith(mutate func(*agent.Analysis), base *agent.Analysis) agent.Analyzer {
	a := base.Clone()
	mutate(a)
	return agent.NewStaticAnalyzer(a)
}

func blocking() agent.Analyzer {
	return agent.AnalyzerFunc(func(ctx context.Context, _ agent.Input) (*agent.Analysis, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
}

func TestFullTreeConsolidatesEffort(t *testing.T) {
	f := newFixture(t, nil, time.Second)
	req, err := f.orch.Submit(context.Background(), SubmitInput{Feature: "remote unlock", Priority: request.PriorityHigh, UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, request.StatusProcessing, req.Status)

	final := f.waitFinal(t, req.ID)
	require.NotNil(t, final.Result)
	res := final.Result
	assert.Equal(t, request.StatusCompleted, res.OverallStatus)
	assert.Equal(t, 14.0, res.TotalEffortHours)
	assert.Equal(t, []agent.ID{agent.AgentA, agent.AgentB, agent.AgentC}, res.AgentsInvolved)
	assert.Equal(t, request.RecommendProceed, res.Recommendation)

	require.Len(t, res.Layers.Downstream, 1)
	b := res.Layers.Downstream[0]
	assert.Equal(t, agent.AgentB, b.AgentID)
	assert.Equal(t, 8.0, b.ConsolidatedEffortHours)
	require.Len(t, b.Downstream, 1)
	assert.Equal(t, 4.0, b.Downstream[0].ConsolidatedEffortHours)

	tasks, err := f.store.ListTasks(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	for _, task := range tasks {
		assert.Equal(t, request.TaskCompleted, task.Status, "task %s", task.AgentID)
	}
	assert.Equal(t, tasks[0].ID, tasks[1].ParentTaskID)
	assert.Equal(t, tasks[1].ID, tasks[2].ParentTaskID)
}

func TestConcurrentSubmitsGetDistinctIDs(t *testing.T) {
	f := newFixture(t, nil, time.Second)
	ids := make(chan string, 10)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := f.orch.Submit(context.Background(), SubmitInput{Feature: "same feature"})
			if assert.NoError(t, err) {
				ids <- req.ID
			}
		}()
	}
	wg.Wait()
	close(ids)
	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 10)
}

func TestIdenticalFeatureIsNotDeduplicated(t *testing.T) {
	f := newFixture(t, nil, time.Second)
	first, err := f.orch.Submit(context.Background(), SubmitInput{Feature: "battery alerts"})
	require.NoError(t, err)
	second, err := f.orch.Submit(context.Background(), SubmitInput{Feature: "battery alerts"})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	assert.Equal(t, request.StatusCompleted, f.waitFinal(t, first.ID).Status)
	assert.Equal(t, request.StatusCompleted, f.waitFinal(t, second.ID).Status)
	assert.Equal(t, 2, f.analyzers[agent.AgentA].Calls())
}

func TestAgentBTimeoutYieldsPartialFailure(t *testing.T) {
	f := newFixture(t, map[agent.ID]agent.Analyzer{agent.AgentB: blocking()}, 100*time.Millisecond)
	started := time.Now()
	req, err := f.orch.Submit(context.Background(), SubmitInput{Feature: "fleet report"})
	require.NoError(t, err)

	final := f.waitFinal(t, req.ID)
	assert.Less(t, time.Since(started), 5*time.Second)
	assert.Equal(t, request.StatusPartialFailure, final.Status)
	res := final.Result
	assert.Equal(t, 6.0, res.TotalEffortHours)
	assert.Equal(t, request.RecommendCaution, res.Recommendation)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, agent.AgentB, res.Errors[0].AgentID)
	assert.Equal(t, request.TaskTimeout, res.Errors[0].Status)
	assert.Equal(t, string(xerrors.CodeTimeout), res.Errors[0].Code)

	tasks, err := f.store.ListTasks(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, request.TaskCompleted, tasks[0].Status)
	assert.Equal(t, request.TaskTimeout, tasks[1].Status)
	assert.Zero(t, f.analyzers[agent.AgentC].Calls())
}

// stubborn 忽略 ctx，睡满 d 后才返回，返回时关闭 returned。
func stubborn(d time.Duration, returned chan struct{}) agent.Analyzer {
	return agent.AnalyzerFunc(func(context.Context, agent.Input) (*agent.Analysis, error) {
		defer close(returned)
		time.Sleep(d)
		return agent.DemoAnalyses()[agent.AgentB], nil
	})
}

func TestRequestDeadlineBoundsUncooperativeAgent(t *testing.T) {
	returned := make(chan struct{})
	f := newFixture(t, map[agent.ID]agent.Analyzer{agent.AgentB: stubborn(time.Second, returned)},
		5*time.Second, WithRequestTimeout(150*time.Millisecond))
	req, err := f.orch.Submit(context.Background(), SubmitInput{Feature: "fleet report"})
	require.NoError(t, err)

	final := f.waitFinal(t, req.ID)
	select {
	case <-returned:
		t.Fatal("request finalized only after the agent replied")
	default:
	}
	assert.Equal(t, request.StatusPartialFailure, final.Status)
	require.Len(t, final.Result.Errors, 1)
	assert.Equal(t, agent.AgentB, final.Result.Errors[0].AgentID)
	assert.Equal(t, request.TaskTimeout, final.Result.Errors[0].Status)

	<-returned
	time.Sleep(50 * time.Millisecond)
	tasks, err := f.store.ListTasks(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, request.TaskTimeout, tasks[1].Status)
	assert.Zero(t, f.analyzers[agent.AgentC].Calls())
}

func TestNoAgentBWhenNotNeeded(t *testing.T) {
	demo := agent.DemoAnalyses()
	f := newFixture(t, map[agent.ID]agent.Analyzer{
		agent.AgentA: staticWith(func(a *agent.Analysis) { a.NeedsAgentB = false }, demo[agent.AgentA]),
	}, time.Second)
	req, err := f.orch.Submit(context.Background(), SubmitInput{Feature: "copy change"})
	require.NoError(t, err)

	final := f.waitFinal(t, req.ID)
	assert.Equal(t, request.StatusCompleted, final.Status)
	assert.Equal(t, 6.0, final.Result.TotalEffortHours)
	assert.Zero(t, f.analyzers[agent.AgentB].Calls())
	assert.Zero(t, f.analyzers[agent.AgentC].Calls())
}

func TestEntryLayerCannotReachLeaf(t *testing.T) {
	demo := agent.DemoAnalyses()
	f := newFixture(t, map[agent.ID]agent.Analyzer{
		agent.AgentA: staticWith(func(a *agent.Analysis) {
			a.NeedsAgentB = false
			a.NeedsAgentC = true
		}, demo[agent.AgentA]),
	}, time.Second)
	req, err := f.orch.Submit(context.Background(), SubmitInput{Feature: "door sensor"})
	require.NoError(t, err)

	final := f.waitFinal(t, req.ID)
	assert.Equal(t, request.StatusCompleted, final.Status)
	require.Len(t, final.Result.Layers.DeniedDispatches, 1)
	assert.Contains(t, final.Result.Layers.DeniedDispatches[0], "A→C")
	assert.Zero(t, f.analyzers[agent.AgentC].Calls())
}

func TestRootFailureIsFailed(t *testing.T) {
	failing := agent.AnalyzerFunc(func(context.Context, agent.Input) (*agent.Analysis, error) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "feature text rejected")
	})
	f := newFixture(t, map[agent.ID]agent.Analyzer{agent.AgentA: failing}, time.Second)
	req, err := f.orch.Submit(context.Background(), SubmitInput{Feature: "???"})
	require.NoError(t, err)

	final := f.waitFinal(t, req.ID)
	assert.Equal(t, request.StatusFailed, final.Status)
	assert.Equal(t, request.RecommendStop, final.Result.Recommendation)
	assert.Zero(t, f.analyzers[agent.AgentB].Calls())

	task, err := f.store.GetTask(context.Background(), final.Result.Layers.TaskID)
	require.NoError(t, err)
	assert.Zero(t, task.RetryCount)
	assert.Equal(t, string(xerrors.CodeInvalidArgument), task.Error.Code)
}

func TestTransientFailureIsRetried(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	flaky := agent.AnalyzerFunc(func(context.Context, agent.Input) (*agent.Analysis, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return nil, xerrors.New(xerrors.CodeAgentUnavailable, "warming up")
		}
		return agent.DemoAnalyses()[agent.AgentC], nil
	})
	f := newFixture(t, map[agent.ID]agent.Analyzer{agent.AgentC: flaky}, time.Second)
	req, err := f.orch.Submit(context.Background(), SubmitInput{Feature: "remote start"})
	require.NoError(t, err)

	final := f.waitFinal(t, req.ID)
	assert.Equal(t, request.StatusCompleted, final.Status)
	leaf := final.Result.Layers.Downstream[0].Downstream[0]
	task, err := f.store.GetTask(context.Background(), leaf.TaskID)
	require.NoError(t, err)
	assert.Equal(t, 2, task.RetryCount)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, nil, time.Second)
	ctx := context.Background()

	_, err := f.orch.Submit(ctx, SubmitInput{Feature: "   "})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	_, err = f.orch.Submit(ctx, SubmitInput{Feature: "x", Priority: "urgent"})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	req, err := f.orch.Submit(ctx, SubmitInput{RequestID: "fixed-id", Feature: "x"})
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", req.ID)
	assert.Equal(t, request.PriorityMedium, req.Priority)
	assert.NotEmpty(t, req.CorrelationID)

	_, err = f.orch.Submit(ctx, SubmitInput{RequestID: "fixed-id", Feature: "x"})
	assert.ErrorIs(t, err, request.ErrRequestExists)
}

func TestCancelAbortsInFlightDispatch(t *testing.T) {
	f := newFixture(t, map[agent.ID]agent.Analyzer{agent.AgentA: blocking()}, 10*time.Second)
	ctx := context.Background()
	req, err := f.orch.Submit(ctx, SubmitInput{Feature: "slow"})
	require.NoError(t, err)

	require.NoError(t, f.orch.Cancel(ctx, req.ID))
	final := f.waitFinal(t, req.ID)
	assert.True(t, final.Cancelled)
	assert.Equal(t, request.StatusFailed, final.Status)
	assert.Equal(t, string(xerrors.CodeCancelled), final.Result.Errors[0].Code)

	assert.ErrorIs(t, f.orch.Cancel(ctx, req.ID), request.ErrAlreadyFinal)
	assert.ErrorIs(t, f.orch.Cancel(ctx, "missing"), request.ErrRequestNotFound)
}

func TestShutdownRejectsNewWork(t *testing.T) {
	f := newFixture(t, map[agent.ID]agent.Analyzer{agent.AgentA: blocking()}, 10*time.Second)
	req, err := f.orch.Submit(context.Background(), SubmitInput{Feature: "slow"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.orch.Shutdown(ctx))
	assert.Zero(t, f.orch.InFlight())
	assert.True(t, f.waitFinal(t, req.ID).Status.Final())

	_, err = f.orch.Submit(context.Background(), SubmitInput{Feature: "late"})
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []webhook.Notification
}

func (r *recordingNotifier) Publish(_ context.Context, n webhook.Notification) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, n)
	return 1, nil
}

func (r *recordingNotifier) snapshot() []webhook.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]webhook.Notification(nil), r.events...)
}

func TestFinalizePublishesEvent(t *testing.T) {
	n := &recordingNotifier{}
	f := newFixture(t, map[agent.ID]agent.Analyzer{agent.AgentB: blocking()}, 50*time.Millisecond,
		WithNotifier(n), WithPublicURL("https://scope.example.com/"))
	req, err := f.orch.Submit(context.Background(), SubmitInput{Feature: "x"})
	require.NoError(t, err)
	f.waitFinal(t, req.ID)

	require.Eventually(t, func() bool { return len(n.snapshot()) == 1 }, 5*time.Second, 5*time.Millisecond)
	ev := n.snapshot()[0]
	assert.Equal(t, webhook.EventPartialFailure, ev.Event)
	assert.Equal(t, req.ID, ev.RequestID)
	assert.Equal(t, "https://scope.example.com/api/v1/results/"+req.ID, ev.ResultURL)
}

func TestRecoverStaleFinalizesInterruptedRequests(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, time.Second)
	now := time.Now().UTC()

	req := &request.Request{ID: "stale", Feature: "x", Priority: request.PriorityLow, CorrelationID: "c", Status: request.StatusProcessing, SubmittedAt: now, UpdatedAt: now}
	root := &request.AgentTask{ID: "stale-a", RequestID: "stale", AgentID: agent.AgentA, Status: request.TaskPending, CreatedAt: now}
	require.NoError(t, f.store.CreateRequest(ctx, req, root))
	require.NoError(t, f.store.CreateTask(ctx, &request.AgentTask{ID: "stale-b", RequestID: "stale", AgentID: agent.AgentB, ParentTaskID: "stale-a", CreatedAt: now}))
	_, err := f.store.TransitionTask(ctx, "stale-a", request.TaskCompleted, request.TaskUpdate{Result: []byte(`{"effort_hours":6,"risks":["r"],"needs_agent_b":true}`)})
	require.NoError(t, err)
	_, err = f.store.TransitionTask(ctx, "stale-b", request.TaskInProgress, request.TaskUpdate{})
	require.NoError(t, err)

	n, err := f.orch.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.GetRequest(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, request.StatusPartialFailure, got.Status)
	assert.Equal(t, 6.0, got.Result.TotalEffortHours)
	b, err := f.store.GetTask(ctx, "stale-b")
	require.NoError(t, err)
	assert.Equal(t, request.TaskError, b.Status)
}
