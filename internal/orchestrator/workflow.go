package orchestrator

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"FeatureScope/internal/agent"
	"FeatureScope/internal/agentclient"
	xerrors "FeatureScope/internal/errors"
	"FeatureScope/internal/observability/alerting"
	"FeatureScope/internal/observability/metrics"
	"FeatureScope/internal/request"
	"FeatureScope/internal/webhook"
	"FeatureScope/pkg/logger"
)

var tracer = otel.Tracer("featurescope/orchestrator")

// node 是调用树中的一个待执行节点。
type node struct {
	task     *request.AgentTask
	source   agent.ID
	path     []agent.ID
	upstream *agent.Analysis
}

func (o *Orchestrator) execute(ctx context.Context, req *request.Request, root *request.AgentTask) {
	metrics.WorkflowStarted()
	defer metrics.WorkflowFinished()

	ctx, span := tracer.Start(ctx, "request.workflow")
	span.SetAttributes(attribute.String("request_id", req.ID))
	defer span.End()

	log := logger.With(ctx)
	log.Info("开始处理分析请求", slog.String("priority", string(req.Priority)))

	layers := o.runNode(ctx, req, node{task: root, source: agentclient.SourceIntake})
	result := Consolidate(req.ID, layers, o.thresholds, o.now())
	span.SetAttributes(attribute.String("overall_status", string(result.OverallStatus)))
	o.finalize(context.WithoutCancel(ctx), req, result)
}

// runNode 执行单个节点：派发分析，按决策派发直接下游并等待其全部结束，最后合并视图。
func (o *Orchestrator) runNode(ctx context.Context, req *request.Request, n node) *request.LayerResult {
	task := n.task
	ctx, span := tracer.Start(ctx, "agent.node")
	span.SetAttributes(
		attribute.String("agent_id", string(task.AgentID)),
		attribute.String("task_id", task.ID),
	)
	defer span.End()

	log := logger.With(ctx).With(slog.String("task_id", task.ID), slog.String("agent_id", string(task.AgentID)))
	store := context.WithoutCancel(ctx)

	if err := ctx.Err(); err != nil {
		return o.failTask(store, task, agentclient.Classify(err), log)
	}
	if _, err := o.store.TransitionTask(store, task.ID, request.TaskInProgress, request.TaskUpdate{At: o.now()}); err != nil {
		log.Warn("任务无法进入执行状态", slog.Any("error", err))
		if stdErrors.Is(err, request.ErrInvalidTransition) {
			return failedLayer(task.AgentID, task.ID, request.TaskError, &request.Failure{
				Code: string(request.CodeInvalidTransition), Message: err.Error(),
			})
		}
	}

	handle, err := o.dispatcher.Analyze(ctx, agentclient.Call{
		RequestID:     req.ID,
		CorrelationID: req.CorrelationID,
		TaskID:        task.ID,
		Source:        n.source,
		Target:        task.AgentID,
		Input: agent.Input{
			RequestID:     req.ID,
			CorrelationID: req.CorrelationID,
			Feature:       req.Feature,
			Priority:      string(req.Priority),
			Upstream:      n.upstream,
		},
		OnRetry: func(retry int, lastErr error) {
			if _, err := o.store.RecordRetry(store, task.ID); err != nil {
				log.Warn("记录重试次数失败", slog.Any("error", err))
			}
		},
	})
	if err != nil {
		return o.failTask(store, task, err, log)
	}
	// 请求期限先到时立即按超时收尾，迟到的回复不会再写入任务。
	analysis, err := handle.Wait(ctx)
	if err != nil {
		handle.Cancel()
		return o.failTask(store, task, err, log)
	}

	path := append(append([]agent.ID(nil), n.path...), task.AgentID)
	decision := agent.DecidesDownstream(analysis)
	var (
		denied   []string
		children []node
	)
	for _, target := range o.topology.Catalog().IDs() {
		if target == task.AgentID || !decision.Wants(target) {
			continue
		}
		if err := o.topology.CanDispatch(task.AgentID, target, path); err != nil {
			log.Warn("拒绝越层派发", slog.String("target", string(target)), slog.Any("error", err))
			denied = append(denied, err.Error())
			continue
		}
		child := &request.AgentTask{
			ID:           uuid.NewString(),
			RequestID:    req.ID,
			AgentID:      target,
			ParentTaskID: task.ID,
			Status:       request.TaskPending,
			CreatedAt:    o.now().UTC(),
		}
		if err := o.store.CreateTask(store, child); err != nil {
			log.Error("创建下游任务失败", slog.String("target", string(target)), slog.Any("error", err))
			continue
		}
		children = append(children, node{task: child, source: task.AgentID, path: path, upstream: analysis})
	}

	views := make([]*request.LayerResult, len(children))
	var g errgroup.Group
	for i, child := range children {
		g.Go(func() error {
			views[i] = o.runNode(ctx, req, child)
			return nil
		})
	}
	_ = g.Wait()

	layer := composeLayer(task.AgentID, task.ID, analysis, views)
	layer.DeniedDispatches = denied

	raw, err := json.Marshal(analysis)
	if err != nil {
		log.Error("编码分析结果失败", slog.Any("error", err))
	}
	if _, err := o.store.TransitionTask(store, task.ID, request.TaskCompleted, request.TaskUpdate{At: o.now(), Result: raw}); err != nil {
		log.Error("写入任务完成状态失败", slog.Any("error", err))
	}
	metrics.ObserveTask(string(task.AgentID), string(request.TaskCompleted))
	log.Info("任务完成",
		slog.Float64("effort_hours", analysis.EffortHours),
		slog.Float64("consolidated_effort_hours", layer.ConsolidatedEffortHours),
		slog.Int("downstream", len(views)),
	)
	return layer
}

// failTask 将任务写为 timeout 或 error，并返回失败分支的视图。
func (o *Orchestrator) failTask(ctx context.Context, task *request.AgentTask, cause error, log *slog.Logger) *request.LayerResult {
	status := request.TaskError
	if xerrors.HasCode(cause, xerrors.CodeTimeout) {
		status = request.TaskTimeout
	}
	taskErr := &request.Failure{Code: string(xerrors.CodeOf(cause)), Message: cause.Error()}
	if e, ok := xerrors.From(cause); ok {
		taskErr.Message = e.Message()
	}
	if _, err := o.store.TransitionTask(ctx, task.ID, status, request.TaskUpdate{At: o.now(), Error: taskErr}); err != nil {
		log.Error("写入任务失败状态出错", slog.Any("error", err))
	}
	metrics.ObserveTask(string(task.AgentID), string(status))
	log.Warn("任务失败", slog.String("status", string(status)), slog.String("code", taskErr.Code), slog.String("error", cause.Error()))
	return failedLayer(task.AgentID, task.ID, status, taskErr)
}

func (o *Orchestrator) finalize(ctx context.Context, req *request.Request, result *request.ConsolidatedResult) {
	log := logger.With(ctx)
	if err := o.store.Finalize(ctx, req.ID, result); err != nil {
		if stdErrors.Is(err, request.ErrAlreadyFinal) {
			log.Warn("请求已结束，忽略重复收尾")
			return
		}
		log.Error("写入汇总结果失败", slog.Any("error", err))
		return
	}
	metrics.ObserveRequest(string(result.OverallStatus))
	logger.Audit().Info("分析请求结束",
		slog.String("request_id", req.ID),
		slog.String("overall_status", string(result.OverallStatus)),
		slog.String("recommendation", string(result.Recommendation)),
		slog.Float64("total_effort_hours", result.TotalEffortHours),
	)
	o.emitAlert(ctx, req, result)
	o.notify(ctx, req, result)
}

func (o *Orchestrator) notify(ctx context.Context, req *request.Request, result *request.ConsolidatedResult) {
	if o.notifier == nil {
		return
	}
	event := webhook.EventCompleted
	switch result.OverallStatus {
	case request.StatusPartialFailure:
		event = webhook.EventPartialFailure
	case request.StatusFailed:
		event = webhook.EventFailed
	}
	n := webhook.Notification{
		Event:            event,
		RequestID:        req.ID,
		OverallStatus:    string(result.OverallStatus),
		Recommendation:   string(result.Recommendation),
		TotalEffortHours: result.TotalEffortHours,
		CompletedAt:      result.CompletedAt,
	}
	if o.publicURL != "" {
		n.ResultURL = o.publicURL + "/api/v1/results/" + req.ID
	}
	if _, err := o.notifier.Publish(ctx, n); err != nil {
		logger.With(ctx).Error("发布 Webhook 事件失败", slog.Any("error", err))
	}
}

func (o *Orchestrator) emitAlert(ctx context.Context, req *request.Request, result *request.ConsolidatedResult) {
	if o.alerter == nil || result.OverallStatus == request.StatusCompleted {
		return
	}
	for _, branch := range result.Errors {
		code := xerrors.Code(branch.Code)
		event := alerting.Event{
			Code:       code,
			Message:    branch.Message,
			Severity:   xerrors.AttributesOf(code).Severity,
			RequestID:  req.ID,
			AgentID:    string(branch.AgentID),
			TaskID:     branch.TaskID,
			Attempts:   o.retries(ctx, branch.TaskID) + 1,
			Metadata:   map[string]string{"overall_status": string(result.OverallStatus)},
			OccurredAt: o.now(),
		}
		if err := o.alerter.Notify(ctx, event); err != nil {
			logger.With(ctx).Error("告警通知失败", slog.Any("error", err), slog.String("task_id", branch.TaskID))
		}
	}
}

func (o *Orchestrator) retries(ctx context.Context, taskID string) int {
	if taskID == "" {
		return 0
	}
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return 0
	}
	return task.RetryCount
}

// RecoverStale 收尾上次进程退出时仍处于 processing 的请求：未结束的任务标记为 error，
// 已完成任务的分析按调用树重新汇总。返回处理的请求数量。
func (o *Orchestrator) RecoverStale(ctx context.Context) (int, error) {
	recovered := 0
	for {
		page, _, err := o.store.List(ctx, request.BuildListOptions(
			request.WithStatuses(request.StatusProcessing),
			request.WithSortOrder(request.SortBySubmittedAsc),
			request.WithLimit(100),
		))
		if err != nil {
			return recovered, err
		}
		progressed := 0
		for _, req := range page {
			o.mu.Lock()
			_, running := o.running[req.ID]
			o.mu.Unlock()
			if running {
				continue
			}
			if o.recoverOne(ctx, req) {
				recovered++
				progressed++
			}
		}
		if progressed == 0 {
			return recovered, nil
		}
	}
}

func (o *Orchestrator) recoverOne(ctx context.Context, req *request.Request) bool {
	log := logger.With(logger.ContextWithRequest(ctx, req.ID, req.CorrelationID))
	tasks, err := o.store.ListTasks(ctx, req.ID)
	if err != nil {
		log.Error("读取任务树失败", slog.Any("error", err))
		return false
	}
	interrupted := &request.Failure{Code: string(xerrors.CodeCancelled), Message: "interrupted by service restart"}
	for i, t := range tasks {
		if t.Status.Terminal() {
			continue
		}
		updated, err := o.store.TransitionTask(ctx, t.ID, request.TaskError, request.TaskUpdate{At: o.now(), Error: interrupted})
		if err != nil {
			log.Warn("标记中断任务失败", slog.String("task_id", t.ID), slog.Any("error", err))
			continue
		}
		tasks[i] = updated
	}
	result := Consolidate(req.ID, RebuildLayers(tasks), o.thresholds, o.now())
	if err := o.store.Finalize(ctx, req.ID, result); err != nil {
		log.Warn("收尾中断请求失败", slog.Any("error", err))
		return false
	}
	metrics.ObserveRequest(string(result.OverallStatus))
	logger.Audit().Warn("中断请求已收尾",
		slog.String("request_id", req.ID),
		slog.String("overall_status", string(result.OverallStatus)),
	)
	return true
}

// RebuildLayers 由存储中的任务树重建汇总视图。
func RebuildLayers(tasks []*request.AgentTask) *request.LayerResult {
	byParent := make(map[string][]*request.AgentTask)
	var root *request.AgentTask
	for _, t := range tasks {
		if t.ParentTaskID == "" {
			if root == nil {
				root = t
			}
			continue
		}
		byParent[t.ParentTaskID] = append(byParent[t.ParentTaskID], t)
	}
	if root == nil {
		return nil
	}
	var build func(t *request.AgentTask) *request.LayerResult
	build = func(t *request.AgentTask) *request.LayerResult {
		if t.Status != request.TaskCompleted {
			return failedLayer(t.AgentID, t.ID, t.Status, t.Error)
		}
		var analysis agent.Analysis
		if err := json.Unmarshal(t.Result, &analysis); err != nil {
			return failedLayer(t.AgentID, t.ID, request.TaskError, &request.Failure{
				Code: string(xerrors.CodeUnknown), Message: "stored analysis is unreadable",
			})
		}
		var views []*request.LayerResult
		for _, child := range byParent[t.ID] {
			views = append(views, build(child))
		}
		return composeLayer(t.AgentID, t.ID, &analysis, views)
	}
	return build(root)
}
