package orchestrator

import (
	"time"

	"FeatureScope/internal/agent"
	"FeatureScope/internal/request"
)

// Thresholds 控制 caution 建议的触发阈值。
type Thresholds struct {
	CautionEffortHours float64
	CautionRiskCount   int
}

// DefaultThresholds 返回 80 小时、6 项风险的默认阈值。
func DefaultThresholds() Thresholds {
	return Thresholds{CautionEffortHours: 80, CautionRiskCount: 6}
}

// composeLayer 合并自身分析与直接下游的汇总视图，不展开孙节点。
func composeLayer(id agent.ID, taskID string, analysis *agent.Analysis, children []*request.LayerResult) *request.LayerResult {
	layer := &request.LayerResult{
		AgentID:                 id,
		TaskID:                  taskID,
		Status:                  request.TaskCompleted,
		Analysis:                analysis.Clone(),
		ConsolidatedEffortHours: analysis.EffortHours,
		Risks:                   append([]string{}, analysis.Risks...),
	}
	for _, child := range children {
		if child == nil {
			continue
		}
		layer.Downstream = append(layer.Downstream, child)
		layer.ConsolidatedEffortHours += child.ConsolidatedEffortHours
		layer.Risks = append(layer.Risks, child.Risks...)
	}
	return layer
}

func failedLayer(id agent.ID, taskID string, status request.TaskStatus, taskErr *request.Failure) *request.LayerResult {
	return &request.LayerResult{
		AgentID: id,
		TaskID:  taskID,
		Status:  status,
		Risks:   []string{},
		Error:   taskErr,
	}
}

// OverallStatus 根据调用树计算整体状态。
func OverallStatus(root *request.LayerResult) request.Status {
	if root == nil || root.Status != request.TaskCompleted {
		return request.StatusFailed
	}
	failed := false
	walk(root, func(l *request.LayerResult) {
		if l.Status.Failed() {
			failed = true
		}
	})
	if failed {
		return request.StatusPartialFailure
	}
	return request.StatusCompleted
}

// Recommend 计算建议等级。
func Recommend(status request.Status, effortHours float64, riskCount int, th Thresholds) request.Recommendation {
	switch {
	case status == request.StatusFailed:
		return request.RecommendStop
	case status == request.StatusPartialFailure,
		effortHours > th.CautionEffortHours,
		riskCount >= th.CautionRiskCount:
		return request.RecommendCaution
	default:
		return request.RecommendProceed
	}
}

// Consolidate 由根层汇总视图生成最终结果。
func Consolidate(requestID string, root *request.LayerResult, th Thresholds, at time.Time) *request.ConsolidatedResult {
	status := OverallStatus(root)
	result := &request.ConsolidatedResult{
		RequestID:     requestID,
		OverallStatus: status,
		Layers:        root,
		Risks:         []string{},
		CompletedAt:   at.UTC(),
	}
	if root != nil {
		result.TotalEffortHours = root.ConsolidatedEffortHours
		result.Risks = append(result.Risks, root.Risks...)
		walk(root, func(l *request.LayerResult) {
			result.AgentsInvolved = append(result.AgentsInvolved, l.AgentID)
			if !l.Status.Failed() {
				return
			}
			branch := request.BranchError{AgentID: l.AgentID, TaskID: l.TaskID, Status: l.Status}
			if l.Error != nil {
				branch.Code = l.Error.Code
				branch.Message = l.Error.Message
			}
			result.Errors = append(result.Errors, branch)
		})
	}
	result.Recommendation = Recommend(status, result.TotalEffortHours, len(result.Risks), th)
	return result
}

// walk 按调用树先序遍历。
func walk(l *request.LayerResult, fn func(*request.LayerResult)) {
	if l == nil {
		return
	}
	fn(l)
	for _, child := range l.Downstream {
		walk(child, fn)
	}
}
