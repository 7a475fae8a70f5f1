package agentclient

import (
	"FeatureScope/internal/agent"
)

// 跨 Agent 调用必须携带的头部。
const (
	HeaderRequestID     = "X-Request-ID"
	HeaderSourceAgent   = "X-Source-Agent"
	HeaderCorrelationID = "X-Correlation-ID"
)

// SourceIntake 标识由编排器入口发起的调用。
const SourceIntake agent.ID = "intake"

// AnalyzeRequest 是 analyze-* 接口的请求体。
type AnalyzeRequest struct {
	RequestID     string          `json:"request_id"`
	CorrelationID string          `json:"correlation_id"`
	TaskID        string          `json:"task_id,omitempty"`
	Feature       string          `json:"feature"`
	Priority      string          `json:"priority,omitempty"`
	Upstream      *agent.Analysis `json:"upstream_analysis,omitempty"`
	CallbackURL   string          `json:"callback_url,omitempty"`
	CallbackToken string          `json:"callback_token,omitempty"`
}

// AnalyzeAccepted 是 analyze-* 接口的 202 响应。
type AnalyzeAccepted struct {
	AnalysisID string `json:"analysis_id"`
	PollingURL string `json:"polling_url"`
}

// JobStatus 表示远端分析作业的状态。
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "error"
)

// Done 判断作业是否结束。
func (s JobStatus) Done() bool {
	return s == JobCompleted || s == JobFailed
}

// JobError 是远端作业失败的细节。
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AnalysisJob 是轮询接口返回的作业快照。
type AnalysisJob struct {
	AnalysisID string          `json:"analysis_id"`
	AgentID    agent.ID        `json:"agent_id"`
	RequestID  string          `json:"request_id"`
	Status     JobStatus       `json:"status"`
	Analysis   *agent.Analysis `json:"analysis,omitempty"`
	Error      *JobError       `json:"error,omitempty"`
}

// CallbackPayload 是下游 Agent 推送到回调地址的内容。
type CallbackPayload struct {
	AnalysisID    string          `json:"analysis_id"`
	CallbackToken string          `json:"callback_token"`
	AgentID       agent.ID        `json:"agent_id"`
	Status        JobStatus       `json:"status"`
	Analysis      *agent.Analysis `json:"analysis,omitempty"`
	Error         *JobError       `json:"error,omitempty"`
}
