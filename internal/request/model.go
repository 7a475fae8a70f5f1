package request

import (
	"encoding/json"
	"time"

	"FeatureScope/internal/agent"
)

// Priority 表示需求的优先级。
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid 判断优先级是否合法。
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	default:
		return false
	}
}

// Status 表示分析请求的整体状态。
type Status string

const (
	StatusProcessing     Status = "processing"
	StatusCompleted      Status = "completed"
	StatusPartialFailure Status = "partial_failure"
	StatusFailed         Status = "failed"
)

// Final 判断状态是否为终态。
func (s Status) Final() bool {
	return s == StatusCompleted || s == StatusPartialFailure || s == StatusFailed
}

// Valid 判断状态是否为支持的枚举值。
func (s Status) Valid() bool {
	return s == StatusProcessing || s.Final()
}

// TaskStatus 表示单个 Agent 任务的状态。
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskTimeout    TaskStatus = "timeout"
	TaskError      TaskStatus = "error"
)

// Terminal 判断任务状态是否为终态。
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskTimeout || s == TaskError
}

// Failed 判断任务是否以失败告终。
func (s TaskStatus) Failed() bool {
	return s == TaskTimeout || s == TaskError
}

// predecessors 定义每个目标状态的合法前驱状态。状态只能单调前进。
var predecessors = map[TaskStatus][]TaskStatus{
	TaskInProgress: {TaskPending},
	TaskCompleted:  {TaskPending, TaskInProgress},
	TaskTimeout:    {TaskPending, TaskInProgress},
	TaskError:      {TaskPending, TaskInProgress},
}

// LegalPredecessors 返回转入 to 时允许的当前状态集合。
func LegalPredecessors(to TaskStatus) []TaskStatus {
	return append([]TaskStatus(nil), predecessors[to]...)
}

// CanTransition 判断 from→to 是否为合法迁移。
func CanTransition(from, to TaskStatus) bool {
	for _, s := range predecessors[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Recommendation 是汇总结果给出的建议。
type Recommendation string

const (
	RecommendProceed Recommendation = "proceed"
	RecommendCaution Recommendation = "caution"
	RecommendStop    Recommendation = "stop"
)

// Request 描述一次功能分析请求。
type Request struct {
	ID            string              `json:"request_id"`
	Feature       string              `json:"feature"`
	Priority      Priority            `json:"priority"`
	UserID        string              `json:"user_id,omitempty"`
	CorrelationID string              `json:"correlation_id"`
	Status        Status              `json:"status"`
	Cancelled     bool                `json:"cancelled,omitempty"`
	SubmittedAt   time.Time           `json:"submitted_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
	CompletedAt   *time.Time          `json:"completed_at,omitempty"`
	Result        *ConsolidatedResult `json:"result,omitempty"`
}

// Clone 返回深拷贝。
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	out.Result = r.Result.Clone()
	return &out
}

// Failure 是任务失败的细节。
type Failure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AgentTask 描述一次对单个 Agent 的调用。
type AgentTask struct {
	ID           string          `json:"task_id"`
	RequestID    string          `json:"request_id"`
	AgentID      agent.ID        `json:"agent_id"`
	ParentTaskID string          `json:"parent_task_id,omitempty"`
	Status       TaskStatus      `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	RetryCount   int             `json:"retry_count"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        *Failure        `json:"error,omitempty"`
}

// Clone 返回深拷贝。
func (t *AgentTask) Clone() *AgentTask {
	if t == nil {
		return nil
	}
	out := *t
	if t.StartedAt != nil {
		v := *t.StartedAt
		out.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		out.CompletedAt = &v
	}
	if t.Result != nil {
		out.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.Error != nil {
		e := *t.Error
		out.Error = &e
	}
	return &out
}

// TaskUpdate 携带状态迁移时写入的字段。
type TaskUpdate struct {
	At     time.Time
	Result json.RawMessage
	Error  *Failure
}

// LayerResult 是某一层对上游暴露的汇总视图：自身分析加上直接下游的汇总视图。
type LayerResult struct {
	AgentID                 agent.ID        `json:"agent_id"`
	TaskID                  string          `json:"task_id"`
	Status                  TaskStatus      `json:"status"`
	Analysis                *agent.Analysis `json:"analysis,omitempty"`
	ConsolidatedEffortHours float64         `json:"consolidated_effort_hours"`
	Risks                   []string        `json:"risks"`
	Error                   *Failure        `json:"error,omitempty"`
	DeniedDispatches        []string        `json:"denied_dispatches,omitempty"`
	Downstream              []*LayerResult  `json:"downstream,omitempty"`
}

// Clone 返回深拷贝。
func (l *LayerResult) Clone() *LayerResult {
	if l == nil {
		return nil
	}
	out := *l
	out.Analysis = l.Analysis.Clone()
	out.Risks = append([]string(nil), l.Risks...)
	out.DeniedDispatches = append([]string(nil), l.DeniedDispatches...)
	if l.Error != nil {
		e := *l.Error
		out.Error = &e
	}
	if l.Downstream != nil {
		out.Downstream = make([]*LayerResult, len(l.Downstream))
		for i, d := range l.Downstream {
			out.Downstream[i] = d.Clone()
		}
	}
	return &out
}

// BranchError 标注汇总结果中失败的分支。
type BranchError struct {
	AgentID agent.ID   `json:"agent_id"`
	TaskID  string     `json:"task_id,omitempty"`
	Status  TaskStatus `json:"status"`
	Code    string     `json:"code"`
	Message string     `json:"message"`
}

// ConsolidatedResult 是请求完成后的最终汇总。
type ConsolidatedResult struct {
	RequestID        string         `json:"request_id"`
	OverallStatus    Status         `json:"overall_status"`
	Layers           *LayerResult   `json:"layers,omitempty"`
	TotalEffortHours float64        `json:"total_effort_hours"`
	Risks            []string       `json:"risks"`
	Recommendation   Recommendation `json:"recommendation"`
	Errors           []BranchError  `json:"errors,omitempty"`
	AgentsInvolved   []agent.ID     `json:"agents_involved"`
	CompletedAt      time.Time      `json:"completed_at"`
}

// Clone 返回深拷贝。
func (c *ConsolidatedResult) Clone() *ConsolidatedResult {
	if c == nil {
		return nil
	}
	out := *c
	out.Layers = c.Layers.Clone()
	out.Risks = append([]string(nil), c.Risks...)
	out.Errors = append([]BranchError(nil), c.Errors...)
	out.AgentsInvolved = append([]agent.ID(nil), c.AgentsInvolved...)
	return &out
}
