package request

import (
	"context"
	"time"
)

// Store 抽象了请求与任务树的并发安全存储。
type Store interface {
	// CreateRequest 原子地写入请求及其唯一的根任务。
	CreateRequest(ctx context.Context, req *Request, root *AgentTask) error
	GetRequest(ctx context.Context, id string) (*Request, error)
	CreateTask(ctx context.Context, task *AgentTask) error
	GetTask(ctx context.Context, id string) (*AgentTask, error)
	// ListTasks 按创建时间顺序返回请求下的所有任务。
	ListTasks(ctx context.Context, requestID string) ([]*AgentTask, error)
	// TransitionTask 以比较并交换的方式迁移任务状态，非法迁移返回 ErrInvalidTransition。
	TransitionTask(ctx context.Context, id string, to TaskStatus, update TaskUpdate) (*AgentTask, error)
	// RecordRetry 为非终态任务累加重试次数。
	RecordRetry(ctx context.Context, id string) (int, error)
	// Finalize 将 processing 状态的请求写为终态，已终态时返回 ErrAlreadyFinal。
	Finalize(ctx context.Context, id string, result *ConsolidatedResult) error
	// MarkCancelled 标记 processing 状态的请求为已取消。
	MarkCancelled(ctx context.Context, id string) error
	List(ctx context.Context, opts ListOptions) ([]*Request, int, error)
	Stats(ctx context.Context) (Stats, error)
	// Evict 删除提交时间早于 before 的请求及其任务，返回删除数量。
	Evict(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// Stats 汇总请求状态，用于仪表盘与健康检查。
type Stats struct {
	Total          int        `json:"total"`
	Processing     int        `json:"processing"`
	Completed      int        `json:"completed"`
	PartialFailure int        `json:"partial_failure"`
	Failed         int        `json:"failed"`
	Cancelled      int        `json:"cancelled"`
	OldestAt       *time.Time `json:"oldest_submitted_at,omitempty"`
	NewestAt       *time.Time `json:"newest_submitted_at,omitempty"`
}

func (s *Stats) add(r *Request) {
	s.Total++
	switch r.Status {
	case StatusProcessing:
		s.Processing++
	case StatusCompleted:
		s.Completed++
	case StatusPartialFailure:
		s.PartialFailure++
	case StatusFailed:
		s.Failed++
	}
	if r.Cancelled {
		s.Cancelled++
	}
	at := r.SubmittedAt
	if s.OldestAt == nil || at.Before(*s.OldestAt) {
		s.OldestAt = &at
	}
	if s.NewestAt == nil || at.After(*s.NewestAt) {
		s.NewestAt = &at
	}
}

// applyTransition 在调用方已校验前驱状态后写入迁移字段。
func applyTransition(task *AgentTask, to TaskStatus, update TaskUpdate) {
	at := update.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	task.Status = to
	if to == TaskInProgress {
		task.StartedAt = &at
		return
	}
	task.CompletedAt = &at
	if update.Result != nil {
		task.Result = append([]byte(nil), update.Result...)
	}
	if update.Error != nil {
		e := *update.Error
		task.Error = &e
	}
}
