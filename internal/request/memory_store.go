package request

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "FeatureScope/internal/errors"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore 以内存方式保存请求与任务树，读多写少场景使用读写锁。
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*Request
	tasks    map[string]*AgentTask
	byReq    map[string][]string
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*Request),
		tasks:    make(map[string]*AgentTask),
		byReq:    make(map[string][]string),
	}
}

// CreateRequest 实现 Store 接口。
func (m *MemoryStore) CreateRequest(_ context.Context, req *Request, root *AgentTask) error {
	if err := validateCreate(req, root); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[req.ID]; ok {
		return ErrRequestExists
	}
	if _, ok := m.tasks[root.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "task id already exists")
	}
	m.requests[req.ID] = req.Clone()
	m.tasks[root.ID] = root.Clone()
	m.byReq[req.ID] = []string{root.ID}
	return nil
}

// GetRequest 实现 Store 接口。
func (m *MemoryStore) GetRequest(_ context.Context, id string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return req.Clone(), nil
}

// CreateTask 实现 Store 接口。
func (m *MemoryStore) CreateTask(_ context.Context, task *AgentTask) error {
	if err := validateTask(task); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[task.RequestID]; !ok {
		return ErrRequestNotFound
	}
	if _, ok := m.tasks[task.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "task id already exists")
	}
	m.tasks[task.ID] = task.Clone()
	m.byReq[task.RequestID] = append(m.byReq[task.RequestID], task.ID)
	return nil
}

// GetTask 实现 Store 接口。
func (m *MemoryStore) GetTask(_ context.Context, id string) (*AgentTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task.Clone(), nil
}

// ListTasks 实现 Store 接口。
func (m *MemoryStore) ListTasks(_ context.Context, requestID string) ([]*AgentTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids, ok := m.byReq[requestID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	out := make([]*AgentTask, 0, len(ids))
	for _, id := range ids {
		if task, ok := m.tasks[id]; ok {
			out = append(out, task.Clone())
		}
	}
	return out, nil
}

// TransitionTask 实现 Store 接口。
func (m *MemoryStore) TransitionTask(_ context.Context, id string, to TaskStatus, update TaskUpdate) (*AgentTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if !CanTransition(task.Status, to) {
		return task.Clone(), ErrInvalidTransition
	}
	applyTransition(task, to, update)
	return task.Clone(), nil
}

// RecordRetry 实现 Store 接口。
func (m *MemoryStore) RecordRetry(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return 0, ErrTaskNotFound
	}
	if task.Status.Terminal() {
		return task.RetryCount, ErrInvalidTransition
	}
	task.RetryCount++
	return task.RetryCount, nil
}

// Finalize 实现 Store 接口。
func (m *MemoryStore) Finalize(_ context.Context, id string, result *ConsolidatedResult) error {
	if result == nil || !result.OverallStatus.Final() {
		return xerrors.New(xerrors.CodeInvalidArgument, "final result requires a terminal overall status")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return ErrRequestNotFound
	}
	if req.Status != StatusProcessing {
		return ErrAlreadyFinal
	}
	completed := result.CompletedAt
	req.Status = result.OverallStatus
	req.CompletedAt = &completed
	req.UpdatedAt = completed
	req.Result = result.Clone()
	return nil
}

// MarkCancelled 实现 Store 接口。
func (m *MemoryStore) MarkCancelled(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return ErrRequestNotFound
	}
	if req.Status != StatusProcessing {
		return ErrAlreadyFinal
	}
	req.Cancelled = true
	req.UpdatedAt = time.Now().UTC()
	return nil
}

// List 实现 Store 接口。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Request, int, error) {
	opts.Normalize()
	m.mu.RLock()
	defer m.mu.RUnlock()
	matched := make([]*Request, 0, len(m.requests))
	for _, req := range m.requests {
		if opts.Matches(req) {
			matched = append(matched, req)
		}
	}
	page, total := paginate(matched, opts)
	out := make([]*Request, len(page))
	for i, req := range page {
		out[i] = req.Clone()
	}
	return out, total, nil
}

// Stats 实现 Store 接口。
func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var stats Stats
	for _, req := range m.requests {
		stats.add(req)
	}
	return stats, nil
}

// Evict 实现 Store 接口。
func (m *MemoryStore) Evict(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, req := range m.requests {
		if !req.SubmittedAt.Before(before) {
			continue
		}
		for _, taskID := range m.byReq[id] {
			delete(m.tasks, taskID)
		}
		delete(m.byReq, id)
		delete(m.requests, id)
		removed++
	}
	return removed, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func validateCreate(req *Request, root *AgentTask) error {
	if req == nil || req.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "request id 不能为空")
	}
	if root == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "请求必须携带根任务")
	}
	if root.RequestID != req.ID || root.ParentTaskID != "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "根任务必须属于该请求且没有父任务")
	}
	return validateTask(root)
}

func validateTask(task *AgentTask) error {
	if task == nil || task.ID == "" || task.RequestID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 与请求 ID 不能为空")
	}
	if task.Status == "" {
		task.Status = TaskPending
	}
	return nil
}

// paginate 对已过滤的请求排序并截取分页，返回分页结果与总数。
func paginate(matched []*Request, opts ListOptions) ([]*Request, int) {
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.ID < b.ID
		}
		if opts.Order == SortBySubmittedAsc {
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
		return a.SubmittedAt.After(b.SubmittedAt)
	})
	total := len(matched)
	if opts.Offset >= total {
		return nil, total
	}
	end := opts.Offset + opts.Limit
	if end > total {
		end = total
	}
	return matched[opts.Offset:end], total
}
