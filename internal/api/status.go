package api

import (
	"context"
	"strings"
	"time"

	"FeatureScope/internal/agent"
	xerrors "FeatureScope/internal/errors"
	"FeatureScope/internal/request"
)

// 进度中除任务状态以外的两个取值。
const (
	ProgressPending     = "pending"
	ProgressNotRequired = "not_required"
)

// StatusView 是状态查询的响应。
type StatusView struct {
	RequestID           string            `json:"request_id"`
	Status              request.Status    `json:"status"`
	Cancelled           bool              `json:"cancelled,omitempty"`
	Progress            map[string]string `json:"progress"`
	SubmittedAt         time.Time         `json:"submitted_at"`
	EstimatedCompletion *time.Time        `json:"estimated_completion"`
}

// Service 基于存储计算请求状态与结果，只读不写。
type Service struct {
	store          request.Store
	catalog        *agent.Catalog
	requestTimeout time.Duration
	now            func() time.Time
}

// NewService 构造状态服务。requestTimeout 用于限制完成时间估算的上界。
func NewService(store request.Store, catalog *agent.Catalog, requestTimeout time.Duration) *Service {
	if catalog == nil {
		catalog = agent.DefaultCatalog()
	}
	if requestTimeout <= 0 {
		requestTimeout = 60 * time.Second
	}
	return &Service{store: store, catalog: catalog, requestTimeout: requestTimeout, now: time.Now}
}

// ProgressKey 返回 Agent 在进度映射中的键，例如 agent_b。
func ProgressKey(id agent.ID) string {
	return "agent_" + strings.ToLower(string(id))
}

// GetStatus 返回请求整体状态、各层进度与预计完成时间。
func (s *Service) GetStatus(ctx context.Context, id string) (*StatusView, error) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTasks(ctx, id)
	if err != nil {
		return nil, err
	}

	byAgent := make(map[agent.ID]*request.AgentTask, len(tasks))
	for _, t := range tasks {
		if _, seen := byAgent[t.AgentID]; !seen {
			byAgent[t.AgentID] = t
		}
	}

	progress := make(map[string]string, len(s.catalog.IDs()))
	for _, aid := range s.catalog.IDs() {
		progress[ProgressKey(aid)] = s.layerProgress(req, aid, byAgent)
	}

	view := &StatusView{
		RequestID:   req.ID,
		Status:      req.Status,
		Cancelled:   req.Cancelled,
		Progress:    progress,
		SubmittedAt: req.SubmittedAt,
	}
	if req.Status.Final() {
		view.EstimatedCompletion = req.CompletedAt
	} else {
		eta := s.estimate(req, progress, byAgent)
		view.EstimatedCompletion = &eta
	}
	return view, nil
}

// layerProgress 计算单层进度：已派生的任务取其状态；上游已结束而未派发为 not_required；其余为 pending。
func (s *Service) layerProgress(req *request.Request, id agent.ID, byAgent map[agent.ID]*request.AgentTask) string {
	if t, ok := byAgent[id]; ok {
		return string(t.Status)
	}
	parent, ok := s.catalog.Parent(id)
	if !ok {
		if req.Status.Final() {
			return ProgressNotRequired
		}
		return ProgressPending
	}
	parentTask, spawned := byAgent[parent]
	if !spawned {
		if s.layerProgress(req, parent, byAgent) == ProgressNotRequired || req.Status.Final() {
			return ProgressNotRequired
		}
		return ProgressPending
	}
	if parentTask.Status.Terminal() {
		return ProgressNotRequired
	}
	return ProgressPending
}

// estimate 按各层典型耗时串行累加剩余时间，并以请求期限为上界。
func (s *Service) estimate(req *request.Request, progress map[string]string, byAgent map[agent.ID]*request.AgentTask) time.Time {
	now := s.now().UTC()
	eta := now
	for _, id := range s.catalog.IDs() {
		profile, _ := s.catalog.Get(id)
		switch progress[ProgressKey(id)] {
		case string(request.TaskInProgress):
			started := now
			if t := byAgent[id]; t != nil && t.StartedAt != nil {
				started = *t.StartedAt
			}
			if remaining := started.Add(profile.ExpectedDuration).Sub(now); remaining > 0 {
				eta = eta.Add(remaining)
			}
		case ProgressPending:
			eta = eta.Add(profile.ExpectedDuration)
		}
	}
	if deadline := req.SubmittedAt.Add(s.requestTimeout); eta.After(deadline) {
		eta = deadline
	}
	return eta
}

// GetResult 返回汇总结果；请求仍在处理时返回 NOT_READY。
func (s *Service) GetResult(ctx context.Context, id string) (*request.ConsolidatedResult, error) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if !req.Status.Final() || req.Result == nil {
		return nil, xerrors.New(xerrors.CodeNotReady, "result not ready",
			xerrors.WithMetadata("status", string(req.Status)))
	}
	return req.Result.Clone(), nil
}
