// Package agenthost 承载本进程对外提供的下游 Agent 分析接口。
//
// 上游通过 analyze-* 接口提交分析，Host 在后台执行 agent.Analyzer，
// 结果可通过轮询接口获取，或在请求携带 callback_url 时主动回调。
package agenthost

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"FeatureScope/internal/agent"
	"FeatureScope/internal/agentclient"
	xerrors "FeatureScope/internal/errors"
	"FeatureScope/pkg/logger"
)

// Options 控制作业执行与回调。
type Options struct {
	// Timeout 限制单个分析作业的执行时长。
	Timeout time.Duration
	// JobTTL 之后作业快照不再可查询。
	JobTTL     time.Duration
	MaxJobs    int
	Tokens     agentclient.TokenSource
	HTTPClient *http.Client
	Retry      xerrors.RetryConfig
	Sleep      xerrors.SleepFunc
}

// Host 保存分析作业并执行分析。
type Host struct {
	analyzers map[agent.ID]agent.Analyzer
	topology  *agent.Topology
	opts      Options
	log       *slog.Logger

	mu   sync.Mutex
	jobs *expirable.LRU[string, *agentclient.AnalysisJob]
	wg   sync.WaitGroup
}

// New 创建 Host。analyzers 为本进程承载的 Agent。
func New(analyzers map[agent.ID]agent.Analyzer, topology *agent.Topology, opts Options) *Host {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.JobTTL <= 0 {
		opts.JobTTL = time.Hour
	}
	if opts.MaxJobs <= 0 {
		opts.MaxJobs = 10000
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Retry.MaxRetries == 0 && len(opts.Retry.Backoff) == 0 {
		opts.Retry = xerrors.DefaultRetryConfig()
	}
	if opts.Sleep == nil {
		opts.Sleep = xerrors.Sleep
	}
	hosted := make(map[agent.ID]agent.Analyzer, len(analyzers))
	for id, a := range analyzers {
		if a != nil {
			hosted[id] = a
		}
	}
	return &Host{
		analyzers: hosted,
		topology:  topology,
		opts:      opts,
		log:       logger.Named("agenthost"),
		jobs:      expirable.NewLRU[string, *agentclient.AnalysisJob](opts.MaxJobs, nil, opts.JobTTL),
	}
}

// Hosts 判断 id 是否由本进程承载。
func (h *Host) Hosts(id agent.ID) bool {
	_, ok := h.analyzers[id]
	return ok
}

// Submit 校验请求并启动后台分析，立即返回作业编号与轮询地址。
func (h *Host) Submit(ctx context.Context, source, target agent.ID, req agentclient.AnalyzeRequest) (*agentclient.AnalyzeAccepted, error) {
	analyzer, ok := h.analyzers[target]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "agent "+string(target)+" is not hosted here")
	}
	if strings.TrimSpace(req.Feature) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "feature is required")
	}
	if strings.TrimSpace(req.RequestID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "request_id is required")
	}
	if h.topology != nil {
		if err := h.topology.CanDispatch(source, target, []agent.ID{source}); err != nil {
			return nil, xerrors.Wrap(xerrors.CodePermissionDenied, err, "dispatch not allowed")
		}
	}
	if req.CallbackURL != "" {
		u, err := url.Parse(req.CallbackURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "callback_url must be an absolute http(s) url")
		}
		if req.CallbackToken == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "callback_token is required with callback_url")
		}
	}

	job := &agentclient.AnalysisJob{
		AnalysisID: uuid.NewString(),
		AgentID:    target,
		RequestID:  req.RequestID,
		Status:     agentclient.JobPending,
	}
	h.mu.Lock()
	h.jobs.Add(job.AnalysisID, job)
	h.mu.Unlock()

	log := h.log.With(
		slog.String("analysis_id", job.AnalysisID),
		slog.String("request_id", req.RequestID),
		slog.String("correlation_id", req.CorrelationID),
		slog.String("agent_id", string(target)),
		slog.String("source_agent", string(source)),
	)
	log.Info("接收分析作业")

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.opts.Timeout)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer cancel()
		h.run(runCtx, analyzer, job.AnalysisID, target, req, log)
	}()

	return &agentclient.AnalyzeAccepted{
		AnalysisID: job.AnalysisID,
		PollingURL: "/api/v1/analyses/" + job.AnalysisID,
	}, nil
}

// Get 返回作业快照。
func (h *Host) Get(id string) (*agentclient.AnalysisJob, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	job, ok := h.jobs.Get(id)
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "analysis not found")
	}
	return cloneJob(job), nil
}

// Wait 等待所有后台作业结束或 ctx 结束。
func (h *Host) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Host) run(ctx context.Context, analyzer agent.Analyzer, id string, target agent.ID, req agentclient.AnalyzeRequest, log *slog.Logger) {
	h.update(id, func(j *agentclient.AnalysisJob) { j.Status = agentclient.JobRunning })

	ctx = logger.ContextWithRequest(ctx, req.RequestID, req.CorrelationID)
	analysis, err := analyzer.Analyze(ctx, agent.Input{
		RequestID:     req.RequestID,
		CorrelationID: req.CorrelationID,
		Feature:       req.Feature,
		Priority:      req.Priority,
		Upstream:      req.Upstream,
	})

	var final *agentclient.AnalysisJob
	h.update(id, func(j *agentclient.AnalysisJob) {
		switch {
		case err != nil:
			j.Status = agentclient.JobFailed
			j.Error = jobError(ctx, err)
		case analysis == nil:
			j.Status = agentclient.JobFailed
			j.Error = &agentclient.JobError{Code: string(xerrors.CodeUnknown), Message: "analyzer returned no analysis"}
		default:
			j.Status = agentclient.JobCompleted
			j.Analysis = analysis.Clone()
		}
		final = cloneJob(j)
	})
	if final == nil {
		log.Warn("作业已过期，结果被丢弃")
		return
	}
	if final.Status == agentclient.JobFailed {
		log.Warn("分析作业失败", slog.String("code", final.Error.Code), slog.String("error", final.Error.Message))
	} else {
		log.Info("分析作业完成", slog.Float64("effort_hours", final.Analysis.EffortHours))
	}

	if req.CallbackURL == "" {
		return
	}
	payload := agentclient.CallbackPayload{
		AnalysisID:    final.AnalysisID,
		CallbackToken: req.CallbackToken,
		AgentID:       target,
		Status:        final.Status,
		Analysis:      final.Analysis,
		Error:         final.Error,
	}
	// 回调使用独立期限。
	cbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.opts.Timeout)
	defer cancel()
	if err := h.callback(cbCtx, target, req, payload); err != nil {
		log.Error("回调上游失败", slog.String("callback_url", req.CallbackURL), slog.Any("error", err))
	}
}

func (h *Host) update(id string, fn func(*agentclient.AnalysisJob)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	job, ok := h.jobs.Peek(id)
	if !ok {
		return
	}
	fn(job)
}

func (h *Host) callback(ctx context.Context, target agent.ID, req agentclient.AnalyzeRequest, payload agentclient.CallbackPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUnknown, err, "encode callback")
	}
	return xerrors.Retry(ctx, h.opts.Retry, h.opts.Sleep, func(ctx context.Context, _ int) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.CallbackURL, bytes.NewReader(body))
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "build callback request")
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set(agentclient.HeaderRequestID, req.RequestID)
		httpReq.Header.Set(agentclient.HeaderCorrelationID, req.CorrelationID)
		httpReq.Header.Set(agentclient.HeaderSourceAgent, string(target))
		if h.opts.Tokens != nil {
			token, err := h.opts.Tokens.AgentToken(target)
			if err != nil {
				return xerrors.Wrap(xerrors.CodeUnauthenticated, err, "issue agent token")
			}
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := h.opts.HTTPClient.Do(httpReq)
		if err != nil {
			return agentclient.Classify(err)
		}
		defer resp.Body.Close()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return agentclient.ClassifyStatus(resp.StatusCode, strings.TrimSpace(string(detail)))
	}, nil)
}

func jobError(ctx context.Context, err error) *agentclient.JobError {
	if ctx.Err() != nil {
		err = agentclient.Classify(ctx.Err())
	}
	if e, ok := xerrors.From(err); ok {
		return &agentclient.JobError{Code: string(e.Code()), Message: e.Message()}
	}
	return &agentclient.JobError{Code: string(xerrors.CodeUnknown), Message: err.Error()}
}

func cloneJob(j *agentclient.AnalysisJob) *agentclient.AnalysisJob {
	out := *j
	out.Analysis = j.Analysis.Clone()
	if j.Error != nil {
		e := *j.Error
		out.Error = &e
	}
	return &out
}
