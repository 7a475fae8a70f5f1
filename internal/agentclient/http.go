package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"FeatureScope/internal/agent"
	xerrors "FeatureScope/internal/errors"
)

// Mode 决定 HTTPTransport 如何获取结果。
type Mode string

const (
	ModePoll     Mode = "poll"
	ModeCallback Mode = "callback"
)

// TokenSource 为调用方 Agent 签发访问令牌。
type TokenSource interface {
	AgentToken(source agent.ID) (string, error)
}

// HTTPConfig 描述远端 Agent 的调用参数。
type HTTPConfig struct {
	BaseURL      string
	Path         string
	Mode         Mode
	PollInterval time.Duration
	// CallbackURL 为下游回调本服务的完整地址，仅回调模式使用。
	CallbackURL string
	Callbacks   *Callbacks
	Tokens      TokenSource
	HTTPClient  *http.Client
}

// HTTPTransport 通过 REST 接口调用远端 Agent。
type HTTPTransport struct {
	cfg    HTTPConfig
	base   *url.URL
	client *http.Client
}

// NewHTTPTransport 校验配置并创建 Transport。
func NewHTTPTransport(cfg HTTPConfig) (*HTTPTransport, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("无效的 Agent 地址 %q", cfg.BaseURL)
	}
	if cfg.Path == "" {
		return nil, errors.New("Agent 接口路径不能为空")
	}
	if cfg.Mode == "" {
		cfg.Mode = ModePoll
	}
	if cfg.Mode != ModePoll && cfg.Mode != ModeCallback {
		return nil, fmt.Errorf("不支持的调用模式 %q", cfg.Mode)
	}
	if cfg.Mode == ModeCallback && (cfg.Callbacks == nil || cfg.CallbackURL == "") {
		return nil, errors.New("回调模式需要 CallbackURL 与 Callbacks")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{cfg: cfg, base: base, client: client}, nil
}

// Invoke 实现 Transport 接口。
func (t *HTTPTransport) Invoke(ctx context.Context, call Call) (*agent.Analysis, error) {
	body := AnalyzeRequest{
		RequestID:     call.RequestID,
		CorrelationID: call.CorrelationID,
		TaskID:        call.TaskID,
		Feature:       call.Input.Feature,
		Priority:      call.Input.Priority,
		Upstream:      call.Input.Upstream,
	}
	var (
		token   string
		waiting <-chan CallbackPayload
	)
	if t.cfg.Mode == ModeCallback {
		token, waiting = t.cfg.Callbacks.Register()
		defer t.cfg.Callbacks.Forget(token)
		body.CallbackURL = t.cfg.CallbackURL
		body.CallbackToken = token
	}

	var accepted AnalyzeAccepted
	if err := t.do(ctx, call, http.MethodPost, t.resolve(t.cfg.Path), body, &accepted); err != nil {
		return nil, err
	}

	if t.cfg.Mode == ModeCallback {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case payload := <-waiting:
			if payload.Status != JobCompleted {
				return nil, jobFailure(payload.Error)
			}
			return payload.Analysis, nil
		}
	}
	return t.poll(ctx, call, accepted)
}

func (t *HTTPTransport) poll(ctx context.Context, call Call, accepted AnalyzeAccepted) (*agent.Analysis, error) {
	target := accepted.PollingURL
	if target == "" {
		if accepted.AnalysisID == "" {
			return nil, xerrors.New(xerrors.CodeUnknown, "agent accepted the call without a polling url")
		}
		target = "/api/v1/analyses/" + url.PathEscape(accepted.AnalysisID)
	}
	target = t.resolve(target)
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()
	for {
		var job AnalysisJob
		if err := t.do(ctx, call, http.MethodGet, target, nil, &job); err != nil {
			return nil, err
		}
		switch job.Status {
		case JobCompleted:
			if job.Analysis == nil {
				return nil, xerrors.New(xerrors.CodeUnknown, "completed job carries no analysis")
			}
			return job.Analysis, nil
		case JobFailed:
			return nil, jobFailure(job.Error)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (t *HTTPTransport) resolve(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return t.base.ResolveReference(u).String()
}

func (t *HTTPTransport) do(ctx context.Context, call Call, method, target string, in, out any) error {
	var reader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode agent request")
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "build agent request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderRequestID, call.RequestID)
	req.Header.Set(HeaderSourceAgent, string(call.Source))
	req.Header.Set(HeaderCorrelationID, call.CorrelationID)
	if t.cfg.Tokens != nil {
		token, err := t.cfg.Tokens.AgentToken(call.Source)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeUnauthenticated, err, "issue agent token")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return Classify(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Classify(err)
	}
	if err := ClassifyStatus(resp.StatusCode, errorDetail(data)); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return xerrors.Wrap(xerrors.CodeUnknown, err, "decode agent response")
	}
	return nil
}

// errorDetail 从 {"error":{"message"}} 响应中提取信息。
func errorDetail(body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}
