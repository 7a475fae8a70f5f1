package agentclient

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"FeatureScope/internal/agent"
	xerrors "FeatureScope/internal/errors"
	"FeatureScope/internal/observability/metrics"
	"FeatureScope/pkg/logger"
)

// Transport 执行一次对目标 Agent 的调用。
type Transport interface {
	Invoke(ctx context.Context, call Call) (*agent.Analysis, error)
}

// TransportFunc 允许使用函数实现 Transport。
type TransportFunc func(ctx context.Context, call Call) (*agent.Analysis, error)

// Invoke 实现 Transport 接口。
func (f TransportFunc) Invoke(ctx context.Context, call Call) (*agent.Analysis, error) {
	return f(ctx, call)
}

// Call 描述一次派发。
type Call struct {
	RequestID     string
	CorrelationID string
	TaskID        string
	Source        agent.ID
	Target        agent.ID
	Input         agent.Input
	// OnRetry 在每次重试前调用，retry 从 1 开始。
	OnRetry func(retry int, lastErr error)
}

// Options 控制派发的期限与重试策略。
type Options struct {
	// Timeout 限制单次派发（包含全部重试）的总时长。
	Timeout time.Duration
	Retry   xerrors.RetryConfig
	Sleep   xerrors.SleepFunc
}

// Client 根据目标 Agent 选择 Transport 并管理重试。
type Client struct {
	transports map[agent.ID]Transport
	opts       Options
}

// New 创建 Client。
func New(transports map[agent.ID]Transport, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Retry.MaxRetries == 0 && len(opts.Retry.Backoff) == 0 {
		opts.Retry = xerrors.DefaultRetryConfig()
	}
	if opts.Sleep == nil {
		opts.Sleep = xerrors.Sleep
	}
	ts := make(map[agent.ID]Transport, len(transports))
	for id, t := range transports {
		ts[id] = t
	}
	return &Client{transports: ts, opts: opts}
}

// TaskHandle 代表一次进行中的派发。
type TaskHandle struct {
	call     Call
	done     chan struct{}
	analysis *agent.Analysis
	err      error
	attempts atomic.Int32
	cancel   context.CancelFunc
	once     sync.Once
}

// Wait 阻塞直到派发结束或 ctx 结束。ctx 结束不会中止派发本身，需调用 Cancel。
func (h *TaskHandle) Wait(ctx context.Context) (*agent.Analysis, error) {
	select {
	case <-h.done:
		return h.analysis.Clone(), h.err
	case <-ctx.Done():
		return nil, Classify(ctx.Err())
	}
}

// Done 在派发结束时关闭。
func (h *TaskHandle) Done() <-chan struct{} { return h.done }

// Attempts 返回已发起的调用次数。
func (h *TaskHandle) Attempts() int { return int(h.attempts.Load()) }

// Cancel 中止派发，进行中的调用会随上下文一起取消。
func (h *TaskHandle) Cancel() {
	h.once.Do(h.cancel)
}

// Analyze 异步派发 call，立即返回句柄。目标没有可用 Transport 时返回错误。
func (c *Client) Analyze(ctx context.Context, call Call) (*TaskHandle, error) {
	transport, ok := c.transports[call.Target]
	if !ok || transport == nil {
		return nil, xerrors.New(xerrors.CodeAgentUnavailable, "no transport configured for "+string(call.Target),
			xerrors.WithRetryable(false))
	}
	dctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	h := &TaskHandle{call: call, done: make(chan struct{}), cancel: cancel}
	go func() {
		defer close(h.done)
		defer h.Cancel()
		h.analysis, h.err = c.run(ctx, dctx, transport, h)
	}()
	return h, nil
}

func (c *Client) run(parent, ctx context.Context, transport Transport, h *TaskHandle) (*agent.Analysis, error) {
	call := h.call
	ctx, span := otel.Tracer("featurescope/agentclient").Start(ctx, "agent.dispatch")
	span.SetAttributes(
		attribute.String("request_id", call.RequestID),
		attribute.String("agent.source", string(call.Source)),
		attribute.String("agent.target", string(call.Target)),
	)
	defer span.End()

	log := logger.With(ctx).With(
		slog.String("task_id", call.TaskID),
		slog.String("agent_id", string(call.Target)),
	)
	started := time.Now()

	var result *agent.Analysis
	err := xerrors.Retry(ctx, c.opts.Retry, c.opts.Sleep, func(ctx context.Context, attempt int) error {
		h.attempts.Add(1)
		metrics.ObserveDispatchAttempt(string(call.Target))
		analysis, err := invoke(ctx, transport, call)
		if err != nil {
			return Classify(err)
		}
		if analysis == nil {
			return xerrors.New(xerrors.CodeUnknown, "agent returned an empty analysis")
		}
		result = analysis
		return nil
	}, func(retry int, lastErr error) {
		log.Warn("派发失败，准备重试", slog.Int("retry", retry), slog.Any("error", lastErr))
		if call.OnRetry != nil {
			call.OnRetry(retry, lastErr)
		}
	})

	if err == nil {
		metrics.ObserveDispatch(string(call.Target), "completed", time.Since(started))
		span.SetStatus(codes.Ok, "")
		return result, nil
	}

	err = finalError(parent, ctx, err)
	outcome := "error"
	if xerrors.HasCode(err, xerrors.CodeTimeout) {
		outcome = "timeout"
	}
	metrics.ObserveDispatch(string(call.Target), outcome, time.Since(started))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	log.Warn("派发结束于失败", slog.Int("attempts", h.Attempts()), slog.Any("error", err))
	return nil, err
}

type invokeResult struct {
	analysis *agent.Analysis
	err      error
}

// invoke 在独立协程中调用 transport，ctx 结束即返回，不等待忽略取消的下游。
// 迟到的结果被丢弃。
func invoke(ctx context.Context, transport Transport, call Call) (*agent.Analysis, error) {
	done := make(chan invokeResult, 1)
	go func() {
		analysis, err := transport.Invoke(ctx, call)
		done <- invokeResult{analysis: analysis, err: err}
	}()
	select {
	case r := <-done:
		return r.analysis, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// finalError 决定派发失败时的最终错误：父上下文取消视为取消，派发期限耗尽视为超时。
func finalError(parent, ctx context.Context, err error) error {
	if parent.Err() != nil {
		if stdErrors.Is(parent.Err(), context.DeadlineExceeded) {
			return xerrors.Wrap(xerrors.CodeTimeout, err, "request deadline exceeded", xerrors.WithRetryable(false))
		}
		return xerrors.Wrap(xerrors.CodeCancelled, err, "dispatch cancelled")
	}
	if ctx.Err() != nil {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "dispatch deadline exceeded", xerrors.WithRetryable(false))
	}
	return err
}
