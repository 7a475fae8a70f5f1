package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"FeatureScope/internal/agent"
	"FeatureScope/internal/agentclient"
	xerrors "FeatureScope/internal/errors"
	"FeatureScope/internal/observability/alerting"
	"FeatureScope/internal/request"
	"FeatureScope/internal/webhook"
	"FeatureScope/pkg/logger"
)

// Dispatcher 定义编排器所需的派发能力。
type Dispatcher interface {
	Analyze(ctx context.Context, call agentclient.Call) (*agentclient.TaskHandle, error)
}

// Notifier 在请求结束时发布事件。
type Notifier interface {
	Publish(ctx context.Context, n webhook.Notification) (int, error)
}

// SubmitInput 是一次提交的参数。
type SubmitInput struct {
	RequestID     string
	Feature       string
	Priority      request.Priority
	UserID        string
	CorrelationID string
}

const maxRequestIDLength = 128

// Orchestrator 负责请求的调度、汇总与收尾。
type Orchestrator struct {
	store      request.Store
	dispatcher Dispatcher
	topology   *agent.Topology

	notifier       Notifier
	alerter        alerting.Dispatcher
	requestTimeout time.Duration
	thresholds     Thresholds
	publicURL      string
	now            func() time.Time
	logger         *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	running map[string]context.CancelFunc
}

// Option 定义可选配置。
type Option func(*Orchestrator)

// WithRequestTimeout 设置单个请求的全局期限。
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.requestTimeout = d
		}
	}
}

// WithThresholds 设置建议阈值。
func WithThresholds(th Thresholds) Option {
	return func(o *Orchestrator) {
		if th.CautionEffortHours > 0 {
			o.thresholds.CautionEffortHours = th.CautionEffortHours
		}
		if th.CautionRiskCount > 0 {
			o.thresholds.CautionRiskCount = th.CautionRiskCount
		}
	}
}

// WithNotifier 配置请求结束事件的发布者。
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(o *Orchestrator) { o.alerter = d }
}

// WithPublicURL 设置结果链接使用的对外地址。
func WithPublicURL(u string) Option {
	return func(o *Orchestrator) { o.publicURL = strings.TrimRight(u, "/") }
}

// WithClock 替换时钟，用于测试。
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New 构造 Orchestrator。
func New(store request.Store, dispatcher Dispatcher, topology *agent.Topology, opts ...Option) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		store:          store,
		dispatcher:     dispatcher,
		topology:       topology,
		requestTimeout: 60 * time.Second,
		thresholds:     DefaultThresholds(),
		now:            time.Now,
		logger:         logger.Named("orchestrator"),
		baseCtx:        ctx,
		baseCancel:     cancel,
		running:        make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Submit 校验输入，同步创建请求与根任务，并在后台启动工作流。
func (o *Orchestrator) Submit(ctx context.Context, in SubmitInput) (*request.Request, error) {
	feature := strings.TrimSpace(in.Feature)
	if feature == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "feature is required")
	}
	priority := in.Priority
	if priority == "" {
		priority = request.PriorityMedium
	}
	if !priority.Valid() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "priority must be one of low, medium, high, critical")
	}
	id := strings.TrimSpace(in.RequestID)
	if len(id) > maxRequestIDLength {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "request_id is too long")
	}
	if id == "" {
		id = uuid.NewString()
	}
	correlationID := strings.TrimSpace(in.CorrelationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	now := o.now().UTC()
	req := &request.Request{
		ID:            id,
		Feature:       feature,
		Priority:      priority,
		UserID:        in.UserID,
		CorrelationID: correlationID,
		Status:        request.StatusProcessing,
		SubmittedAt:   now,
		UpdatedAt:     now,
	}
	root := &request.AgentTask{
		ID:        uuid.NewString(),
		RequestID: id,
		AgentID:   o.topology.Root(),
		Status:    request.TaskPending,
		CreatedAt: now,
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "orchestrator is shutting down")
	}
	o.wg.Add(1)
	o.mu.Unlock()

	if err := o.store.CreateRequest(ctx, req, root); err != nil {
		o.wg.Done()
		return nil, err
	}

	o.start(req, root)

	logger.Audit().Info("接收分析请求",
		slog.String("request_id", req.ID),
		slog.String("correlation_id", req.CorrelationID),
		slog.String("user_id", req.UserID),
		slog.String("priority", string(req.Priority)),
	)
	return req.Clone(), nil
}

// start 启动工作流，调用方已为其登记 wg。
func (o *Orchestrator) start(req *request.Request, root *request.AgentTask) {
	ctx, cancel := context.WithTimeout(o.baseCtx, o.requestTimeout)
	ctx = logger.ContextWithRequest(ctx, req.ID, req.CorrelationID)

	o.mu.Lock()
	o.running[req.ID] = cancel
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.running, req.ID)
			o.mu.Unlock()
			cancel()
		}()
		o.execute(ctx, req.Clone(), root.Clone())
	}()
}

// Cancel 取消根任务尚未结束的请求，进行中的下游调用随上下文中止。
func (o *Orchestrator) Cancel(ctx context.Context, requestID string) error {
	req, err := o.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status.Final() {
		return request.ErrAlreadyFinal
	}
	tasks, err := o.store.ListTasks(ctx, requestID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.ParentTaskID == "" && t.Status.Terminal() {
			return request.ErrAlreadyFinal
		}
	}
	if err := o.store.MarkCancelled(ctx, requestID); err != nil {
		return err
	}

	o.mu.Lock()
	cancel := o.running[requestID]
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	logger.Audit().Info("取消分析请求", slog.String("request_id", requestID), slog.Bool("in_flight", cancel != nil))
	return nil
}

// InFlight 返回本进程正在执行的工作流数量。
func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.running)
}

// Shutdown 拒绝新的提交，取消全部工作流并等待其收尾。
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.baseCancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
