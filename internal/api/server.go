package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"FeatureScope/internal/agent"
	"FeatureScope/internal/agentclient"
	"FeatureScope/internal/agenthost"
	"FeatureScope/internal/auth"
	"FeatureScope/internal/observability/metrics"
	"FeatureScope/internal/orchestrator"
	"FeatureScope/internal/ratelimit"
	"FeatureScope/internal/request"
	"FeatureScope/internal/webhook"
	"FeatureScope/pkg/logger"
)

// Config 描述 HTTP 服务参数。
type Config struct {
	Address         string
	PublicURL       string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// MaxBodyBytes 限制请求体大小，超出返回 413。
	MaxBodyBytes int64
}

// Deps 聚合处理器依赖的组件。Host、Callbacks、Webhooks、Limiter 可为空，
// 对应路由随之不注册或不生效。
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Store        request.Store
	Status       *Service
	Host         *agenthost.Host
	Callbacks    *agentclient.Callbacks
	Webhooks     *webhook.Dispatcher
	Auth         *auth.Service
	Limiter      *ratelimit.Limiter
}

// Server 负责暴露 REST 接口。
type Server struct {
	cfg     Config
	deps    Deps
	handler http.Handler
}

// NewServer 构造 API 服务实例。
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Orchestrator == nil || deps.Store == nil || deps.Auth == nil {
		return nil, errors.New("api: orchestrator, store and auth are required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	if deps.Status == nil {
		deps.Status = NewService(deps.Store, agent.DefaultCatalog(), 0)
	}
	s := &Server{cfg: cfg, deps: deps}
	s.handler = s.routes()
	return s, nil
}

// Handler 返回完整的路由处理器，便于测试或嵌入其他服务器。
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	user := func(perm string, h http.HandlerFunc) http.Handler {
		limited := ratelimit.Middleware(s.deps.Limiter, callerKey)(h)
		return s.deps.Auth.Middleware(auth.KindUser, perm)(limited)
	}
	agentRoute := func(perm string, h http.HandlerFunc) http.Handler {
		return s.deps.Auth.Middleware(auth.KindAgent, perm)(requireAgentHeaders(h))
	}

	handle := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, instrument(name, s.limitBody(h)))
	}

	handle("POST /api/v1/feature-request", "submit", user(auth.PermRequestsWrite, s.handleSubmit))
	handle("GET /api/v1/status/{request_id}", "status", user(auth.PermRequestsRead, s.handleStatus))
	handle("GET /api/v1/results/{request_id}", "results", user(auth.PermRequestsRead, s.handleResult))
	handle("DELETE /api/v1/requests/{request_id}", "cancel", user(auth.PermRequestsWrite, s.handleCancel))
	handle("GET /api/v1/requests", "list", user(auth.PermRequestsRead, s.handleList))
	handle("GET /api/v1/stats", "stats", user(auth.PermRequestsRead, s.handleStats))

	if s.deps.Webhooks != nil {
		handle("POST /api/v1/webhooks", "webhook_register", user(auth.PermWebhooksWrite, s.handleRegisterWebhook))
		handle("GET /api/v1/webhooks/{webhook_id}/deliveries", "webhook_deliveries", user(auth.PermRequestsRead, s.handleDeliveries))
	}

	if s.deps.Host != nil {
		handle("POST /api/v1/analyze-backend", "analyze_backend", agentRoute(auth.PermAnalyze, s.handleAnalyze(agent.AgentB)))
		handle("POST /api/v1/analyze-incar", "analyze_incar", agentRoute(auth.PermAnalyze, s.handleAnalyze(agent.AgentC)))
		handle("GET /api/v1/analyses/{analysis_id}", "analysis", s.deps.Auth.Middleware(auth.KindAgent, auth.PermAnalyze)(http.HandlerFunc(s.handleAnalysis)))
	}
	if s.deps.Callbacks != nil {
		handle("POST /api/v1/callback/backend-analysis", "callback_backend", agentRoute(auth.PermCallback, s.handleCallback(agent.AgentB)))
		handle("POST /api/v1/callback/incar-analysis", "callback_incar", agentRoute(auth.PermCallback, s.handleCallback(agent.AgentC)))
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           withContext(ctx, s.handler),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.L().Info("API 服务已启动", "address", s.cfg.Address)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"in_flight": s.deps.Orchestrator.InFlight(),
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

// callerKey 以认证主体作为限流键，未认证时退回客户端地址。
func callerKey(r *http.Request) string {
	if key := auth.CallerKey(r.Context()); key != "" {
		return key
	}
	return "ip:" + ratelimit.ClientIP(r)
}

func (s *Server) trackingURL(path string) string {
	return s.cfg.PublicURL + path
}
