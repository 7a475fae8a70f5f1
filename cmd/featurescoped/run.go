package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"FeatureScope/internal/agent"
	"FeatureScope/internal/agentclient"
	"FeatureScope/internal/agenthost"
	"FeatureScope/internal/api"
	"FeatureScope/internal/auth"
	"FeatureScope/internal/config"
	xerrors "FeatureScope/internal/errors"
	"FeatureScope/internal/llm"
	"FeatureScope/internal/llm/ollama"
	"FeatureScope/internal/llm/openai"
	"FeatureScope/internal/observability/alerting"
	"FeatureScope/internal/orchestrator"
	"FeatureScope/internal/queue"
	"FeatureScope/internal/ratelimit"
	"FeatureScope/internal/request"
	"FeatureScope/internal/storage/mysql"
	"FeatureScope/internal/storage/redis"
	"FeatureScope/internal/webhook"
	"FeatureScope/pkg/logger"
)

func run(ctx context.Context, cfg *config.Config) error {
	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			Compress:   cfg.Logging.Audit.Compress,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Named("featurescoped")

	catalog, err := agent.LoadCatalog(cfg.Agents.ProfilesFile)
	if err != nil {
		return err
	}
	topology := agent.NewTopology(catalog)

	authSvc, err := newAuthService(cfg, log)
	if err != nil {
		return err
	}

	backends, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer backends.Close()

	analyzers, err := createAnalyzers(cfg, catalog)
	if err != nil {
		return err
	}

	callbacks := agentclient.NewCallbacks()
	transports := make(map[agent.ID]agentclient.Transport, len(analyzers))
	hosted := make(map[agent.ID]agent.Analyzer)
	for _, id := range catalog.IDs() {
		tc := cfg.Agents.Transports[string(id)]
		if tc.Kind != "http" {
			transports[id] = agentclient.NewLocalTransport(analyzers[id])
			hosted[id] = analyzers[id]
			continue
		}
		t, err := agentclient.NewHTTPTransport(agentclient.HTTPConfig{
			BaseURL:      tc.BaseURL,
			Path:         transportPath(id, tc.Path),
			Mode:         agentclient.Mode(tc.Mode),
			PollInterval: tc.PollInterval.Std(),
			CallbackURL:  callbackURL(cfg.Server.PublicURL, id),
			Callbacks:    callbacks,
			Tokens:       authSvc,
			HTTPClient:   &http.Client{Timeout: cfg.Orchestrator.TaskTimeout.Std()},
		})
		if err != nil {
			return fmt.Errorf("agent %s: %w", id, err)
		}
		transports[id] = t
	}

	retry := xerrors.RetryConfig{
		MaxRetries: cfg.Orchestrator.MaxRetries,
		Backoff:    config.Durations(cfg.Orchestrator.Backoff),
	}
	client := agentclient.New(transports, agentclient.Options{
		Timeout: cfg.Orchestrator.TaskTimeout.Std(),
		Retry:   retry,
	})
	host := agenthost.New(hosted, topology, agenthost.Options{
		Timeout: cfg.Orchestrator.TaskTimeout.Std(),
		Tokens:  authSvc,
		Retry:   retry,
	})

	hooks := webhook.NewDispatcher(backends.webhooks, backends.queue, webhook.Options{
		Workers:        cfg.Webhook.Workers,
		RequestTimeout: cfg.Webhook.RequestTimeout.Std(),
		Retry: xerrors.RetryConfig{
			MaxRetries: cfg.Webhook.MaxRetries,
			Backoff:    config.Durations(cfg.Webhook.Backoff),
		},
	})

	orch := orchestrator.New(backends.requests, client, topology,
		orchestrator.WithRequestTimeout(cfg.Orchestrator.RequestTimeout.Std()),
		orchestrator.WithThresholds(orchestrator.Thresholds{
			CautionEffortHours: cfg.Orchestrator.CautionEffortHours,
			CautionRiskCount:   cfg.Orchestrator.CautionRiskCount,
		}),
		orchestrator.WithNotifier(hooks),
		orchestrator.WithAlertDispatcher(createAlerting(cfg)),
		orchestrator.WithPublicURL(cfg.Server.PublicURL),
	)

	if n, err := orch.RecoverStale(ctx); err != nil {
		log.Warn("恢复中断请求失败", slog.Any("error", err))
	} else if n > 0 {
		log.Info("已收尾重启前中断的请求", slog.Int("count", n))
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.IsEnabled() {
		limiter = ratelimit.New(ratelimit.Config{
			PerMinute:  cfg.RateLimit.PerMinute,
			Burst:      cfg.RateLimit.Burst,
			MaxEntries: cfg.RateLimit.MaxEntries,
			IdleTTL:    cfg.RateLimit.IdleTTL.Std(),
		})
	}

	server, err := api.NewServer(api.Config{
		Address:         cfg.Server.Address,
		PublicURL:       cfg.Server.PublicURL,
		ReadTimeout:     cfg.Server.ReadTimeout.Std(),
		WriteTimeout:    cfg.Server.WriteTimeout.Std(),
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Std(),
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
	}, api.Deps{
		Orchestrator: orch,
		Store:        backends.requests,
		Status:       api.NewService(backends.requests, catalog, cfg.Orchestrator.RequestTimeout.Std()),
		Host:         host,
		Callbacks:    callbacks,
		Webhooks:     hooks,
		Auth:         authSvc,
		Limiter:      limiter,
	})
	if err != nil {
		return err
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	go request.RunJanitor(bgCtx, backends.requests, cfg.Storage.Retention.Std(), cfg.Storage.JanitorInterval.Std())
	webhooksDone := make(chan struct{})
	go func() {
		defer close(webhooksDone)
		if err := hooks.Run(bgCtx, backends.queue); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Webhook 投递协程异常退出", slog.Any("error", err))
		}
	}()

	serveErr := server.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Warn("等待工作流收尾超时", slog.Int("in_flight", orch.InFlight()))
	}
	if err := host.Wait(shutdownCtx); err != nil {
		log.Warn("等待分析作业收尾超时", slog.Any("error", err))
	}
	bgCancel()
	select {
	case <-webhooksDone:
	case <-shutdownCtx.Done():
	}

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	log.Info("featurescoped 已退出")
	return nil
}

// newAuthService 构造令牌服务；未配置密钥时生成进程内随机密钥。
func newAuthService(cfg *config.Config, log *slog.Logger) (*auth.Service, error) {
	secret := cfg.Auth.Secret
	if secret == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, err
		}
		secret = hex.EncodeToString(buf)
		log.Warn("未配置 auth.secret，已生成临时密钥，重启后已签发的令牌全部失效")
	}
	return auth.NewService(auth.Config{
		Issuer:   cfg.Auth.Issuer,
		Secret:   secret,
		TokenTTL: cfg.Auth.TokenTTL.Std(),
	})
}

// backends 聚合按配置选择的存储与队列。
type backends struct {
	requests request.Store
	webhooks webhook.Store
	queue    queue.Queue
	closers  []func() error
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			logger.L().Warn("关闭后端资源失败", slog.Any("error", err))
		}
	}
}

func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	b := &backends{}
	fail := func(err error) (*backends, error) {
		b.Close()
		return nil, err
	}

	switch cfg.Storage.Driver {
	case "memory":
		b.requests = request.NewMemoryStore()
		b.webhooks = webhook.NewMemoryStore()
	case "mysql":
		db, err := mysql.Open(ctx, mysql.Config{
			DSN:             cfg.Storage.MySQL.DSN,
			MaxOpenConns:    cfg.Storage.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.MySQL.ConnMaxLifetime.Std(),
		})
		if err != nil {
			return fail(err)
		}
		b.closers = append(b.closers, db.Close)
		if cfg.Storage.MySQL.AutoMigrate {
			if err := mysql.Migrate(ctx, db); err != nil {
				return fail(err)
			}
		}
		b.requests = request.NewMySQLStore(db)
		b.webhooks = webhook.NewMySQLStore(db)
	case "redis":
		client, err := redis.Open(ctx, redis.Config{
			Address:  cfg.Storage.Redis.Address,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err != nil {
			return fail(err)
		}
		b.closers = append(b.closers, client.Close)
		b.requests = request.NewRedisStore(client, cfg.Storage.Redis.KeyPrefix, cfg.Storage.Retention.Std())
		b.webhooks = webhook.NewMemoryStore()
	default:
		return fail(fmt.Errorf("不支持的存储驱动: %s", cfg.Storage.Driver))
	}

	switch cfg.Queue.Driver {
	case "memory":
		b.queue = queue.NewMemoryQueue(cfg.Queue.Buffer)
	case "redis":
		client, err := redis.Open(ctx, redis.Config{
			Address:  cfg.Storage.Redis.Address,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err != nil {
			return fail(err)
		}
		b.closers = append(b.closers, client.Close)
		q, err := queue.NewRedisQueue(client, queue.RedisConfig{
			Key:       cfg.Queue.Redis.Key,
			BlockWait: cfg.Queue.Redis.BlockTimeout.Std(),
		})
		if err != nil {
			return fail(err)
		}
		b.queue = q
	case "rabbitmq":
		q, err := queue.NewRabbitMQQueue(queue.RabbitMQConfig{
			URL:      cfg.Queue.RabbitMQ.URL,
			Queue:    cfg.Queue.RabbitMQ.Queue,
			Prefetch: cfg.Queue.RabbitMQ.Prefetch,
			Durable:  true,
		})
		if err != nil {
			return fail(err)
		}
		b.queue = q
	default:
		return fail(fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver))
	}
	b.closers = append(b.closers, b.queue.Close, b.requests.Close)
	return b, nil
}

// createAnalyzers 按 LLM provider 为每个 Agent 构造分析器。
func createAnalyzers(cfg *config.Config, catalog *agent.Catalog) (map[agent.ID]agent.Analyzer, error) {
	out := make(map[agent.ID]agent.Analyzer, len(catalog.IDs()))
	if cfg.LLM.Provider == "static" {
		demo := agent.DemoAnalyses()
		for _, id := range catalog.IDs() {
			a, ok := demo[id]
			if !ok {
				a = agent.DefaultAnalysis("")
			}
			out[id] = agent.NewStaticAnalyzer(a)
		}
		return out, nil
	}

	client, err := createLLMClient(cfg)
	if err != nil {
		return nil, err
	}
	for _, id := range catalog.IDs() {
		profile, _ := catalog.Get(id)
		out[id] = agent.NewLLMAnalyzer(profile, client)
	}
	return out, nil
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "ollama":
		return ollama.NewClient(ollama.Config{
			BaseURL: cfg.LLM.Ollama.BaseURL,
			Model:   cfg.LLM.Ollama.Model,
			Timeout: cfg.LLM.Ollama.Timeout.Std(),
		}), nil
	case "openai":
		if cfg.LLM.OpenAI.APIKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:      cfg.LLM.OpenAI.APIKey,
			BaseURL:     cfg.LLM.OpenAI.BaseURL,
			Model:       cfg.LLM.OpenAI.Model,
			Temperature: cfg.LLM.OpenAI.Temperature,
			Timeout:     cfg.LLM.OpenAI.Timeout.Std(),
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

// createAlerting 组装告警渠道：审计日志始终开启，配置 Slack 地址时追加 Slack。
func createAlerting(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Alerting.SlackWebhookURL != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			WebhookURL: cfg.Alerting.SlackWebhookURL,
			Client:     &http.Client{Timeout: 5 * time.Second},
		})
	}
	return alerting.NewFanout(notifiers...)
}

// transportPath 返回远端 Agent 的 analyze 接口路径。
func transportPath(id agent.ID, configured string) string {
	if configured != "" {
		return configured
	}
	switch id {
	case agent.AgentB:
		return "/api/v1/analyze-backend"
	case agent.AgentC:
		return "/api/v1/analyze-incar"
	default:
		return "/api/v1/analyze-" + string(id)
	}
}

func callbackURL(publicURL string, id agent.ID) string {
	switch id {
	case agent.AgentB:
		return publicURL + "/api/v1/callback/backend-analysis"
	case agent.AgentC:
		return publicURL + "/api/v1/callback/incar-analysis"
	default:
		return ""
	}
}
