package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath 为配置文件路径所在的环境变量名。
const EnvConfigPath = "FEATURESCOPE_CONFIG"

// Config 描述了 FeatureScope 在启动阶段需要加载的核心配置。
type Config struct {
	Server       ServerConfig       `json:"server" yaml:"server"`
	Auth         AuthConfig         `json:"auth" yaml:"auth"`
	Logging      LoggingConfig      `json:"logging" yaml:"logging"`
	Storage      StorageConfig      `json:"storage" yaml:"storage"`
	Queue        QueueConfig        `json:"queue" yaml:"queue"`
	LLM          LLMConfig          `json:"llm" yaml:"llm"`
	Agents       AgentsConfig       `json:"agents" yaml:"agents"`
	Orchestrator OrchestratorConfig `json:"orchestrator" yaml:"orchestrator"`
	Webhook      WebhookConfig      `json:"webhook" yaml:"webhook"`
	RateLimit    RateLimitConfig    `json:"rate_limit" yaml:"rate_limit"`
	Alerting     AlertingConfig     `json:"alerting" yaml:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string   `json:"address" yaml:"address"`
	PublicURL       string   `json:"public_url" yaml:"public_url"`
	MaxBodyBytes    int64    `json:"max_body_bytes" yaml:"max_body_bytes"`
	ReadTimeout     Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    Duration `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// AuthConfig 描述 JWT 签发与校验参数。
type AuthConfig struct {
	Issuer    string   `json:"issuer" yaml:"issuer"`
	Secret    string   `json:"secret" yaml:"secret"`
	SecretEnv string   `json:"secret_env" yaml:"secret_env"`
	TokenTTL  Duration `json:"token_ttl" yaml:"token_ttl"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level       string      `json:"level" yaml:"level"`
	Format      string      `json:"format" yaml:"format"`
	OutputPaths []string    `json:"output_paths" yaml:"output_paths"`
	Audit       AuditConfig `json:"audit" yaml:"audit"`
}

// AuditConfig 控制审计日志的落盘与轮转。
type AuditConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// StorageConfig 描述请求存储后端。
type StorageConfig struct {
	Driver          string      `json:"driver" yaml:"driver"`
	MySQL           MySQLConfig `json:"mysql" yaml:"mysql"`
	Redis           RedisConfig `json:"redis" yaml:"redis"`
	Retention       Duration    `json:"retention" yaml:"retention"`
	JanitorInterval Duration    `json:"janitor_interval" yaml:"janitor_interval"`
}

// MySQLConfig 描述 MySQL 连接信息。
type MySQLConfig struct {
	DSN             string   `json:"dsn" yaml:"dsn"`
	DSNEnv          string   `json:"dsn_env" yaml:"dsn_env"`
	MaxOpenConns    int      `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int      `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	AutoMigrate     bool     `json:"auto_migrate" yaml:"auto_migrate"`
}

// RedisConfig 描述 Redis 连接信息。
type RedisConfig struct {
	Address     string `json:"address" yaml:"address"`
	Password    string `json:"password" yaml:"password"`
	PasswordEnv string `json:"password_env" yaml:"password_env"`
	DB          int    `json:"db" yaml:"db"`
	KeyPrefix   string `json:"key_prefix" yaml:"key_prefix"`
}

// QueueConfig 描述 Webhook 投递队列。
type QueueConfig struct {
	Driver   string         `json:"driver" yaml:"driver"`
	Buffer   int            `json:"buffer" yaml:"buffer"`
	Redis    RedisQueue     `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisQueue 使用 Redis List 作为队列。
type RedisQueue struct {
	Key          string   `json:"key" yaml:"key"`
	BlockTimeout Duration `json:"block_timeout" yaml:"block_timeout"`
}

// RabbitMQConfig 描述 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL      string `json:"url" yaml:"url"`
	URLEnv   string `json:"url_env" yaml:"url_env"`
	Queue    string `json:"queue" yaml:"queue"`
	Prefetch int    `json:"prefetch" yaml:"prefetch"`
}

// LLMConfig 用于配置分析文本生成服务。
type LLMConfig struct {
	Provider string       `json:"provider" yaml:"provider"`
	Ollama   OllamaConfig `json:"ollama" yaml:"ollama"`
	OpenAI   OpenAIConfig `json:"openai" yaml:"openai"`
}

// OllamaConfig 描述 Ollama /api/generate 端点。
type OllamaConfig struct {
	BaseURL string   `json:"base_url" yaml:"base_url"`
	Model   string   `json:"model" yaml:"model"`
	Timeout Duration `json:"timeout" yaml:"timeout"`
}

// OpenAIConfig 描述 OpenAI 兼容的 chat completions 端点。
type OpenAIConfig struct {
	BaseURL     string   `json:"base_url" yaml:"base_url"`
	Model       string   `json:"model" yaml:"model"`
	APIKey      string   `json:"api_key" yaml:"api_key"`
	APIKeyEnv   string   `json:"api_key_env" yaml:"api_key_env"`
	Temperature float32  `json:"temperature" yaml:"temperature"`
	Timeout     Duration `json:"timeout" yaml:"timeout"`
}

// AgentsConfig 描述各层 Agent 的画像与调用方式。
type AgentsConfig struct {
	ProfilesFile string                     `json:"profiles_file" yaml:"profiles_file"`
	Transports   map[string]TransportConfig `json:"transports" yaml:"transports"`
}

// TransportConfig 描述调用某个 Agent 的方式。
// Kind 为 local 时在进程内执行分析；为 http 时调用远端 analyze 端点。
type TransportConfig struct {
	Kind         string   `json:"kind" yaml:"kind"`
	BaseURL      string   `json:"base_url" yaml:"base_url"`
	Path         string   `json:"path" yaml:"path"`
	Mode         string   `json:"mode" yaml:"mode"`
	PollInterval Duration `json:"poll_interval" yaml:"poll_interval"`
}

// OrchestratorConfig 描述调度与容错参数。
type OrchestratorConfig struct {
	TaskTimeout        Duration   `json:"task_timeout" yaml:"task_timeout"`
	RequestTimeout     Duration   `json:"request_timeout" yaml:"request_timeout"`
	MaxRetries         int        `json:"max_retries" yaml:"max_retries"`
	Backoff            []Duration `json:"backoff" yaml:"backoff"`
	CautionEffortHours float64    `json:"caution_effort_hours" yaml:"caution_effort_hours"`
	CautionRiskCount   int        `json:"caution_risk_count" yaml:"caution_risk_count"`
}

// WebhookConfig 描述 Webhook 投递参数。
type WebhookConfig struct {
	Workers        int        `json:"workers" yaml:"workers"`
	RequestTimeout Duration   `json:"request_timeout" yaml:"request_timeout"`
	MaxRetries     int        `json:"max_retries" yaml:"max_retries"`
	Backoff        []Duration `json:"backoff" yaml:"backoff"`
}

// RateLimitConfig 描述入口限流参数。
type RateLimitConfig struct {
	Enabled    *bool    `json:"enabled" yaml:"enabled"`
	PerMinute  int      `json:"per_minute" yaml:"per_minute"`
	Burst      int      `json:"burst" yaml:"burst"`
	MaxEntries int      `json:"max_entries" yaml:"max_entries"`
	IdleTTL    Duration `json:"idle_ttl" yaml:"idle_ttl"`
}

// AlertingConfig 描述失败请求的告警渠道。审计日志渠道始终开启。
type AlertingConfig struct {
	SlackWebhookURL    string `json:"slack_webhook_url" yaml:"slack_webhook_url"`
	SlackWebhookURLEnv string `json:"slack_webhook_url_env" yaml:"slack_webhook_url_env"`
}

// IsEnabled 返回限流是否开启，未配置时默认开启。
func (r RateLimitConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Default 返回全部字段均已填充默认值的配置。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults("")
	return cfg
}

// LoadFromEnv 读取 FEATURESCOPE_CONFIG 指向的配置文件，未设置时返回默认配置。
func LoadFromEnv() (*Config, error) {
	path := strings.TrimSpace(os.Getenv(EnvConfigPath))
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

// Load 负责解析指定路径的配置文件，.yaml/.yml 使用 YAML，其余按 JSON 处理。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	default:
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验互相依赖的配置项。
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "mysql", "redis":
	default:
		return fmt.Errorf("不支持的存储驱动: %s", c.Storage.Driver)
	}
	if c.Storage.Driver == "mysql" && c.Storage.MySQL.DSN == "" {
		return errors.New("mysql 存储需要配置 dsn")
	}
	switch c.Queue.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("不支持的队列驱动: %s", c.Queue.Driver)
	}
	if c.Queue.Driver == "rabbitmq" && c.Queue.RabbitMQ.URL == "" {
		return errors.New("rabbitmq 队列需要配置 url")
	}
	switch c.LLM.Provider {
	case "static", "ollama", "openai":
	default:
		return fmt.Errorf("不支持的 LLM provider: %s", c.LLM.Provider)
	}
	for id, tc := range c.Agents.Transports {
		if tc.Kind == "http" && tc.BaseURL == "" {
			return fmt.Errorf("agent %s 的 http 传输需要 base_url", id)
		}
		if tc.Mode != "" && tc.Mode != "poll" && tc.Mode != "callback" {
			return fmt.Errorf("agent %s 的调用模式无效: %s", id, tc.Mode)
		}
	}
	if c.Orchestrator.RequestTimeout.Std() < c.Orchestrator.TaskTimeout.Std() {
		return errors.New("request_timeout 不能小于 task_timeout")
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.PublicURL == "" {
		c.Server.PublicURL = "http://" + c.Server.Address
		if strings.HasPrefix(c.Server.Address, ":") {
			c.Server.PublicURL = "http://localhost" + c.Server.Address
		}
	}
	c.Server.PublicURL = strings.TrimRight(c.Server.PublicURL, "/")
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = Duration(15 * time.Second)
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = Duration(30 * time.Second)
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "featurescope"
	}
	if c.Auth.Secret == "" && c.Auth.SecretEnv != "" {
		c.Auth.Secret = os.Getenv(c.Auth.SecretEnv)
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = Duration(time.Hour)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(baseDir, "logs", "audit.log")
	} else if c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.MySQL.DSN == "" && c.Storage.MySQL.DSNEnv != "" {
		c.Storage.MySQL.DSN = os.Getenv(c.Storage.MySQL.DSNEnv)
	}
	if c.Storage.MySQL.MaxOpenConns <= 0 {
		c.Storage.MySQL.MaxOpenConns = 20
	}
	if c.Storage.MySQL.MaxIdleConns <= 0 {
		c.Storage.MySQL.MaxIdleConns = 5
	}
	if c.Storage.MySQL.ConnMaxLifetime <= 0 {
		c.Storage.MySQL.ConnMaxLifetime = Duration(30 * time.Minute)
	}
	if c.Storage.Redis.Address == "" {
		c.Storage.Redis.Address = "127.0.0.1:6379"
	}
	if c.Storage.Redis.Password == "" && c.Storage.Redis.PasswordEnv != "" {
		c.Storage.Redis.Password = os.Getenv(c.Storage.Redis.PasswordEnv)
	}
	if c.Storage.Redis.KeyPrefix == "" {
		c.Storage.Redis.KeyPrefix = "featurescope"
	}
	if c.Storage.Retention <= 0 {
		c.Storage.Retention = Duration(24 * time.Hour)
	}
	if c.Storage.JanitorInterval <= 0 {
		c.Storage.JanitorInterval = Duration(10 * time.Minute)
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 256
	}
	if c.Queue.Redis.Key == "" {
		c.Queue.Redis.Key = c.Storage.Redis.KeyPrefix + ":webhook_deliveries"
	}
	if c.Queue.Redis.BlockTimeout <= 0 {
		c.Queue.Redis.BlockTimeout = Duration(5 * time.Second)
	}
	if c.Queue.RabbitMQ.URL == "" && c.Queue.RabbitMQ.URLEnv != "" {
		c.Queue.RabbitMQ.URL = os.Getenv(c.Queue.RabbitMQ.URLEnv)
	}
	if c.Queue.RabbitMQ.Queue == "" {
		c.Queue.RabbitMQ.Queue = "featurescope.webhook_deliveries"
	}
	if c.Queue.RabbitMQ.Prefetch <= 0 {
		c.Queue.RabbitMQ.Prefetch = 8
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "static"
	}
	if c.LLM.Ollama.BaseURL == "" {
		c.LLM.Ollama.BaseURL = "http://localhost:11434"
	}
	if c.LLM.Ollama.Model == "" {
		c.LLM.Ollama.Model = "llama3"
	}
	if c.LLM.Ollama.Timeout <= 0 {
		c.LLM.Ollama.Timeout = Duration(25 * time.Second)
	}
	if c.LLM.OpenAI.BaseURL == "" {
		c.LLM.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	if c.LLM.OpenAI.Model == "" {
		c.LLM.OpenAI.Model = "gpt-4o-mini"
	}
	if c.LLM.OpenAI.APIKey == "" {
		env := c.LLM.OpenAI.APIKeyEnv
		if env == "" {
			env = "OPENAI_API_KEY"
		}
		c.LLM.OpenAI.APIKey = os.Getenv(env)
	}
	if c.LLM.OpenAI.Timeout <= 0 {
		c.LLM.OpenAI.Timeout = Duration(25 * time.Second)
	}

	if c.Agents.ProfilesFile != "" && !filepath.IsAbs(c.Agents.ProfilesFile) && baseDir != "" {
		c.Agents.ProfilesFile = filepath.Join(baseDir, c.Agents.ProfilesFile)
	}
	if c.Agents.Transports == nil {
		c.Agents.Transports = make(map[string]TransportConfig)
	}
	for _, id := range []string{"A", "B", "C"} {
		tc := c.Agents.Transports[id]
		if tc.Kind == "" {
			tc.Kind = "local"
		}
		if tc.Mode == "" {
			tc.Mode = "poll"
		}
		if tc.PollInterval <= 0 {
			tc.PollInterval = Duration(500 * time.Millisecond)
		}
		c.Agents.Transports[id] = tc
	}

	if c.Orchestrator.TaskTimeout <= 0 {
		c.Orchestrator.TaskTimeout = Duration(30 * time.Second)
	}
	if c.Orchestrator.RequestTimeout <= 0 {
		c.Orchestrator.RequestTimeout = Duration(60 * time.Second)
	}
	if c.Orchestrator.MaxRetries <= 0 {
		c.Orchestrator.MaxRetries = 3
	}
	if len(c.Orchestrator.Backoff) == 0 {
		c.Orchestrator.Backoff = defaultBackoff()
	}
	if c.Orchestrator.CautionEffortHours <= 0 {
		c.Orchestrator.CautionEffortHours = 80
	}
	if c.Orchestrator.CautionRiskCount <= 0 {
		c.Orchestrator.CautionRiskCount = 6
	}

	if c.Webhook.Workers <= 0 {
		c.Webhook.Workers = 4
	}
	if c.Webhook.RequestTimeout <= 0 {
		c.Webhook.RequestTimeout = Duration(10 * time.Second)
	}
	if c.Webhook.MaxRetries <= 0 {
		c.Webhook.MaxRetries = 3
	}
	if len(c.Webhook.Backoff) == 0 {
		c.Webhook.Backoff = defaultBackoff()
	}

	if c.RateLimit.PerMinute <= 0 {
		c.RateLimit.PerMinute = 100
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = c.RateLimit.PerMinute
	}
	if c.RateLimit.MaxEntries <= 0 {
		c.RateLimit.MaxEntries = 10000
	}
	if c.RateLimit.IdleTTL <= 0 {
		c.RateLimit.IdleTTL = Duration(10 * time.Minute)
	}

	if c.Alerting.SlackWebhookURL == "" && c.Alerting.SlackWebhookURLEnv != "" {
		c.Alerting.SlackWebhookURL = os.Getenv(c.Alerting.SlackWebhookURLEnv)
	}
}

func defaultBackoff() []Duration {
	return []Duration{Duration(time.Second), Duration(2 * time.Second), Duration(4 * time.Second)}
}

// Durations 将 []Duration 转换为 []time.Duration。
func Durations(values []Duration) []time.Duration {
	out := make([]time.Duration, len(values))
	for i, v := range values {
		out[i] = v.Std()
	}
	return out
}
