package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected address: %s", cfg.Server.Address)
	}
	if cfg.Server.PublicURL != "http://localhost:8080" {
		t.Fatalf("unexpected public url: %s", cfg.Server.PublicURL)
	}
	if cfg.Orchestrator.TaskTimeout.Std() != 30*time.Second {
		t.Fatalf("unexpected task timeout: %s", cfg.Orchestrator.TaskTimeout)
	}
	if cfg.Orchestrator.RequestTimeout.Std() != 60*time.Second {
		t.Fatalf("unexpected request timeout: %s", cfg.Orchestrator.RequestTimeout)
	}
	if cfg.RateLimit.PerMinute != 100 || cfg.RateLimit.Burst != 100 {
		t.Fatalf("unexpected rate limit: %+v", cfg.RateLimit)
	}
	if cfg.Webhook.Workers != 4 || cfg.Webhook.MaxRetries != 3 {
		t.Fatalf("unexpected webhook config: %+v", cfg.Webhook)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	got := Durations(cfg.Orchestrator.Backoff)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected backoff: %v", got)
		}
	}
	if cfg.Agents.Transports["B"].Kind != "local" {
		t.Fatalf("expected local transport for B")
	}
	if !cfg.RateLimit.IsEnabled() {
		t.Fatalf("rate limit should default to enabled")
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "featurescope.yaml")
	content := `
server:
  address: ":9090"
orchestrator:
  task_timeout: 5s
  request_timeout: 12
  caution_effort_hours: 40
agents:
  profiles_file: profiles.yaml
  transports:
    B:
      kind: http
      base_url: http://backend:8080
      mode: callback
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Fatalf("unexpected address: %s", cfg.Server.Address)
	}
	if cfg.Orchestrator.TaskTimeout.Std() != 5*time.Second {
		t.Fatalf("unexpected task timeout: %s", cfg.Orchestrator.TaskTimeout)
	}
	if cfg.Orchestrator.RequestTimeout.Std() != 12*time.Second {
		t.Fatalf("unexpected request timeout: %s", cfg.Orchestrator.RequestTimeout)
	}
	if cfg.Orchestrator.CautionEffortHours != 40 {
		t.Fatalf("unexpected caution effort: %v", cfg.Orchestrator.CautionEffortHours)
	}
	if cfg.Agents.ProfilesFile != filepath.Join(dir, "profiles.yaml") {
		t.Fatalf("profiles file should be resolved relative to config: %s", cfg.Agents.ProfilesFile)
	}
	b := cfg.Agents.Transports["B"]
	if b.Kind != "http" || b.Mode != "callback" || b.PollInterval <= 0 {
		t.Fatalf("unexpected transport: %+v", b)
	}
}

func TestLoadJSONWithSecretEnv(t *testing.T) {
	t.Setenv("FS_TEST_SECRET", "s3cret")
	t.Setenv("FS_TEST_SLACK", "https://hooks.slack.example/T0")
	dir := t.TempDir()
	path := filepath.Join(dir, "featurescope.json")
	content := `{"auth":{"secret_env":"FS_TEST_SECRET"},"alerting":{"slack_webhook_url_env":"FS_TEST_SLACK"},` +
		`"orchestrator":{"task_timeout":"2s","request_timeout":"4s"}}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.Secret != "s3cret" {
		t.Fatalf("secret not resolved from env: %q", cfg.Auth.Secret)
	}
	if cfg.Alerting.SlackWebhookURL != "https://hooks.slack.example/T0" {
		t.Fatalf("slack url not resolved from env: %q", cfg.Alerting.SlackWebhookURL)
	}
}

func TestValidateRejectsInvalidDrivers(t *testing.T) {
	cfg := Default()
	cfg.Storage.Driver = "sqlite"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}

	cfg = Default()
	cfg.Orchestrator.RequestTimeout = Duration(time.Second)
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error when request timeout is shorter than task timeout")
	}
}

func TestLoadFromEnvFallsBackToDefaults(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("unexpected driver: %s", cfg.Storage.Driver)
	}
}

func TestLoadSampleConfig(t *testing.T) {
	t.Setenv("FEATURESCOPE_JWT_SECRET", "sample-secret")
	cfg, err := Load(filepath.Join("..", "..", "deploy", "config", "featurescope.yaml"))
	if err != nil {
		t.Fatalf("load sample: %v", err)
	}
	if cfg.Auth.Secret != "sample-secret" {
		t.Fatalf("secret not resolved from env")
	}
	if cfg.Agents.ProfilesFile != filepath.Join("..", "..", "deploy", "config", "agents.yaml") {
		t.Fatalf("unexpected profiles file: %s", cfg.Agents.ProfilesFile)
	}
	if cfg.Storage.Driver != "memory" || cfg.LLM.Provider != "static" {
		t.Fatalf("unexpected drivers: %s %s", cfg.Storage.Driver, cfg.LLM.Provider)
	}
	if cfg.Orchestrator.TaskTimeout.Std() != 30*time.Second {
		t.Fatalf("unexpected task timeout: %s", cfg.Orchestrator.TaskTimeout)
	}
}
