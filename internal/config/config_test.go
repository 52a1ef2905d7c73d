package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "retour.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 60, cfg.Queue.LeaseSeconds)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 2, cfg.QA.RetryBudget)
	assert.Equal(t, "static", cfg.QA.Auditor)
	assert.Equal(t, 3, cfg.Policy.SupportThreshold)
	assert.Equal(t, EscalationConfig{Check: 2, Guard: 4, Law: 6}, cfg.Policy.Escalation)
	assert.Equal(t, 24*time.Hour, cfg.Policy.DecayInterval)
	assert.Equal(t, 1, cfg.Pipeline.RegistryVersion)
	assert.Equal(t, "retour", cfg.NATS.SubjectPrefix)
	assert.True(t, cfg.Pipeline.AutoAdvance)
	assert.True(t, cfg.Policy.LawMuteRequiresConfirmation)
	assert.True(t, cfg.RateLimit.Enabled)
}

func TestLoad_RateLimitOverrides(t *testing.T) {
	t.Setenv("RETOUR_RATELIMIT_DEFAULT_LIMIT", "25")
	path := writeConfig(t, "ratelimit:\n  enabled: false\n  allow:\n    - 10.0.0.1\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 25, cfg.RateLimit.DefaultLimit)
	assert.Equal(t, []string{"10.0.0.1"}, cfg.RateLimit.Allow)
}

func TestLoad_ExplicitFalseSurvivesDefaults(t *testing.T) {
	path := writeConfig(t, "pipeline:\n  auto_advance: false\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Pipeline.AutoAdvance)
	assert.True(t, cfg.Policy.LawMuteRequiresConfirmation)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
queue:
  lease_seconds: 30
  max_attempts: 5
qa:
  retry_budget: 4
  min_audit_score: 0.75
policy:
  decay_interval: 6h
  escalation:
    check: 3
    guard: 5
    law: 8
workers:
  render:
    endpoint: http://render.internal:8000/jobs
    rate: 2
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 30, cfg.Queue.LeaseSeconds)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, 4, cfg.QA.RetryBudget)
	assert.InDelta(t, 0.75, cfg.QA.MinAuditScore, 1e-9)
	assert.Equal(t, 6*time.Hour, cfg.Policy.DecayInterval)
	assert.Equal(t, 8, cfg.Policy.Escalation.Law)

	render, ok := cfg.Workers["render"]
	require.True(t, ok)
	assert.Equal(t, "http://render.internal:8000/jobs", render.Endpoint)
	assert.Equal(t, 120*time.Second, render.Timeout)
	assert.Equal(t, 1, render.Burst)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, "queue:\n  lease_seconds: 30\n")
	t.Setenv("RETOUR_QUEUE_LEASE_SECONDS", "90")
	t.Setenv("DATABASE_URL", "postgres://localhost/retour")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 90, cfg.Queue.LeaseSeconds)
	assert.Equal(t, "postgres://localhost/retour", cfg.Database.URL)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [port")

	cfg, err := Load(path)
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to parse config YAML")
}

func TestLoad_FileNotFound(t *testing.T) {
	cfg, err := Load("/nonexistent/path/retour.yaml")
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid defaults", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "Server.Port"},
		{"escalation out of order", func(c *Config) { c.Policy.Escalation.Guard = 1 }, "Policy.Escalation.Guard"},
		{"audit score above one", func(c *Config) { c.QA.MinAuditScore = 1.5 }, "QA.MinAuditScore"},
		{"unknown auditor", func(c *Config) { c.QA.Auditor = "oracle" }, "QA.Auditor"},
		{"gemini without key", func(c *Config) { c.QA.Auditor = "gemini" }, "llm.api_key"},
		{"worker without endpoint", func(c *Config) {
			c.Workers = map[string]WorkerConfig{"vision": {Timeout: time.Second}}
		}, "Endpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), "config error")
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "queue.lease_seconds", envKey("RETOUR_QUEUE_LEASE_SECONDS"))
	assert.Equal(t, "pipeline.auto_advance", envKey("RETOUR_PIPELINE_AUTO_ADVANCE"))
	assert.Equal(t, "debug", envKey("RETOUR_DEBUG"))
}
