// Package config provides configuration loading and validation for the
// orchestration engine.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/MSA-I/RE-TOUR-sub007/internal/logging"
	"github.com/MSA-I/RE-TOUR-sub007/internal/server/ratelimit"
)

// Config is the full engine configuration.
type Config struct {
	Server    ServerConfig            `koanf:"server"`
	Database  DatabaseConfig          `koanf:"database"`
	NATS      NATSConfig              `koanf:"nats"`
	Logging   logging.Config          `koanf:"logging"`
	Queue     QueueConfig             `koanf:"queue"`
	QA        QAConfig                `koanf:"qa"`
	Policy    PolicyConfig            `koanf:"policy"`
	Pipeline  PipelineConfig          `koanf:"pipeline"`
	Workers   map[string]WorkerConfig `koanf:"workers" validate:"dive"`
	Artifacts ArtifactsConfig         `koanf:"artifacts"`
	Auth      AuthConfig              `koanf:"auth"`
	LLM       LLMConfig               `koanf:"llm"`
	RateLimit ratelimit.Config        `koanf:"ratelimit"`
}

type ServerConfig struct {
	Port            int           `koanf:"port" validate:"gte=1,lte=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type DatabaseConfig struct {
	// URL is a PostgreSQL connection string. Empty selects the in-memory store.
	URL      string `koanf:"url"`
	MaxConns int32  `koanf:"max_conns" validate:"gte=0"`
}

type NATSConfig struct {
	// URL of the NATS server events are published to. Empty disables publishing.
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

type QueueConfig struct {
	LeaseSeconds int `koanf:"lease_seconds" validate:"gte=1"`
	MaxAttempts  int `koanf:"max_attempts" validate:"gte=1"`
	ClaimRetries int `koanf:"claim_retries" validate:"gte=0"`
}

type QAConfig struct {
	RetryBudget   int     `koanf:"retry_budget" validate:"gte=0"`
	MinAuditScore float64 `koanf:"min_audit_score" validate:"gte=0,lte=1"`
	Auditor       string  `koanf:"auditor" validate:"oneof=static gemini"`
}

type EscalationConfig struct {
	Check int `koanf:"check" validate:"gte=1"`
	Guard int `koanf:"guard" validate:"gtfield=Check"`
	Law   int `koanf:"law" validate:"gtfield=Guard"`
}

type PolicyConfig struct {
	SupportThreshold            int              `koanf:"support_threshold" validate:"gte=1"`
	Escalation                  EscalationConfig `koanf:"escalation"`
	DecayInterval               time.Duration    `koanf:"decay_interval" validate:"gt=0"`
	DecayAmount                 int              `koanf:"decay_amount" validate:"gte=0,lte=100"`
	ConfirmBoost                int              `koanf:"confirm_boost" validate:"gte=0,lte=100"`
	ContradictionPenalty        int              `koanf:"contradiction_penalty" validate:"gte=0,lte=100"`
	LawMuteRequiresConfirmation bool             `koanf:"law_mute_requires_confirmation"`
}

type PipelineConfig struct {
	Owner           string        `koanf:"owner"`
	Concurrency     int           `koanf:"concurrency" validate:"gte=1"`
	PollInterval    time.Duration `koanf:"poll_interval" validate:"gt=0"`
	AutoAdvance     bool          `koanf:"auto_advance"`
	RegistryVersion int           `koanf:"registry_version" validate:"gte=1"`
	// LeaseSeconds is the lease each of this worker's claims asks for.
	// 0 uses queue.lease_seconds.
	LeaseSeconds int `koanf:"lease_seconds" validate:"gte=0"`
}

type WorkerConfig struct {
	Endpoint string        `koanf:"endpoint" validate:"required,url"`
	Timeout  time.Duration `koanf:"timeout"`
	Rate     float64       `koanf:"rate" validate:"gte=0"`
	Burst    int           `koanf:"burst" validate:"gte=0"`
}

type ArtifactsConfig struct {
	SigningSecret string        `koanf:"signing_secret"`
	AccessTTL     time.Duration `koanf:"access_ttl" validate:"gt=0"`
	BaseURL       string        `koanf:"base_url" validate:"omitempty,url"`
}

type AuthConfig struct {
	JWTSecret       string `koanf:"jwt_secret"`
	ExpirationHours int    `koanf:"expiration_hours" validate:"gte=1"`
}

type LLMConfig struct {
	APIKey string `koanf:"api_key"`
	Model  string `koanf:"model"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := seed()
	applyDefaults(&cfg)
	return &cfg
}

// seed returns the boolean defaults. They are set before unmarshalling
// because a zero value cannot be told apart from an explicit false.
func seed() Config {
	return Config{
		Policy:    PolicyConfig{LawMuteRequiresConfirmation: true},
		Pipeline:  PipelineConfig{AutoAdvance: true},
		RateLimit: ratelimit.Config{Enabled: true},
	}
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 300 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 10
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "retour"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Queue.LeaseSeconds == 0 {
		cfg.Queue.LeaseSeconds = 60
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 3
	}
	if cfg.Queue.ClaimRetries == 0 {
		cfg.Queue.ClaimRetries = 3
	}

	if cfg.QA.RetryBudget == 0 {
		cfg.QA.RetryBudget = 2
	}
	if cfg.QA.MinAuditScore == 0 {
		cfg.QA.MinAuditScore = 0.6
	}
	if cfg.QA.Auditor == "" {
		cfg.QA.Auditor = "static"
	}

	if cfg.Policy.SupportThreshold == 0 {
		cfg.Policy.SupportThreshold = 3
	}
	if cfg.Policy.Escalation.Check == 0 {
		cfg.Policy.Escalation.Check = 2
	}
	if cfg.Policy.Escalation.Guard == 0 {
		cfg.Policy.Escalation.Guard = 4
	}
	if cfg.Policy.Escalation.Law == 0 {
		cfg.Policy.Escalation.Law = 6
	}
	if cfg.Policy.DecayInterval == 0 {
		cfg.Policy.DecayInterval = 24 * time.Hour
	}
	if cfg.Policy.DecayAmount == 0 {
		cfg.Policy.DecayAmount = 5
	}
	if cfg.Policy.ConfirmBoost == 0 {
		cfg.Policy.ConfirmBoost = 10
	}
	if cfg.Policy.ContradictionPenalty == 0 {
		cfg.Policy.ContradictionPenalty = 15
	}

	if cfg.Pipeline.Owner == "" {
		cfg.Pipeline.Owner = "retour-worker"
	}
	if cfg.Pipeline.Concurrency == 0 {
		cfg.Pipeline.Concurrency = 4
	}
	if cfg.Pipeline.PollInterval == 0 {
		cfg.Pipeline.PollInterval = 2 * time.Second
	}
	if cfg.Pipeline.RegistryVersion == 0 {
		cfg.Pipeline.RegistryVersion = 1
	}

	for name, w := range cfg.Workers {
		if w.Timeout == 0 {
			w.Timeout = 120 * time.Second
		}
		if w.Burst == 0 {
			w.Burst = 1
		}
		cfg.Workers[name] = w
	}

	if cfg.Artifacts.AccessTTL == 0 {
		cfg.Artifacts.AccessTTL = 15 * time.Minute
	}
	if cfg.Auth.ExpirationHours == 0 {
		cfg.Auth.ExpirationHours = 24
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gemini-2.5-flash"
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks that the configuration has valid values.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("'%s' failed '%s'", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag()))
			}
			return fmt.Errorf("config error: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("config error: %w", err)
	}
	if c.QA.Auditor == "gemini" && c.LLM.APIKey == "" {
		return fmt.Errorf("config error: 'llm.api_key' is required when qa.auditor is gemini")
	}
	return nil
}
