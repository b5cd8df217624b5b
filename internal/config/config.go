// Package config loads LoopKeep configuration from a YAML file with
// environment-variable overrides for secrets and deploy-time knobs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// LLMConfig selects and configures the AI oracle provider.
type LLMConfig struct {
	// Provider is one of: "google", "anthropic", "openai",
	// "openai_compatible", "openrouter". Empty defaults to "google".
	Provider string `yaml:"provider" envconfig:"PROVIDER"`
	Model    string `yaml:"model" envconfig:"MODEL"`
	APIKey   string `yaml:"api_key" envconfig:"API_KEY"`

	// TimeoutSeconds bounds each oracle call. Default 60.
	TimeoutSeconds int `yaml:"timeout_seconds" envconfig:"TIMEOUT_SECONDS"`

	// OpenAICompatible config.
	OpenAICompatibleProvider string `yaml:"openai_compatible_provider" envconfig:"OPENAI_COMPATIBLE_PROVIDER"`
	OpenAICompatibleBaseURL  string `yaml:"openai_compatible_base_url" envconfig:"OPENAI_COMPATIBLE_BASE_URL"`
}

// MailConfig configures the outbound email provider.
type MailConfig struct {
	Endpoint    string `yaml:"endpoint" envconfig:"ENDPOINT"`
	APIKey      string `yaml:"api_key" envconfig:"API_KEY"`
	FromName    string `yaml:"from_name" envconfig:"FROM_NAME"`
	FromEmail   string `yaml:"from_email" envconfig:"FROM_EMAIL"`
	ReplyDomain string `yaml:"reply_domain" envconfig:"REPLY_DOMAIN"`

	// TimeoutSeconds bounds each send. Default 15.
	TimeoutSeconds int `yaml:"timeout_seconds" envconfig:"TIMEOUT_SECONDS"`
}

// CommandsConfig tunes the command bus dispatch loop.
type CommandsConfig struct {
	IntervalSeconds    int `yaml:"interval_seconds"`
	BatchSize          int `yaml:"batch_size"`
	ExecTimeoutSeconds int `yaml:"exec_timeout_seconds"`
	MaxAttempts        int `yaml:"max_attempts"`
}

// FollowUpConfig tunes the follow-up scheduler.
type FollowUpConfig struct {
	IntervalMinutes int    `yaml:"interval_minutes"`
	CronExpr        string `yaml:"cron_expr"`
	QuietAfterHours int    `yaml:"quiet_after_hours"`
	BatchSize       int    `yaml:"batch_size"`
}

// EventsConfig tunes the event relay.
type EventsConfig struct {
	IntervalSeconds int    `yaml:"interval_seconds"`
	BatchSize       int    `yaml:"batch_size"`
	WebhookURL      string `yaml:"webhook_url" envconfig:"WEBHOOK_URL"`
	WebhookSecret   string `yaml:"webhook_secret" envconfig:"WEBHOOK_SECRET"`
}

// TelemetryConfig configures tracing and metrics export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" envconfig:"ENABLED"`
	Exporter     string  `yaml:"exporter" envconfig:"EXPORTER"` // "otlp-http", "stdout", "none"
	Endpoint     string  `yaml:"endpoint" envconfig:"ENDPOINT"`
	SampleRatio  float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO"`
	Insecure     bool    `yaml:"insecure" envconfig:"INSECURE"`
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment" envconfig:"ENVIRONMENT"`
}

// Config is the root LoopKeep configuration.
type Config struct {
	// HomeDir is where the database, logs, and skill files live.
	// Defaults to ~/.loopkeep.
	HomeDir string `yaml:"home_dir" envconfig:"HOME_DIR"`

	// DatabasePath overrides the default <home>/loopkeep.db.
	DatabasePath string `yaml:"database_path" envconfig:"DATABASE_PATH"`

	// SkillsDir holds per-task-type instruction markdown files.
	// Defaults to <home>/skills.
	SkillsDir string `yaml:"skills_dir" envconfig:"SKILLS_DIR"`

	// AgentName labels outbound work. Defaults to "retention".
	AgentName string `yaml:"agent_name" envconfig:"AGENT_NAME"`

	LogLevel string `yaml:"log_level" envconfig:"LOG_LEVEL"`

	LLM       LLMConfig       `yaml:"llm"`
	Mail      MailConfig      `yaml:"mail"`
	Commands  CommandsConfig  `yaml:"commands"`
	FollowUp  FollowUpConfig  `yaml:"follow_up"`
	Events    EventsConfig    `yaml:"events"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// Default returns the built-in configuration.
func Default() Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".loopkeep")
	return Config{
		HomeDir:   base,
		AgentName: "retention",
		LogLevel:  "info",
		LLM: LLMConfig{
			Provider:       "google",
			TimeoutSeconds: 60,
		},
		Mail: MailConfig{
			Endpoint:       "https://api.resend.com/emails",
			TimeoutSeconds: 15,
		},
		Commands: CommandsConfig{
			IntervalSeconds:    30,
			BatchSize:          10,
			ExecTimeoutSeconds: 30,
			MaxAttempts:        3,
		},
		FollowUp: FollowUpConfig{
			IntervalMinutes: 15,
			QuietAfterHours: 72,
			BatchSize:       20,
		},
		Events: EventsConfig{
			IntervalSeconds: 10,
			BatchSize:       50,
		},
		Telemetry: TelemetryConfig{
			Exporter:    "none",
			SampleRatio: 1.0,
			Insecure:    true, // default endpoint is a localhost collector
			ServiceName: "loopkeep",
		},
	}
}

// Load reads the YAML file at path (missing file is fine: defaults apply)
// and then applies LOOPKEEP_* environment overrides on top.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// defaults only
		default:
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}

	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.HomeDir, "loopkeep.db")
	}
	if cfg.SkillsDir == "" {
		cfg.SkillsDir = filepath.Join(cfg.HomeDir, "skills")
	}
	return cfg, nil
}

// applyEnv layers LOOPKEEP_* variables over the file values. Secrets should
// come in this way rather than living in the YAML.
func applyEnv(cfg *Config) error {
	for prefix, target := range map[string]any{
		"LOOPKEEP":           cfg,
		"LOOPKEEP_LLM":       &cfg.LLM,
		"LOOPKEEP_MAIL":      &cfg.Mail,
		"LOOPKEEP_EVENTS":    &cfg.Events,
		"LOOPKEEP_TELEMETRY": &cfg.Telemetry,
	} {
		if err := envconfig.Process(prefix, target); err != nil {
			return fmt.Errorf("apply env overrides (%s): %w", prefix, err)
		}
	}
	return nil
}

// OracleTimeout returns the configured oracle deadline.
func (c Config) OracleTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutSeconds) * time.Second
}

// MailTimeout returns the configured mail-send deadline.
func (c Config) MailTimeout() time.Duration {
	return time.Duration(c.Mail.TimeoutSeconds) * time.Second
}
