package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AgentName != "retention" {
		t.Fatalf("expected default agent name, got %q", cfg.AgentName)
	}
	if cfg.LLM.Provider != "google" {
		t.Fatalf("expected google default provider, got %q", cfg.LLM.Provider)
	}
	if cfg.Commands.MaxAttempts != 3 {
		t.Fatalf("expected 3 max attempts, got %d", cfg.Commands.MaxAttempts)
	}
	if cfg.DatabasePath == "" || cfg.SkillsDir == "" {
		t.Fatal("derived paths must be filled in")
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
home_dir: ` + dir + `
agent_name: winback
log_level: debug
llm:
  provider: anthropic
  model: claude-sonnet-4-5-20250929
  timeout_seconds: 30
mail:
  from_email: team@example.com
  reply_domain: mail.example.com
follow_up:
  interval_minutes: 5
  quiet_after_hours: 48
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AgentName != "winback" {
		t.Fatalf("agent_name = %q", cfg.AgentName)
	}
	if cfg.LLM.Provider != "anthropic" {
		t.Fatalf("provider = %q", cfg.LLM.Provider)
	}
	if cfg.OracleTimeout().Seconds() != 30 {
		t.Fatalf("oracle timeout = %v", cfg.OracleTimeout())
	}
	if cfg.FollowUp.QuietAfterHours != 48 {
		t.Fatalf("quiet_after_hours = %d", cfg.FollowUp.QuietAfterHours)
	}
	if cfg.DatabasePath != filepath.Join(dir, "loopkeep.db") {
		t.Fatalf("database path = %q", cfg.DatabasePath)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("llm:\n  api_key: from-file\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("LOOPKEEP_LLM_API_KEY", "from-env")
	t.Setenv("LOOPKEEP_MAIL_API_KEY", "mail-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.APIKey != "from-env" {
		t.Fatalf("expected env to win, got %q", cfg.LLM.APIKey)
	}
	if cfg.Mail.APIKey != "mail-env" {
		t.Fatalf("expected mail key from env, got %q", cfg.Mail.APIKey)
	}
}

func TestLoad_RejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("llm: [not: a map"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}
