package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"agora/internal/domain"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Conversation.MaxTurns != 10 {
		t.Errorf("MaxTurns = %d, want 10", cfg.Conversation.MaxTurns)
	}
	if cfg.Conversation.DecayFactor != 0.95 {
		t.Errorf("DecayFactor = %v, want 0.95", cfg.Conversation.DecayFactor)
	}
	if cfg.Conversation.Mode != "round_robin" {
		t.Errorf("Mode = %q, want round_robin", cfg.Conversation.Mode)
	}
	if cfg.Conversation.MaxAgentRetries != 1 {
		t.Errorf("MaxAgentRetries = %d, want 1", cfg.Conversation.MaxAgentRetries)
	}
	if cfg.Logger.Level != "info" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "info")
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Conversation.ContextTopK != 5 {
		t.Errorf("expected defaults, got ContextTopK=%d", cfg.Conversation.ContextTopK)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
store:
  path: "/var/lib/agora/agora.db"
llm:
  default_provider: "groq"
  providers:
    - name: "groq"
      type: "openai"
      base_url: "https://api.groq.com/openai/v1"
      api_key: "test-key"
      model: "llama3-8b"
agents:
  - name: "PM"
    description: "product manager who scopes work"
    provider: "groq"
    capabilities: ["conversation.respond", "knowledge.read"]
  - name: "Dev"
    description: "engineer who estimates effort"
conversation:
  mode: "relevance_weighted"
  max_turns: 6
  agent_timeout: 45s
logger:
  level: "debug"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Path != "/var/lib/agora/agora.db" {
		t.Errorf("Store.Path = %q", cfg.Store.Path)
	}
	if len(cfg.Agents) != 2 || cfg.Agents[0].Name != "PM" {
		t.Fatalf("Agents mismatch: %+v", cfg.Agents)
	}
	if got := cfg.Agents[0].Capabilities; len(got) != 2 {
		t.Errorf("Capabilities = %v", got)
	}
	if cfg.Conversation.Mode != "relevance_weighted" || cfg.Conversation.MaxTurns != 6 {
		t.Errorf("Conversation = %+v", cfg.Conversation)
	}
	if cfg.Conversation.AgentTimeout != 45*time.Second {
		t.Errorf("AgentTimeout = %v", cfg.Conversation.AgentTimeout)
	}
	// Unset keys keep their defaults.
	if cfg.Conversation.DecayFactor != 0.95 {
		t.Errorf("DecayFactor = %v, want default", cfg.Conversation.DecayFactor)
	}
	p, ok := cfg.Provider("groq")
	if !ok || p.APIKey != "test-key" {
		t.Errorf("Provider(groq) = %+v, %v", p, ok)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("agents: [unclosed"), 0600); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if !errors.Is(err, domain.ErrConfigLoad) {
		t.Fatalf("expected ErrConfigLoad, got %v", err)
	}
	if domain.ErrorCodeOf(err) != domain.CodeConfigLoad {
		t.Errorf("code = %s, want %s", domain.ErrorCodeOf(err), domain.CodeConfigLoad)
	}
}

func TestLoadInsecurePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("logger:\n  level: debug\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0666); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "insecure permissions") {
		t.Fatalf("expected permission error, got %v", err)
	}
}

func TestLoadValidationFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
conversation:
  mode: "loudest_first"
  decay_factor: 1.5
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if !errors.Is(err, domain.ErrConfigLoad) {
		t.Errorf("expected ErrConfigLoad, got %v", err)
	}
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if len(ve.Errors) != 2 {
		t.Errorf("Errors = %v, want 2 entries", ve.Errors)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGORA_LLM_DEFAULT_PROVIDER", "ollama")
	t.Setenv("AGORA_LOGGER_LEVEL", "debug")
	t.Setenv("AGORA_CONVERSATION_MAX_TURNS", "25")
	t.Setenv("AGORA_CONVERSATION_DECAY_FACTOR", "0.8")
	t.Setenv("AGORA_CONVERSATION_AGENT_TIMEOUT", "2m")
	t.Setenv("AGORA_BACKFILL_ENABLED", "true")
	t.Setenv("AGORA_LLM_OLLAMA_API_KEY", "k-123")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.LLM.DefaultProvider != "ollama" {
		t.Errorf("DefaultProvider = %q, want %q", cfg.LLM.DefaultProvider, "ollama")
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "debug")
	}
	if cfg.Conversation.MaxTurns != 25 {
		t.Errorf("MaxTurns = %d, want 25", cfg.Conversation.MaxTurns)
	}
	if cfg.Conversation.DecayFactor != 0.8 {
		t.Errorf("DecayFactor = %v, want 0.8", cfg.Conversation.DecayFactor)
	}
	if cfg.Conversation.AgentTimeout != 2*time.Minute {
		t.Errorf("AgentTimeout = %v", cfg.Conversation.AgentTimeout)
	}
	if !cfg.Backfill.Enabled {
		t.Error("Backfill.Enabled should be true")
	}
	if cfg.LLM.Providers[0].APIKey != "k-123" {
		t.Errorf("provider API key = %q", cfg.LLM.Providers[0].APIKey)
	}
}

func TestEnvOverridesIgnoreGarbage(t *testing.T) {
	t.Setenv("AGORA_CONVERSATION_MAX_TURNS", "many")
	t.Setenv("AGORA_CONVERSATION_AGENT_TIMEOUT", "soon")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Conversation.MaxTurns != 10 {
		t.Errorf("MaxTurns = %d, want default 10", cfg.Conversation.MaxTurns)
	}
	if cfg.Conversation.AgentTimeout != 120*time.Second {
		t.Errorf("AgentTimeout = %v, want default", cfg.Conversation.AgentTimeout)
	}
}
