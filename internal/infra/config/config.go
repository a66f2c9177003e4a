package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"agora/internal/domain"
)

// Config is the root configuration.
type Config struct {
	Includes     []string           `yaml:"includes,omitempty"`
	Store        StoreConfig        `yaml:"store"`
	Embedding    EmbeddingConfig    `yaml:"embedding"`
	LLM          LLMConfig          `yaml:"llm"`
	Agents       []AgentConfig      `yaml:"agents"`
	Conversation ConversationConfig `yaml:"conversation"`
	Backfill     BackfillConfig     `yaml:"backfill"`
	Cluster      ClusterConfig      `yaml:"cluster"`
	Logger       LoggerConfig       `yaml:"logger"`
	Tracer       TracerConfig       `yaml:"tracer"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// CircuitBreakerConfig holds circuit breaker settings for remote providers.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// EmbeddingConfig holds text embedding provider settings.
type EmbeddingConfig struct {
	Provider   string               `yaml:"provider"` // "ollama", "openai", "" (disabled)
	Model      string               `yaml:"model"`
	BaseURL    string               `yaml:"base_url"`
	APIKey     string               `yaml:"api_key,omitempty"`
	Dimensions int                  `yaml:"dimensions"`
	CacheSize  int                  `yaml:"cache_size"` // 0 = no cache
	Timeout    time.Duration        `yaml:"timeout"`
	Retries    int                  `yaml:"retries"`
	Breaker    CircuitBreakerConfig `yaml:"breaker"`
}

// LLMConfig holds chat provider settings.
type LLMConfig struct {
	DefaultProvider string           `yaml:"default_provider"`
	Providers       []ProviderConfig `yaml:"providers"`
}

// PoolConfig holds HTTP connection pool settings for LLM providers.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// ProviderConfig holds settings for a single LLM provider.
type ProviderConfig struct {
	Name        string               `yaml:"name"`
	Type        string               `yaml:"type"` // "openai", "ollama"
	BaseURL     string               `yaml:"base_url"`
	APIKey      string               `yaml:"api_key"`
	Model       string               `yaml:"model"`
	ConnTimeout time.Duration        `yaml:"conn_timeout"`
	RespTimeout time.Duration        `yaml:"resp_timeout"`
	Pool        PoolConfig           `yaml:"pool"`
	Breaker     CircuitBreakerConfig `yaml:"breaker"`
}

// AgentConfig defines one conversation participant.
type AgentConfig struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	SystemPrompt string   `yaml:"system_prompt"`
	Provider     string   `yaml:"provider"`
	Model        string   `yaml:"model"`
	Capabilities []string `yaml:"capabilities,omitempty"`
	Temperature  float64  `yaml:"temperature,omitempty"`
}

// ConversationConfig tunes the orchestrator and context retrieval.
type ConversationConfig struct {
	Mode               string        `yaml:"mode"`
	MaxTurns           int           `yaml:"max_turns"`
	AgentTimeout       time.Duration `yaml:"agent_timeout"`
	PersistTimeout     time.Duration `yaml:"persist_timeout"`
	MaxAgentRetries    int           `yaml:"max_agent_retries"`
	ContextTopK        int           `yaml:"context_top_k"`
	DecayFactor        float64       `yaml:"decay_factor"`
	MaxCandidates      int           `yaml:"max_candidates"`
	HistoryWindow      int           `yaml:"history_window"`
	CompletionMarker   string        `yaml:"completion_marker"`
	ContextTokenBudget int           `yaml:"context_token_budget"` // 0 uses the default, negative omits context
	TokenEncoding      string        `yaml:"token_encoding"`
}

// BackfillConfig schedules embedding of entries stored without a vector.
type BackfillConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Schedule      string  `yaml:"schedule"` // cron expression or Go duration
	BatchSize     int     `yaml:"batch_size"`
	RatePerSecond float64 `yaml:"rate_per_second"`
}

// ClusterConfig enables the Redis session lease for multi-process deployments.
type ClusterConfig struct {
	Enabled  bool   `yaml:"enabled"`
	NodeID   string `yaml:"node_id"`   // auto-generated if empty
	RedisURL string `yaml:"redis_url"` // e.g. "redis://localhost:6379/0"
	LockTTL  string `yaml:"lock_ttl"`  // duration string (default: 30s)
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	Output    string `yaml:"output"`
	AddSource bool   `yaml:"add_source"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	SampleRatio float64 `yaml:"sample_ratio"` // 0 = always sample
}

// defaultDataDir returns the persistent data directory under $HOME/.agora.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".agora")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Store: StoreConfig{
			Path: filepath.Join(defaultDataDir(), "agora.db"),
		},
		Embedding: EmbeddingConfig{
			Provider:   "ollama",
			Model:      "nomic-embed-text",
			BaseURL:    "http://localhost:11434",
			Dimensions: 768,
			CacheSize:  1000,
			Timeout:    15 * time.Second,
			Retries:    1,
			Breaker:    CircuitBreakerConfig{Enabled: true, MaxFailures: 5, Timeout: 30 * time.Second, Interval: 60 * time.Second},
		},
		LLM: LLMConfig{
			DefaultProvider: "ollama",
			Providers: []ProviderConfig{
				{Name: "ollama", Type: "ollama", BaseURL: "http://localhost:11434", Model: "llama3.2"},
			},
		},
		Conversation: ConversationConfig{
			Mode:               "round_robin",
			MaxTurns:           10,
			AgentTimeout:       120 * time.Second,
			PersistTimeout:     10 * time.Second,
			MaxAgentRetries:    1,
			ContextTopK:        5,
			DecayFactor:        0.95,
			MaxCandidates:      10000,
			HistoryWindow:      5,
			CompletionMarker:   "[OBJECTIVE COMPLETE]",
			ContextTokenBudget: 1500,
			TokenEncoding:      "cl100k_base",
		},
		Backfill: BackfillConfig{
			Enabled:       false,
			Schedule:      "10m",
			BatchSize:     50,
			RatePerSecond: 5,
		},
		Cluster: ClusterConfig{
			LockTTL: "30s",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, merges includes, applies env var overrides,
// and validates the result. A missing file yields the defaults. Every
// failure wraps domain.ErrConfigLoad.
func Load(path string) (*Config, error) {
	cfg, err := load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfigLoad, err)
	}
	return cfg, nil
}

func load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}
		// Re-apply the main file so it takes precedence over includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps AGORA_* env vars to config fields. Unparseable
// numeric or duration values are ignored and the file value is kept.
func ApplyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setString("AGORA_STORE_PATH", &cfg.Store.Path)

	setString("AGORA_EMBEDDING_PROVIDER", &cfg.Embedding.Provider)
	setString("AGORA_EMBEDDING_MODEL", &cfg.Embedding.Model)
	setString("AGORA_EMBEDDING_BASE_URL", &cfg.Embedding.BaseURL)
	setString("AGORA_EMBEDDING_API_KEY", &cfg.Embedding.APIKey)
	setInt("AGORA_EMBEDDING_DIMENSIONS", &cfg.Embedding.Dimensions)
	setInt("AGORA_EMBEDDING_CACHE_SIZE", &cfg.Embedding.CacheSize)
	setDuration("AGORA_EMBEDDING_TIMEOUT", &cfg.Embedding.Timeout)

	setString("AGORA_LLM_DEFAULT_PROVIDER", &cfg.LLM.DefaultProvider)

	setString("AGORA_CONVERSATION_MODE", &cfg.Conversation.Mode)
	setInt("AGORA_CONVERSATION_MAX_TURNS", &cfg.Conversation.MaxTurns)
	setDuration("AGORA_CONVERSATION_AGENT_TIMEOUT", &cfg.Conversation.AgentTimeout)
	setDuration("AGORA_CONVERSATION_PERSIST_TIMEOUT", &cfg.Conversation.PersistTimeout)
	setInt("AGORA_CONVERSATION_CONTEXT_TOP_K", &cfg.Conversation.ContextTopK)
	setFloat("AGORA_CONVERSATION_DECAY_FACTOR", &cfg.Conversation.DecayFactor)

	setBool("AGORA_BACKFILL_ENABLED", &cfg.Backfill.Enabled)
	setString("AGORA_BACKFILL_SCHEDULE", &cfg.Backfill.Schedule)

	setBool("AGORA_CLUSTER_ENABLED", &cfg.Cluster.Enabled)
	setString("AGORA_CLUSTER_NODE_ID", &cfg.Cluster.NodeID)
	setString("AGORA_CLUSTER_REDIS_URL", &cfg.Cluster.RedisURL)

	setString("AGORA_LOGGER_LEVEL", &cfg.Logger.Level)
	setString("AGORA_LOGGER_FORMAT", &cfg.Logger.Format)
	setBool("AGORA_TRACER_ENABLED", &cfg.Tracer.Enabled)
	setString("AGORA_TRACER_EXPORTER", &cfg.Tracer.Exporter)

	// Per-provider API keys: AGORA_LLM_<NAME>_API_KEY.
	for i := range cfg.LLM.Providers {
		name := strings.ToUpper(strings.ReplaceAll(cfg.LLM.Providers[i].Name, "-", "_"))
		setString("AGORA_LLM_"+name+"_API_KEY", &cfg.LLM.Providers[i].APIKey)
	}
}

// Provider returns the named provider config.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.LLM.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
