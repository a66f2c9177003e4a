package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// listing every problem found.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateStore(cfg, ve)
	validateEmbedding(cfg, ve)
	validateLLM(cfg, ve)
	validateAgents(cfg, ve)
	validateConversation(cfg, ve)
	validateBackfill(cfg, ve)
	validateCluster(cfg, ve)
	validateLogger(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateStore(cfg *Config, ve *ValidationError) {
	if cfg.Store.Path == "" {
		ve.Add("store.path must not be empty")
	}
}

var validEmbeddingProviders = map[string]bool{
	"":       true,
	"ollama": true,
	"openai": true,
}

func validateEmbedding(cfg *Config, ve *ValidationError) {
	e := cfg.Embedding
	if !validEmbeddingProviders[e.Provider] {
		ve.Add("embedding.provider %q is invalid (want: ollama, openai, or empty)", e.Provider)
		return
	}
	if e.Provider == "" {
		return
	}
	if e.Dimensions < 0 {
		ve.Add("embedding.dimensions must be >= 0")
	}
	if e.CacheSize < 0 {
		ve.Add("embedding.cache_size must be >= 0")
	}
	if e.Retries < 0 {
		ve.Add("embedding.retries must be >= 0")
	}
	if e.Breaker.Enabled && e.Breaker.MaxFailures == 0 {
		ve.Add("embedding.breaker.max_failures must be > 0 when the breaker is enabled")
	}
}

var validProviderTypes = map[string]bool{
	"openai": true,
	"ollama": true,
}

func validateLLM(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool)
	foundDefault := false
	for i, p := range cfg.LLM.Providers {
		if p.Name == "" {
			ve.Add("llm.providers[%d].name must not be empty", i)
			continue
		}
		if seen[p.Name] {
			ve.Add("llm.providers[%d]: duplicate provider name %q", i, p.Name)
		}
		seen[p.Name] = true

		if p.Type != "" && !validProviderTypes[p.Type] {
			ve.Add("llm.providers[%d].type %q is invalid (want: openai, ollama)", i, p.Type)
		}
		if p.Type == "openai" && p.APIKey == "" && p.BaseURL == "" {
			ve.Add("llm.providers[%d] (%s): api_key is empty (set via AGORA_LLM_%s_API_KEY)",
				i, p.Name, strings.ToUpper(p.Name))
		}
		if p.Name == cfg.LLM.DefaultProvider {
			foundDefault = true
		}
	}
	if cfg.LLM.DefaultProvider != "" && !foundDefault {
		ve.Add("llm.default_provider %q does not match any configured provider", cfg.LLM.DefaultProvider)
	}
}

var validCapabilities = map[string]bool{
	"conversation.respond": true,
	"knowledge.read":       true,
	"knowledge.write":      true,
}

func validateAgents(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool)
	for i, a := range cfg.Agents {
		if a.Name == "" {
			ve.Add("agents[%d].name must not be empty", i)
			continue
		}
		if seen[a.Name] {
			ve.Add("agents[%d]: duplicate agent name %q", i, a.Name)
		}
		seen[a.Name] = true

		if a.Provider != "" {
			if _, ok := cfg.Provider(a.Provider); !ok {
				ve.Add("agents[%d] (%s): provider %q is not configured", i, a.Name, a.Provider)
			}
		}
		for _, c := range a.Capabilities {
			if !validCapabilities[c] {
				ve.Add("agents[%d] (%s): unknown capability %q", i, a.Name, c)
			}
		}
	}
}

func validateConversation(cfg *Config, ve *ValidationError) {
	c := cfg.Conversation
	switch c.Mode {
	case "round_robin", "relevance_weighted":
	default:
		ve.Add("conversation.mode %q is invalid (want: round_robin, relevance_weighted)", c.Mode)
	}
	if c.MaxTurns <= 0 {
		ve.Add("conversation.max_turns must be > 0")
	}
	if c.AgentTimeout <= 0 {
		ve.Add("conversation.agent_timeout must be > 0")
	}
	if c.PersistTimeout <= 0 {
		ve.Add("conversation.persist_timeout must be > 0")
	}
	if c.MaxAgentRetries < 0 {
		ve.Add("conversation.max_agent_retries must be >= 0")
	}
	if c.ContextTopK < 0 {
		ve.Add("conversation.context_top_k must be >= 0")
	}
	// Out-of-range decay is tolerated at scoring time; reject it here so the
	// operator sees the typo.
	if c.DecayFactor <= 0 || c.DecayFactor > 1 {
		ve.Add("conversation.decay_factor must be in (0, 1]")
	}
	if c.HistoryWindow < 0 {
		ve.Add("conversation.history_window must be >= 0")
	}
}

func validateBackfill(cfg *Config, ve *ValidationError) {
	b := cfg.Backfill
	if !b.Enabled {
		return
	}
	if b.Schedule == "" {
		ve.Add("backfill.schedule is required when backfill is enabled")
	} else if _, err := time.ParseDuration(b.Schedule); err != nil {
		if _, err := cron.ParseStandard(b.Schedule); err != nil {
			ve.Add("backfill.schedule %q is neither a duration nor a cron expression", b.Schedule)
		}
	}
	if b.BatchSize <= 0 {
		ve.Add("backfill.batch_size must be > 0")
	}
	if b.RatePerSecond < 0 {
		ve.Add("backfill.rate_per_second must be >= 0")
	}
}

func validateCluster(cfg *Config, ve *ValidationError) {
	if !cfg.Cluster.Enabled {
		return
	}
	if cfg.Cluster.RedisURL == "" {
		ve.Add("cluster.redis_url is required when cluster mode is enabled")
	}
	if cfg.Cluster.LockTTL != "" {
		if _, err := time.ParseDuration(cfg.Cluster.LockTTL); err != nil {
			ve.Add("cluster.lock_ttl %q is not a valid duration", cfg.Cluster.LockTTL)
		}
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}
