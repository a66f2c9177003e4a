package main

import (
	"log/slog"
	"net/http"

	"agora/internal/adapter/embedding"
	"agora/internal/adapter/store"
	"agora/internal/domain"
	"agora/internal/infra/config"
	"agora/internal/usecase/retrieval"
)

// initEmbedder returns the configured embedding provider wrapped in its
// breaker and cache, or nil when embeddings are disabled.
func initEmbedder(cfg config.EmbeddingConfig, log *slog.Logger) domain.EmbeddingProvider {
	client := &http.Client{Timeout: cfg.Timeout}

	var p domain.EmbeddingProvider
	switch cfg.Provider {
	case "ollama":
		opts := []embedding.OllamaOption{embedding.WithOllamaClient(client)}
		if cfg.Model != "" {
			opts = append(opts, embedding.WithOllamaModel(cfg.Model))
		}
		if cfg.Dimensions > 0 {
			opts = append(opts, embedding.WithOllamaDimensions(cfg.Dimensions))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, embedding.WithOllamaBaseURL(cfg.BaseURL))
		}
		p = embedding.NewOllamaProvider(opts...)
	case "openai":
		opts := []embedding.OpenAIOption{embedding.WithOpenAIClient(client)}
		if cfg.Model != "" {
			opts = append(opts, embedding.WithOpenAIModel(cfg.Model))
		}
		if cfg.Dimensions > 0 {
			opts = append(opts, embedding.WithOpenAIDimensions(cfg.Dimensions))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, embedding.WithOpenAIBaseURL(cfg.BaseURL))
		}
		p = embedding.NewOpenAIProvider(cfg.APIKey, opts...)
	default:
		log.Info("embeddings disabled, retrieval uses recency only")
		return nil
	}

	if cfg.Breaker.Enabled {
		p = embedding.NewBreakerEmbedder(p, embedding.BreakerConfig{
			MaxFailures: cfg.Breaker.MaxFailures,
			Timeout:     cfg.Breaker.Timeout,
			Interval:    cfg.Breaker.Interval,
		}, log)
	}
	if cfg.CacheSize > 0 {
		p = embedding.NewCachedEmbedder(p, cfg.CacheSize)
	}
	return p
}

// initKnowledge builds the retrieval engine over the store.
func initKnowledge(cfg *config.Config, st *store.Store, bus domain.EventBus, log *slog.Logger) *retrieval.Engine {
	return retrieval.NewEngine(st, initEmbedder(cfg.Embedding, log), retrieval.Config{
		DecayFactor:   cfg.Conversation.DecayFactor,
		MaxCandidates: cfg.Conversation.MaxCandidates,
		EmbedTimeout:  cfg.Embedding.Timeout,
		EmbedRetries:  cfg.Embedding.Retries,
	}, log, retrieval.WithEventBus(bus))
}
