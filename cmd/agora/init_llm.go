package main

import (
	"fmt"
	"log/slog"

	"agora/internal/adapter/llm"
	"agora/internal/domain"
	"agora/internal/infra/config"
	"agora/internal/usecase/multiagent"
)

// initAgents builds the chat providers and registers one LLM-backed
// responder per configured agent.
func initAgents(cfg *config.Config, log *slog.Logger) (*multiagent.Registry, error) {
	agents := multiagent.NewRegistry(log)
	if len(cfg.Agents) == 0 {
		log.Warn("no agents configured")
		return agents, nil
	}

	providers, err := llm.NewRegistryFromConfig(cfg.LLM, log)
	if err != nil {
		return nil, fmt.Errorf("llm providers: %w", err)
	}
	counter := multiagent.NewTokenCounter(cfg.Conversation.TokenEncoding, log)

	for _, ac := range cfg.Agents {
		providerName := ac.Provider
		if providerName == "" {
			providerName = cfg.LLM.DefaultProvider
		}
		provider, err := providers.Get(providerName)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", ac.Name, err)
		}
		model := ac.Model
		if model == "" {
			if pc, ok := cfg.Provider(providerName); ok {
				model = pc.Model
			}
		}

		identity := domain.AgentIdentity{
			Name:         ac.Name,
			Description:  ac.Description,
			SystemPrompt: ac.SystemPrompt,
			Model:        model,
			Provider:     providerName,
			Capabilities: toCapabilities(ac.Capabilities),
		}
		responder := multiagent.NewLLMResponder(identity, provider, counter, multiagent.ResponderConfig{
			Model:              model,
			Temperature:        ac.Temperature,
			HistoryWindow:      cfg.Conversation.HistoryWindow,
			CompletionMarker:   cfg.Conversation.CompletionMarker,
			ContextTokenBudget: cfg.Conversation.ContextTokenBudget,
		}, log)

		if err := agents.Register(&multiagent.AgentInstance{Identity: identity, Responder: responder}); err != nil {
			return nil, err
		}
	}
	return agents, nil
}

func toCapabilities(names []string) domain.CapabilitySet {
	if len(names) == 0 {
		return nil
	}
	caps := make(domain.CapabilitySet, 0, len(names))
	for _, n := range names {
		caps = append(caps, domain.Capability(n))
	}
	return caps
}
