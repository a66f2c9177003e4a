package multiagent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"agora/internal/domain"
	"agora/internal/usecase/retrieval"
)

// DefaultCompletionMarker is the phrase an agent appends once it judges the
// objective achieved.
const DefaultCompletionMarker = "[OBJECTIVE COMPLETE]"

// DefaultContextTokenBudget caps the retrieved context quoted in a prompt.
const DefaultContextTokenBudget = 1500

const snippetRunes = 200

// ResponderConfig tunes prompt assembly for an LLMResponder.
type ResponderConfig struct {
	Model       string
	Temperature float64
	// HistoryWindow is how many recent turns are quoted in the prompt.
	HistoryWindow      int
	CompletionMarker   string
	// ContextTokenBudget caps the tokens of quoted context. Zero uses
	// DefaultContextTokenBudget; a negative budget omits context entirely.
	ContextTokenBudget int
}

func (c ResponderConfig) withDefaults() ResponderConfig {
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 5
	}
	if c.CompletionMarker == "" {
		c.CompletionMarker = DefaultCompletionMarker
	}
	if c.ContextTokenBudget == 0 {
		c.ContextTokenBudget = DefaultContextTokenBudget
	}
	return c
}

// LLMResponder speaks for one agent by prompting a chat model.
type LLMResponder struct {
	identity domain.AgentIdentity
	provider domain.LLMProvider
	counter  domain.TokenCounter
	cfg      ResponderConfig
	logger   *slog.Logger
}

// NewLLMResponder creates a responder for identity backed by provider.
// A nil counter uses EstimateCounter.
func NewLLMResponder(identity domain.AgentIdentity, provider domain.LLMProvider, counter domain.TokenCounter, cfg ResponderConfig, logger *slog.Logger) *LLMResponder {
	if counter == nil {
		counter = EstimateCounter{}
	}
	return &LLMResponder{
		identity: identity,
		provider: provider,
		counter:  counter,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// Respond builds the turn prompt, calls the model and reports whether the
// reply carried the completion marker.
func (r *LLMResponder) Respond(ctx context.Context, req domain.AgentRequest) (*domain.AgentReply, error) {
	var messages []domain.Message
	if sys := r.systemPrompt(); sys != "" {
		messages = append(messages, domain.Message{Role: domain.RoleSystem, Content: sys})
	}
	messages = append(messages, domain.Message{Role: domain.RoleUser, Content: r.buildPrompt(req)})

	resp, err := r.provider.Chat(ctx, domain.ChatRequest{
		Model:       r.cfg.Model,
		Messages:    messages,
		Temperature: r.cfg.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", r.identity.Name, err)
	}

	text := strings.TrimSpace(resp.Message.Content)
	reply := &domain.AgentReply{Message: text}
	if strings.Contains(text, r.cfg.CompletionMarker) {
		reply.Complete = true
		if stripped := strings.TrimSpace(strings.ReplaceAll(text, r.cfg.CompletionMarker, "")); stripped != "" {
			reply.Message = stripped
		}
	}
	r.logger.Debug("agent responded",
		"agent", r.identity.Name, "session_id", req.SessionID, "turn", req.TurnIndex,
		"complete", reply.Complete, "tokens", resp.Usage.TotalTokens)
	return reply, nil
}

func (r *LLMResponder) systemPrompt() string {
	if r.identity.SystemPrompt != "" {
		return r.identity.SystemPrompt
	}
	return r.identity.Description
}

func (r *LLMResponder) buildPrompt(req domain.AgentRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Objective: %s\n", req.Objective)

	if ctxLines := r.contextLines(req.Context); len(ctxLines) > 0 {
		b.WriteString("\nRelevant context:\n")
		for _, line := range ctxLines {
			b.WriteString(line)
		}
	}

	if len(req.History) == 0 {
		b.WriteString("\nBegin working toward this objective. Be specific and actionable.\n")
	} else {
		history := req.History
		if len(history) > r.cfg.HistoryWindow {
			history = history[len(history)-r.cfg.HistoryWindow:]
		}
		b.WriteString("\nRecent conversation:\n")
		for _, t := range history {
			fmt.Fprintf(&b, "- %s: %s\n", t.Sender, retrieval.Truncate(t.Message, snippetRunes))
		}
		b.WriteString("\nContribute concisely toward this objective. Build on what's been discussed.\n")
	}

	fmt.Fprintf(&b, "\nWhen the objective is fully achieved, end your reply with %s.", r.cfg.CompletionMarker)
	return b.String()
}

// contextLines renders retrieved entries in rank order until the token
// budget is spent.
func (r *LLMResponder) contextLines(results []domain.RetrievalResult) []string {
	budget := r.cfg.ContextTokenBudget
	if budget < 0 {
		return nil
	}
	var lines []string
	for _, res := range results {
		line := fmt.Sprintf("- [%s] %s\n", res.AgentName, retrieval.Truncate(res.Content, snippetRunes))
		cost := r.counter.CountText(line)
		if cost > budget {
			break
		}
		budget -= cost
		lines = append(lines, line)
	}
	return lines
}

var _ domain.AgentResponder = (*LLMResponder)(nil)
