package domain

import (
	"context"
	"slices"
)

// Capability names an operation an agent is allowed to perform.
type Capability string

const (
	CapRespond        Capability = "conversation.respond"
	CapKnowledgeRead  Capability = "knowledge.read"
	CapKnowledgeWrite Capability = "knowledge.write"
)

// CapabilitySet is the declared set of operations for an agent.
// An empty set allows everything.
type CapabilitySet []Capability

// Allows reports whether c is permitted.
func (s CapabilitySet) Allows(c Capability) bool {
	return len(s) == 0 || slices.Contains(s, c)
}

// AgentIdentity describes a named agent instance in a multi-agent setup.
type AgentIdentity struct {
	Name         string        `json:"name"          yaml:"name"`
	Description  string        `json:"description"   yaml:"description"`
	SystemPrompt string        `json:"system_prompt" yaml:"system_prompt"`
	Model        string        `json:"model"         yaml:"model"`
	Provider     string        `json:"provider"      yaml:"provider"`
	Capabilities CapabilitySet `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
}

// RoleDescription is the text used to match an agent against a conversation.
func (a AgentIdentity) RoleDescription() string {
	if a.Description != "" {
		return a.Description
	}
	return a.SystemPrompt
}

// AgentRequest is everything an agent sees when asked to speak.
type AgentRequest struct {
	SessionID string
	Agent     string
	Objective string
	TurnIndex int
	Context   []RetrievalResult
	History   []Turn
}

// AgentReply is an agent's contribution. Complete signals that the agent
// judges the objective achieved.
type AgentReply struct {
	Message  string
	Complete bool
}

// AgentResponder produces an agent's next message.
type AgentResponder interface {
	Respond(ctx context.Context, req AgentRequest) (*AgentReply, error)
}
