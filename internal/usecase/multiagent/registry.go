package multiagent

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"agora/internal/domain"
)

// AgentInstance bundles an agent's identity with the responder that speaks
// for it.
type AgentInstance struct {
	Identity  domain.AgentIdentity
	Responder domain.AgentResponder
}

// Registry holds all registered agent instances and provides lookup.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*AgentInstance
	logger *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*AgentInstance),
		logger: logger,
	}
}

// Register adds an agent instance. Returns ErrDuplicate if already registered.
func (r *Registry) Register(instance *AgentInstance) error {
	name := instance.Identity.Name
	if strings.TrimSpace(name) == "" {
		return domain.NewSubSystemError("agent", "Registry.Register", domain.ErrInvalidInput, "agent name is required")
	}
	if instance.Responder == nil {
		return domain.NewSubSystemError("agent", "Registry.Register", domain.ErrInvalidInput,
			fmt.Sprintf("agent %q has no responder", name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[name]; exists {
		return domain.NewSubSystemError("agent", "Registry.Register", domain.ErrDuplicate, name)
	}
	r.agents[name] = instance
	r.logger.Info("agent registered", "agent", name, "provider", instance.Identity.Provider, "model", instance.Identity.Model)
	return nil
}

// Get returns the agent instance for the given name, or ErrNotFound.
func (r *Registry) Get(name string) (*AgentInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.agents[name]
	if !ok {
		return nil, domain.NewSubSystemError("agent", "Registry.Get", domain.ErrNotFound, name)
	}
	return inst, nil
}

// Agent resolves name to its identity and responder.
func (r *Registry) Agent(name string) (domain.AgentIdentity, domain.AgentResponder, error) {
	inst, err := r.Get(name)
	if err != nil {
		return domain.AgentIdentity{}, nil, err
	}
	return inst.Identity, inst.Responder, nil
}

// List returns every registered identity, sorted by name.
func (r *Registry) List() []domain.AgentIdentity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.AgentIdentity, 0, len(r.agents))
	for _, inst := range r.agents {
		out = append(out, inst.Identity)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns every registered agent name, sorted.
func (r *Registry) Names() []string {
	list := r.List()
	names := make([]string, len(list))
	for i, id := range list {
		names[i] = id.Name
	}
	return names
}
