package main

import (
	"log/slog"
	"time"

	"agora/internal/adapter/store"
	"agora/internal/domain"
	"agora/internal/infra/config"
	"agora/internal/usecase/cluster"
	"agora/internal/usecase/conversation"
	"agora/internal/usecase/multiagent"
	"agora/internal/usecase/retrieval"
	"agora/internal/usecase/turn"
)

// initOrchestrator wires the conversation orchestrator. Sessions are guarded
// by the coordinator's Redis lease in cluster mode and by a lease row in the
// session store otherwise, so processes sharing one database never drive the
// same session at once.
func initOrchestrator(
	cfg *config.Config,
	st *store.Store,
	agents *multiagent.Registry,
	engine *retrieval.Engine,
	bus domain.EventBus,
	coordinator *cluster.Coordinator,
	log *slog.Logger,
) (*conversation.Orchestrator, error) {
	cc := cfg.Conversation
	occ := conversation.Config{
		Mode:            domain.Mode(cc.Mode),
		AgentTimeout:    cc.AgentTimeout,
		PersistTimeout:  cc.PersistTimeout,
		MaxAgentRetries: cc.MaxAgentRetries,
		ContextTopK:     cc.ContextTopK,
		DecayFactor:     cc.DecayFactor,
	}

	var lease domain.SessionLease
	var ttl time.Duration
	if coordinator != nil {
		lease, ttl = coordinator, coordinator.LockTTL()
	} else {
		lockTTL, err := parseLockTTL(cfg.Cluster)
		if err != nil {
			return nil, err
		}
		sl := store.NewSessionLease(st, nodeIDOf(cfg.Cluster), lockTTL)
		log.Debug("session lease in store", "owner", sl.Owner(), "ttl", sl.TTL())
		lease, ttl = sl, sl.TTL()
	}
	// Refresh well inside the TTL.
	occ.LeaseRefresh = ttl / 3

	return conversation.NewOrchestrator(st, agents, engine, turn.NewSelector(engine, log), bus, occ, log,
		conversation.WithLease(lease)), nil
}
