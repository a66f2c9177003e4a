package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"agora/internal/adapter/store"
	"agora/internal/infra/config"
	"agora/internal/infra/logger"
	"agora/internal/infra/tracer"
	"agora/internal/usecase/cluster"
	"agora/internal/usecase/conversation"
	"agora/internal/usecase/eventbus"
	"agora/internal/usecase/multiagent"
	"agora/internal/usecase/retrieval"
)

// app holds the wired components shared by the subcommands.
type app struct {
	cfg          *config.Config
	logger       *slog.Logger
	store        *store.Store
	bus          *eventbus.Bus
	engine       *retrieval.Engine
	agents       *multiagent.Registry
	orchestrator *conversation.Orchestrator
	coordinator  *cluster.Coordinator // nil unless cluster mode is enabled

	closers []func() error
}

// wireApp loads the configuration and builds every component. The caller
// must Close the returned app.
func wireApp(ctx context.Context, opts *rootOptions) (_ *app, err error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.Logger.Level = opts.logLevel
	}

	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}
	a.logger = log
	a.onClose(closeLog)

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return nil, fmt.Errorf("tracer: %w", err)
	}
	a.onClose(func() error { return shutdownTracer(context.WithoutCancel(ctx)) })

	if dir := filepath.Dir(cfg.Store.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	st, err := store.Open(cfg.Store.Path, log)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.onClose(st.Close)

	a.bus = eventbus.New(log)
	a.onClose(func() error { a.bus.Close(); return nil })

	a.engine = initKnowledge(cfg, st, a.bus, log)

	a.agents, err = initAgents(cfg, log)
	if err != nil {
		return nil, err
	}

	if cfg.Cluster.Enabled {
		a.coordinator, err = initCluster(ctx, cfg.Cluster, log)
		if err != nil {
			return nil, err
		}
		a.onClose(a.coordinator.Stop)
		stopForwarding := a.coordinator.ForwardEvents(a.bus)
		a.onClose(func() error { stopForwarding(); return nil })
	}

	a.orchestrator, err = initOrchestrator(cfg, st, a.agents, a.engine, a.bus, a.coordinator, log)
	if err != nil {
		return nil, err
	}
	a.onClose(func() error { a.orchestrator.Close(); return nil })

	log.Debug("agora wired",
		"store", cfg.Store.Path,
		"agents", a.agents.Names(),
		"embedding", cfg.Embedding.Provider,
		"cluster", cfg.Cluster.Enabled)
	return a, nil
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close tears components down in reverse construction order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// withApp wires the app for one command invocation and closes it afterwards.
func withApp(ctx context.Context, opts *rootOptions, fn func(*app) error) error {
	a, err := wireApp(ctx, opts)
	if err != nil {
		return err
	}
	runErr := fn(a)
	if err := a.Close(); err != nil && runErr == nil {
		a.logger.Warn("shutdown incomplete", "error", err)
	}
	return runErr
}
