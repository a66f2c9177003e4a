package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"agora/internal/adapter/llm"
	"agora/internal/adapter/store"
	"agora/internal/domain"
	"agora/internal/infra/config"
)

// CheckStatus is the outcome class of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check.
type Check struct {
	Name string
	Fn   func(ctx context.Context, cfg *config.Config) CheckResult
}

const checkTimeout = 5 * time.Second

func newDoctorCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the configuration, session store, LLM backends and cluster connectivity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(cmd.Context(), cmd.OutOrStdout(), opts.configPath)
		},
	}
}

func runDoctor(ctx context.Context, w io.Writer, cfgPath string) error {
	// Some checks still run without a usable config.
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Session store", Fn: checkStore},
		{Name: "LLM providers", Fn: checkProviders},
		{Name: "Agents", Fn: checkAgents},
		{Name: "Cluster", Fn: checkCluster},
	}

	fmt.Fprintln(w, "agora doctor")
	fmt.Fprintln(w, strings.Repeat("=", 50))

	var pass, warn, fail int
	for _, check := range checks {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		result := check.Fn(cctx, cfg)
		cancel()
		result.Name = check.Name

		fmt.Fprintf(w, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(w, "      Fix: %s\n", result.Fix)
		}
		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(w, strings.Repeat("-", 50))
	fmt.Fprintf(w, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)
	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

func quietLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func notLoaded() CheckResult {
	return CheckResult{Status: StatusFail, Message: "cannot check: config not loaded"}
}

// checkConfigFile reports whether the config file exists and loaded.
func checkConfigFile(cfgPath string, cfgErr error) func(context.Context, *config.Config) CheckResult {
	return func(context.Context, *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: cfgErr.Error(),
				Fix:     "Fix the reported keys in " + cfgPath,
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("%s not found, using defaults and AGORA_* environment", cfgPath),
			}
		}
		return CheckResult{Status: StatusPass, Message: "loaded from " + cfgPath}
	}
}

// checkStore opens the session database and counts active sessions. A
// missing database is created on first use.
func checkStore(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	if _, err := os.Stat(cfg.Store.Path); os.IsNotExist(err) {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s does not exist yet; it is created on the first run", cfg.Store.Path),
		}
	}
	st, err := store.Open(cfg.Store.Path, quietLog())
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: err.Error(),
			Fix:     "Check store.path and the file permissions",
		}
	}
	defer st.Close()

	active, err := st.ListSessions(ctx, domain.SessionActive, 0)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s open, %d active session(s)", cfg.Store.Path, len(active)),
	}
}

// checkProviders checks every configured chat backend. Ollama servers are
// asked whether they answer and have the configured model pulled; hosted
// backends only need an API key.
func checkProviders(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	if len(cfg.LLM.Providers) == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: "no LLM providers configured",
			Fix:     "Add at least one provider under llm.providers",
		}
	}

	var problems, notes []string
	missingModel := false
	for _, pc := range cfg.LLM.Providers {
		switch pc.Type {
		case "ollama":
			p := llm.NewOllamaProvider(pc, quietLog())
			if !p.IsHealthy(ctx) {
				problems = append(problems, fmt.Sprintf("%s: ollama not reachable", pc.Name))
				continue
			}
			models, err := p.ListModels(ctx)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s: list models: %v", pc.Name, err))
				continue
			}
			if pc.Model != "" && !hasModel(models, pc.Model) {
				notes = append(notes, fmt.Sprintf("%s: model %q not pulled", pc.Name, pc.Model))
				missingModel = true
				continue
			}
			notes = append(notes, fmt.Sprintf("%s: ollama up, %d model(s)", pc.Name, len(models)))
		default:
			if pc.APIKey == "" {
				problems = append(problems, fmt.Sprintf("%s: no API key", pc.Name))
				continue
			}
			notes = append(notes, pc.Name+": API key set")
		}
	}

	result := CheckResult{Status: StatusPass, Message: strings.Join(append(problems, notes...), "; ")}
	switch {
	case len(problems) > 0:
		result.Status = StatusFail
	case missingModel:
		result.Status = StatusWarn
		result.Fix = "Pull the missing models with 'ollama pull <model>'"
	}
	return result
}

func hasModel(models []llm.OllamaModel, want string) bool {
	for _, m := range models {
		if m.Name == want || m.Name == want+":latest" {
			return true
		}
	}
	return false
}

// checkAgents verifies that every agent names a configured provider.
func checkAgents(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	if len(cfg.Agents) == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no agents configured; conversations cannot start",
			Fix:     "Add agents under the agents key",
		}
	}
	var missing []string
	for _, ac := range cfg.Agents {
		name := ac.Provider
		if name == "" {
			name = cfg.LLM.DefaultProvider
		}
		if _, ok := cfg.Provider(name); !ok {
			missing = append(missing, fmt.Sprintf("%s (provider %q)", ac.Name, name))
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: "unknown provider for " + strings.Join(missing, ", "),
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d agent(s) configured", len(cfg.Agents))}
}

// checkCluster connects to Redis when cluster mode is on.
func checkCluster(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	if !cfg.Cluster.Enabled {
		return CheckResult{Status: StatusPass, Message: "disabled; session leases are kept in the session store"}
	}
	coord, err := initCluster(ctx, cfg.Cluster, quietLog())
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: err.Error(),
			Fix:     "Check cluster.redis_url and that Redis is running",
		}
	}
	defer coord.Stop()
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("redis reachable as node %s (lock ttl %s)", coord.NodeID(), coord.LockTTL()),
	}
}
