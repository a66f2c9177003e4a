package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"agora/internal/domain"
	"agora/internal/usecase/retrieval"
	"agora/internal/usecase/scheduling"
)

func newSearchCmd(opts *rootOptions) *cobra.Command {
	var (
		agent   string
		kind    string
		session string
		topK    int
		decay   float64
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Rank recorded knowledge by similarity to a query, decayed by age",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind != "" && !domain.Kind(kind).Valid() {
				return fmt.Errorf("unknown kind %q", kind)
			}
			return withApp(cmd.Context(), opts, func(a *app) error {
				results, err := a.engine.Retrieve(cmd.Context(), retrieval.Query{
					Text:        args[0],
					AgentName:   agent,
					Kind:        domain.Kind(kind),
					SessionID:   session,
					TopK:        topK,
					DecayFactor: decay,
				})
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), results)
				}
				printResults(cmd.OutOrStdout(), results)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&agent, "agent", "", "Only entries recorded by this agent")
	cmd.Flags().StringVar(&kind, "kind", "", "Only entries of this kind (user_chat, agent_chat, task_execution, file_operation, system)")
	cmd.Flags().StringVar(&session, "session", "", "Only entries recorded in this session")
	cmd.Flags().IntVar(&topK, "top-k", 5, "Maximum results")
	cmd.Flags().Float64Var(&decay, "decay", 0, "Per-day decay factor in (0, 1] (default: conversation.decay_factor)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Render JSON output")
	return cmd
}

func newSummaryCmd(opts *rootOptions) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "summary <agent>",
		Short: "Show an agent's most recent knowledge entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				entries, err := a.engine.Summary(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), entries)
				}
				printEntries(cmd.OutOrStdout(), entries)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum entries")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Render JSON output")
	return cmd
}

func newBackfillCmd(opts *rootOptions) *cobra.Command {
	var (
		batch int
		watch bool
	)

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Embed knowledge entries recorded without a vector",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				size := batch
				if size <= 0 {
					size = a.cfg.Backfill.BatchSize
				}
				if !watch {
					n, err := retrieval.NewBackfiller(a.engine, a.cfg.Backfill.RatePerSecond).Run(cmd.Context(), size)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "embedded %d entries\n", n)
					return nil
				}

				stop, err := startBackfillScheduler(cmd.Context(), a, size)
				if err != nil {
					return err
				}
				defer stop()
				fmt.Fprintf(cmd.ErrOrStderr(), "back-filling every %s; press Ctrl-C to stop\n", a.cfg.Backfill.Schedule)
				<-cmd.Context().Done()
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&batch, "batch", 0, "Entries per run (default: backfill.batch_size)")
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep running on backfill.schedule")
	return cmd
}

// startBackfillScheduler runs the embedding back-fill on the configured
// schedule until the returned stop func is called.
func startBackfillScheduler(ctx context.Context, a *app, batchSize int) (func(), error) {
	backfiller := retrieval.NewBackfiller(a.engine, a.cfg.Backfill.RatePerSecond)

	sched := scheduling.NewScheduler(a.logger, scheduling.DefaultRunTimeout)
	sched.RegisterAction(scheduling.ActionEmbeddingBackfill, func(ctx context.Context) error {
		_, err := backfiller.Run(ctx, batchSize)
		return err
	})
	if err := sched.AddTask(scheduling.ScheduledTask{
		Name:     "embedding-backfill",
		Schedule: a.cfg.Backfill.Schedule,
		Action:   scheduling.ActionEmbeddingBackfill,
	}); err != nil {
		return nil, err
	}
	if err := sched.Start(ctx); err != nil {
		return nil, err
	}
	for _, task := range sched.Tasks() {
		a.logger.Debug("scheduled task", "name", task.Name, "action", task.Action, "next_run", task.NextRun)
	}
	return func() { _ = sched.Stop() }, nil
}
