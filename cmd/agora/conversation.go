package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"agora/internal/domain"
	"agora/internal/usecase/conversation"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		objective string
		agents    []string
		mode      string
		maxTurns  int
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a conversation and stream its turns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				roster := agents
				if len(roster) == 0 {
					roster = a.agents.Names()
				}
				turns := maxTurns
				if turns <= 0 {
					turns = a.cfg.Conversation.MaxTurns
				}
				req := conversation.StartRequest{
					Objective: objective,
					Roster:    roster,
					Mode:      domain.Mode(mode),
					MaxTurns:  turns,
				}
				return followSession(cmd, a, asJSON, func(ctx context.Context) (string, error) {
					return a.orchestrator.Start(ctx, req)
				})
			})
		},
	}

	cmd.Flags().StringVar(&objective, "objective", "", "What the agents should achieve")
	cmd.Flags().StringSliceVar(&agents, "agents", nil, "Comma-separated roster in speaking order (default: all configured agents)")
	cmd.Flags().StringVar(&mode, "mode", "", "Turn selection: round_robin or relevance_weighted (default: conversation.mode)")
	cmd.Flags().IntVar(&maxTurns, "max-turns", 0, "Turn budget (default: conversation.max_turns)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Stream events as JSON lines")
	_ = cmd.MarkFlagRequired("objective")

	return cmd
}

func newResumeCmd(opts *rootOptions) *cobra.Command {
	var (
		turns      int
		reactivate bool
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Continue a session for more turns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				req := conversation.ResumeRequest{
					SessionID:       args[0],
					AdditionalTurns: turns,
					Reactivate:      reactivate,
				}
				return followSession(cmd, a, asJSON, func(ctx context.Context) (string, error) {
					return req.SessionID, a.orchestrator.Resume(ctx, req)
				})
			})
		},
	}

	cmd.Flags().IntVar(&turns, "turns", 0, "Additional turns to allow")
	cmd.Flags().BoolVar(&reactivate, "reactivate", false, "Allow resuming a completed, cancelled or failed session")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Stream events as JSON lines")
	_ = cmd.MarkFlagRequired("turns")

	return cmd
}

func newCancelCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Request cooperative cancellation of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				if err := a.orchestrator.Cancel(cmd.Context(), args[0]); err != nil {
					return err
				}
				sess, err := a.orchestrator.Session(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if sess.Status == domain.SessionCancelled {
					fmt.Fprintf(cmd.OutOrStdout(), "session %s cancelled\n", sess.ID)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "cancellation requested for %s; its driver stops at the next turn boundary\n", sess.ID)
				}
				return nil
			})
		},
	}
}

func newShowCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session and its transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				sess, err := a.orchestrator.Session(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), sess)
				}
				printSession(cmd.OutOrStdout(), sess)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Render JSON output")
	return cmd
}

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	var (
		status string
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st := domain.SessionStatus(status)
			switch st {
			case "", domain.SessionActive, domain.SessionCompleted, domain.SessionCancelled, domain.SessionError:
			default:
				return fmt.Errorf("unknown status %q (want: active, completed, cancelled, error)", status)
			}
			return withApp(cmd.Context(), opts, func(a *app) error {
				list, err := a.orchestrator.ListSessions(cmd.Context(), st, limit)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), list)
				}
				return printSessionList(cmd.OutOrStdout(), list)
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Only sessions with this status")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum sessions to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Render JSON output")
	return cmd
}

// followSession subscribes to progress, runs start and streams the session's
// events until its drive ends. An interrupt leaves the session resumable.
func followSession(cmd *cobra.Command, a *app, asJSON bool, start func(ctx context.Context) (string, error)) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	events := make(chan domain.Event, 64)
	quit := make(chan struct{})
	unsubscribe := a.bus.SubscribeAll(func(_ context.Context, ev domain.Event) {
		select {
		case events <- ev:
		case <-quit:
		}
	})
	var printed chan struct{}
	defer func() {
		close(quit)
		if printed != nil {
			<-printed
		}
		unsubscribe()
	}()

	if a.cfg.Backfill.Enabled {
		stop, err := startBackfillScheduler(ctx, a, a.cfg.Backfill.BatchSize)
		if err != nil {
			return err
		}
		defer stop()
	}

	// Subscribed before start so the first turn cannot be missed.
	id, err := start(ctx)
	if err != nil {
		return err
	}
	if !asJSON {
		fmt.Fprintf(cmd.ErrOrStderr(), "session %s\n\n", id)
	}

	printed = make(chan struct{})
	go func() {
		defer close(printed)
		for {
			select {
			case ev := <-events:
				if ev.SessionID != id {
					continue
				}
				printEvent(out, ev, asJSON)
				if isTerminalEvent(ev.Type) {
					return
				}
			case <-quit:
				return
			}
		}
	}()

	sess, waitErr := a.orchestrator.Wait(ctx, id)
	if ctx.Err() != nil {
		a.orchestrator.Close()
		fmt.Fprintf(cmd.ErrOrStderr(), "\ninterrupted; continue with: agora resume %s --turns N\n", id)
		return nil
	}
	if sess != nil && (waitErr != nil || sess.Status.Terminal()) {
		// The closing event was published before the drive released the
		// session, so it is already queued for the printer.
		select {
		case <-printed:
		case <-ctx.Done():
		}
	}
	return waitErr
}
