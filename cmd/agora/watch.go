package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"agora/internal/domain"
)

var errClusterDisabled = errors.New("watch needs cluster mode (set cluster.enabled and cluster.redis_url)")

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "watch [session-id]",
		Short: "Follow progress events published by any agora process",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sessionID string
			if len(args) == 1 {
				sessionID = args[0]
			}
			return withApp(cmd.Context(), opts, func(a *app) error {
				if a.coordinator == nil {
					return errClusterDisabled
				}

				ctx, cancel := context.WithCancel(cmd.Context())
				defer cancel()
				out := cmd.OutOrStdout()
				err := a.coordinator.SubscribeEvents(ctx, func(_ context.Context, ev domain.Event) {
					if sessionID != "" && ev.SessionID != sessionID {
						return
					}
					if asJSON {
						printEvent(out, ev, true)
					} else {
						printWatched(out, ev)
					}
					if sessionID != "" && isTerminalEvent(ev.Type) {
						cancel()
					}
				})
				if err != nil {
					return err
				}
				<-ctx.Done()
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print events as JSON lines")
	return cmd
}

// printWatched prefixes turn events with their session because a watcher may
// see several conversations interleaved.
func printWatched(w io.Writer, ev domain.Event) {
	switch ev.Type {
	case domain.EventTurnStarting:
		var p domain.TurnEventPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			fmt.Fprintf(w, "%s  turn %d: %s is speaking\n", ev.SessionID, p.TurnIndex, p.Agent)
		}
	case domain.EventTurnCompleted:
		fmt.Fprintf(w, "%s  ", ev.SessionID)
		printEvent(w, ev, false)
	default:
		printEvent(w, ev, false)
	}
}
