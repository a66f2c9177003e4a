package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"agora/internal/domain"
	"agora/internal/usecase/retrieval"
)

const listSnippetRunes = 60

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printEvent renders one progress event. JSON output is one compact object
// per line so it can be piped.
func printEvent(w io.Writer, ev domain.Event, asJSON bool) {
	if asJSON {
		b, err := json.Marshal(ev)
		if err == nil {
			fmt.Fprintln(w, string(b))
		}
		return
	}

	switch ev.Type {
	case domain.EventTurnCompleted:
		var p domain.TurnEventPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return
		}
		if p.RespondingTo != "" {
			fmt.Fprintf(w, "[%d] %s (to %s):\n%s\n\n", p.TurnIndex, p.Agent, p.RespondingTo, p.Message)
		} else {
			fmt.Fprintf(w, "[%d] %s:\n%s\n\n", p.TurnIndex, p.Agent, p.Message)
		}
	case domain.EventSessionCompleted, domain.EventSessionCancelled, domain.EventSessionError:
		var p domain.SessionEventPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return
		}
		line := fmt.Sprintf("session %s %s after %d turns", ev.SessionID, p.Status, p.TotalTurns)
		if p.Reason != "" {
			line += ": " + p.Reason
		}
		fmt.Fprintln(w, line)
	}
}

func isTerminalEvent(t domain.EventType) bool {
	return t == domain.EventSessionCompleted || t == domain.EventSessionCancelled || t == domain.EventSessionError
}

func printSession(w io.Writer, sess *domain.ConversationSession) {
	fmt.Fprintf(w, "Session:    %s\n", sess.ID)
	fmt.Fprintf(w, "Objective:  %s\n", sess.Objective)
	fmt.Fprintf(w, "Agents:     %s\n", strings.Join(sess.Roster, ", "))
	fmt.Fprintf(w, "Mode:       %s\n", sess.Mode)
	fmt.Fprintf(w, "Status:     %s\n", sess.Status)
	if sess.FailureReason != "" {
		fmt.Fprintf(w, "Reason:     %s\n", sess.FailureReason)
	}
	fmt.Fprintf(w, "Turns:      %d/%d\n", len(sess.Turns), sess.TurnBudget)
	if sess.NextSpeaker != "" && !sess.Status.Terminal() {
		fmt.Fprintf(w, "Next:       %s\n", sess.NextSpeaker)
	}
	fmt.Fprintf(w, "Created:    %s\n", sess.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Updated:    %s\n", sess.UpdatedAt.Format(time.RFC3339))

	for _, t := range sess.Turns {
		fmt.Fprintf(w, "\n[%d] %s", t.Index, t.Sender)
		if t.RespondingTo != "" {
			fmt.Fprintf(w, " (to %s)", t.RespondingTo)
		}
		fmt.Fprintf(w, " %s\n%s\n", t.Timestamp.Format(time.RFC3339), t.Message)
	}
}

func printSessionList(w io.Writer, sessions []*domain.ConversationSession) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tTURNS\tUPDATED\tOBJECTIVE")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\n",
			s.ID, s.Status, len(s.Turns), s.TurnBudget,
			s.UpdatedAt.Format(time.RFC3339), retrieval.Truncate(s.Objective, listSnippetRunes))
	}
	return tw.Flush()
}

func printResults(w io.Writer, results []domain.RetrievalResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "no matching entries")
		return
	}
	for i, r := range results {
		score := "recency"
		if r.Score != nil {
			score = fmt.Sprintf("%.4f", *r.Score)
		}
		fmt.Fprintf(w, "%d. [%s] %s (%s, %.1fd ago, #%d)\n   %s\n",
			i+1, score, r.AgentName, r.Kind, r.AgeDays, r.EntryID, r.Content)
	}
}

func printEntries(w io.Writer, entries []domain.KnowledgeEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "no entries")
		return
	}
	for _, e := range entries {
		fmt.Fprintf(w, "%s  %-14s %s\n", e.CreatedAt.Format(time.RFC3339), e.Kind, e.Content)
	}
}
