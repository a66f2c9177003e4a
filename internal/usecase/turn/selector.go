// Package turn decides which agent speaks next in a conversation.
package turn

import (
	"context"
	"log/slog"

	"agora/internal/domain"
)

// SimilaritySource scores how well two texts match.
type SimilaritySource interface {
	Similarity(ctx context.Context, a, b string) (float64, error)
}

// Input is everything the selector looks at. Selection is a pure function
// of Input plus the similarity source.
type Input struct {
	Roster    []string
	History   []domain.Turn
	Mode      domain.Mode
	Objective string
	// Roles maps agent name to role description.
	Roles map[string]string
}

// Selector picks the next speaker.
type Selector struct {
	sim    SimilaritySource
	logger *slog.Logger
}

// NewSelector creates a selector. sim may be nil, in which case
// relevance-weighted mode always degrades to round robin.
func NewSelector(sim SimilaritySource, logger *slog.Logger) *Selector {
	return &Selector{sim: sim, logger: logger}
}

// Next returns the agent that should speak after in.History.
func (s *Selector) Next(ctx context.Context, in Input) (string, error) {
	if len(in.Roster) == 0 {
		return "", domain.NewSubSystemError("conversation", "Selector.Next", domain.ErrInvalidRoster, "empty roster")
	}
	if in.Mode == domain.ModeRelevanceWeighted {
		if name, ok := s.relevance(ctx, in); ok {
			return name, nil
		}
	}
	return RoundRobin(in.Roster, in.History), nil
}

// RoundRobin returns the roster entry after the last speaker, wrapping.
// A last speaker missing from the roster falls back to position
// len(history) mod len(roster).
func RoundRobin(roster []string, history []domain.Turn) string {
	if len(history) == 0 {
		return roster[0]
	}
	last := history[len(history)-1].Sender
	for i, name := range roster {
		if name == last {
			return roster[(i+1)%len(roster)]
		}
	}
	return roster[len(history)%len(roster)]
}

// relevance scores each candidate's role against the probe text. ok is
// false whenever the result would not be trustworthy.
func (s *Selector) relevance(ctx context.Context, in Input) (string, bool) {
	if s.sim == nil {
		return "", false
	}

	var last domain.Turn
	if n := len(in.History); n > 0 {
		last = in.History[n-1]
	}

	candidates := make([]string, 0, len(in.Roster))
	for _, name := range in.Roster {
		if name != last.Sender || len(in.Roster) == 1 {
			candidates = append(candidates, name)
		}
	}
	for _, name := range candidates {
		if in.Roles[name] == "" {
			s.logger.Debug("relevance selection skipped: missing role", "agent", name)
			return "", false
		}
	}

	probe := in.Objective + "\n" + last.Message
	best, bestScore := "", 0.0
	for _, name := range candidates {
		score, err := s.sim.Similarity(ctx, probe, in.Roles[name])
		if err != nil {
			s.logger.Warn("relevance selection failed, using round robin", "agent", name, "error", err)
			return "", false
		}
		// Strict comparison keeps the earlier roster position on ties.
		if best == "" || score > bestScore {
			best, bestScore = name, score
		}
	}
	return best, best != ""
}
