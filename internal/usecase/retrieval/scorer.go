package retrieval

import (
	"math"
	"time"
)

// DefaultDecayFactor is the per-day decay applied when none is configured.
const DefaultDecayFactor = 0.95

const secondsPerDay = 86400.0

// Score combines similarity with recency: sim * decay^ageDays. Non-positive
// similarity scores zero and a negative age counts as zero.
func Score(similarity, ageDays, decay float64) float64 {
	if similarity <= 0 || math.IsNaN(similarity) {
		return 0
	}
	if ageDays < 0 {
		ageDays = 0
	}
	return similarity * math.Pow(decay, ageDays)
}

// AgeDays returns the fractional number of days between created and now.
func AgeDays(created, now time.Time) float64 {
	age := now.Sub(created).Seconds() / secondsPerDay
	if age < 0 {
		return 0
	}
	return age
}

// normalizeDecay replaces a decay outside (0, 1] with def.
func normalizeDecay(decay, def float64) float64 {
	if decay > 0 && decay <= 1 {
		return decay
	}
	if def > 0 && def <= 1 {
		return def
	}
	return DefaultDecayFactor
}
