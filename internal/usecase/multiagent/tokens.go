package multiagent

import (
	"log/slog"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"agora/internal/domain"
)

// NewTokenCounter returns a tiktoken counter for encoding. "estimate", or an
// encoding that cannot be loaded, yields a four-runes-per-token estimate.
func NewTokenCounter(encoding string, logger *slog.Logger) domain.TokenCounter {
	switch encoding {
	case "":
		encoding = "cl100k_base"
	case "estimate":
		return EstimateCounter{}
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		logger.Warn("token encoding unavailable, estimating token counts", "encoding", encoding, "error", err)
		return EstimateCounter{}
	}
	return &tiktokenCounter{enc: enc}
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c *tiktokenCounter) CountText(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// EstimateCounter approximates one token per four runes.
type EstimateCounter struct{}

// CountText rounds up, so any non-empty text costs at least one token.
func (EstimateCounter) CountText(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}
