package llm

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agora/internal/domain"
	"agora/internal/infra/config"
)

func TestCircuitBreakerPassesThrough(t *testing.T) {
	cb := NewCircuitBreakerProvider(&mockProvider{name: "openai"}, config.CircuitBreakerConfig{}, slog.Default())

	resp, err := cb.Chat(context.Background(), domain.ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Message.Content)
	assert.Equal(t, "openai", cb.Name())
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	calls := 0
	inner := &mockProvider{
		name: "flaky",
		chatFunc: func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
			calls++
			return nil, errors.New("upstream exploded")
		},
	}
	cb := NewCircuitBreakerProvider(inner, config.CircuitBreakerConfig{
		MaxFailures: 3, Timeout: time.Minute, Interval: time.Minute,
	}, slog.Default())

	for i := 0; i < 3; i++ {
		_, err := cb.Chat(context.Background(), domain.ChatRequest{})
		require.Error(t, err)
	}
	assert.Equal(t, 3, calls)

	_, err := cb.Chat(context.Background(), domain.ChatRequest{})
	require.ErrorIs(t, err, domain.ErrProviderError)
	assert.Contains(t, err.Error(), "circuit open")
	assert.Equal(t, 3, calls, "open circuit must not reach the provider")
}

func TestCircuitBreakerHalfOpenRecovers(t *testing.T) {
	fail := true
	calls := 0
	inner := &mockProvider{
		name: "recovering",
		chatFunc: func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
			calls++
			if fail {
				return nil, errors.New("down")
			}
			return &domain.ChatResponse{Message: domain.Message{Content: "back"}}, nil
		},
	}
	cb := NewCircuitBreakerProvider(inner, config.CircuitBreakerConfig{
		MaxFailures: 1, Timeout: 20 * time.Millisecond,
	}, slog.Default())

	_, err := cb.Chat(context.Background(), domain.ChatRequest{})
	require.Error(t, err)
	_, err = cb.Chat(context.Background(), domain.ChatRequest{})
	require.ErrorContains(t, err, "circuit open")
	require.Equal(t, 1, calls)

	fail = false
	time.Sleep(40 * time.Millisecond)

	resp, err := cb.Chat(context.Background(), domain.ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "back", resp.Message.Content)

	// Closed again: the next call goes straight through.
	_, err = cb.Chat(context.Background(), domain.ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestCircuitBreakerIgnoresCancellation(t *testing.T) {
	calls := 0
	inner := &mockProvider{
		name: "slow",
		chatFunc: func(ctx context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
			calls++
			return nil, context.Canceled
		},
	}
	cb := NewCircuitBreakerProvider(inner, config.CircuitBreakerConfig{MaxFailures: 1}, slog.Default())

	for i := 0; i < 3; i++ {
		_, err := cb.Chat(context.Background(), domain.ChatRequest{})
		require.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, 3, calls, "circuit stayed closed")
}
