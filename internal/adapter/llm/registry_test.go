package llm

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agora/internal/domain"
	"agora/internal/infra/config"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&mockProvider{name: "b"}))
	require.NoError(t, r.Register(&mockProvider{name: "a"}))
	require.Error(t, r.Register(&mockProvider{name: "a"}))

	p, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "a", p.Name())

	_, err = r.Get("missing")
	require.ErrorIs(t, err, domain.ErrProviderNotFound)

	assert.Equal(t, []string{"a", "b"}, r.List())
}

func TestNewRegistryFromConfig(t *testing.T) {
	r, err := NewRegistryFromConfig(config.LLMConfig{Providers: []config.ProviderConfig{
		{Name: "local", Type: "ollama"},
		{Name: "cloud", Type: "openai", APIKey: "k", Breaker: config.CircuitBreakerConfig{Enabled: true}},
		{Name: "compat"},
	}}, slog.Default())
	require.NoError(t, err)

	local, err := r.Get("local")
	require.NoError(t, err)
	assert.IsType(t, &OllamaProvider{}, local)

	cloud, err := r.Get("cloud")
	require.NoError(t, err)
	assert.IsType(t, &CircuitBreakerProvider{}, cloud)

	compat, err := r.Get("compat")
	require.NoError(t, err)
	assert.IsType(t, &OpenAIProvider{}, compat)
}

func TestNewRegistryFromConfigUnknownType(t *testing.T) {
	_, err := NewRegistryFromConfig(config.LLMConfig{Providers: []config.ProviderConfig{
		{Name: "x", Type: "bedrock"},
	}}, slog.Default())
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}
