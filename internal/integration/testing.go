package integration

import (
	"context"
	"os"
	"testing"
	"time"
)

// Config holds integration test configuration from environment
type Config struct {
	OpenAIKey   string
	OpenAIModel string
	OllamaURL   string
	OllamaModel string
	TestTimeout time.Duration
	SkipSlow    bool
}

// LoadConfig loads integration test configuration from environment
func LoadConfig() *Config {
	cfg := &Config{
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		OpenAIModel: os.Getenv("AGORA_TEST_OPENAI_MODEL"),
		OllamaURL:   os.Getenv("AGORA_TEST_OLLAMA_URL"),
		OllamaModel: os.Getenv("AGORA_TEST_OLLAMA_EMBED_MODEL"),
		TestTimeout: 2 * time.Minute,
		SkipSlow:    os.Getenv("SKIP_SLOW_TESTS") == "1",
	}
	if cfg.OpenAIModel == "" {
		cfg.OpenAIModel = "gpt-4o-mini"
	}
	if cfg.OllamaModel == "" {
		cfg.OllamaModel = "nomic-embed-text"
	}
	return cfg
}

// SkipIfUnset skips the test if the required environment value is empty
func SkipIfUnset(t *testing.T, value, envName string) {
	t.Helper()
	if value == "" {
		t.Skipf("Skipping integration test: %s not set", envName)
	}
}

// SkipIfShort skips integration tests in short mode
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewTestContext creates a context with timeout for integration tests
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}
