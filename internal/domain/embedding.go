package domain

import "context"

// EmbeddingProvider turns knowledge content and retrieval queries into
// vectors. Implementations must return one vector per input text, in order.
type EmbeddingProvider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions is the configured vector length.
	Dimensions() int
	// Name identifies the backend ("ollama", "openai").
	Name() string
}
