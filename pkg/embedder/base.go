// Package embedder provides interfaces for text embedding providers.
//
// It defines the Provider interface that all embedding implementations must
// satisfy, covering text-to-vector conversion and the token estimation the
// context assembler uses for budgeting.
package embedder

import "context"

// Provider defines the interface for embedding providers.
type Provider interface {
	// Embed converts a text string into a vector embedding.
	Embed(ctx context.Context, text string) ([]float64, error)

	// EmbedBatch converts multiple text strings into vector embeddings.
	// More efficient than calling Embed repeatedly.
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)

	// EstimateTokens returns a deterministic estimate of the prompt-token
	// cost of the text. This is a heuristic, not an exact tokenizer; the
	// same text always yields the same estimate.
	EstimateTokens(text string) int

	// Dimensions returns the dimension of vectors produced by this provider.
	Dimensions() int

	// Close closes the provider and releases resources.
	Close() error
}

// EstimateTokens is the shared character-based token heuristic: roughly one
// token per four characters, rounded up. Providers embed this so that the
// assembler's budget math is identical regardless of which provider is
// configured.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
