// Package embeddings defines the Provider interface for text-embedding
// backends.
//
// Kestrel uses embedding vectors in two places: suggestion text delivered in
// natural-influence mode is embedded and fed to the generation model as a
// bias vector, and the memory layer ranks stored caller facts by vector
// similarity. Both uses require that every vector in play comes from the
// same model, so a deployment configures exactly one Provider.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by one Provider instance share the dimensionality
// reported by Dimensions. When embeddings are used as generation bias the
// dimensionality must also match the generation model's embedding dimension;
// that check happens where the two meet, not here.
type Provider interface {
	// Embed computes the embedding vector for one text string. The text is
	// passed to the backend verbatim; any model-specific prefixing is the
	// caller's responsibility.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes vectors for several texts in one backend call.
	// result[i] corresponds to texts[i]. On error the whole result is nil;
	// partial results are never returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every vector this provider
	// produces.
	Dimensions() int

	// ModelID returns the backend-specific model identifier, for logging and
	// for verifying that stored vectors and live vectors share a model.
	ModelID() string
}
