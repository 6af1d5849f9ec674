// Package memory defines the interfaces for Kestrel's long-term caller
// memory.
//
// Memory holds short natural-language facts about callers ("prefers email
// over callbacks", "reported a billing issue last week"). During a live call
// the retriever collaborator looks up facts relevant to what the caller just
// said and offers them to the session as suggestions; the suggestion channel
// applies its own queueing and rate limiting, so retrieval never writes into
// the generation pipeline directly.
//
// Implementations must be safe for concurrent use.
package memory

import (
	"context"
	"time"
)

// Fact is one stored statement about a caller.
type Fact struct {
	// ID is the store-assigned identifier.
	ID int64

	// CallerID scopes the fact to one caller.
	CallerID string

	// Content is the fact text, phrased so it can be fed to the agent as a
	// suggestion verbatim.
	Content string

	// CreatedAt is when the fact was recorded.
	CreatedAt time.Time
}

// FactResult is a retrieved fact with its similarity distance to the query
// (cosine distance; smaller is more similar).
type FactResult struct {
	Fact     Fact
	Distance float64
}

// Retriever finds caller facts relevant to a piece of live transcript.
type Retriever interface {
	// Retrieve returns the fact texts most relevant to query for the given
	// caller, most relevant first. An empty result is normal for callers
	// with no history.
	Retrieve(ctx context.Context, callerID, query string) ([]string, error)
}

// Store is the writable interface over the fact database.
type Store interface {
	Retriever

	// AddFact records one fact about a caller.
	AddFact(ctx context.Context, callerID, content string) error

	// Search returns the topK facts closest to the given embedding for one
	// caller, for callers that already hold a query vector.
	Search(ctx context.Context, callerID string, embedding []float32, topK int) ([]FactResult, error)

	// Close releases the store's resources.
	Close() error
}
