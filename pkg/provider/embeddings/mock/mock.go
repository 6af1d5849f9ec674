// Package mock provides a deterministic test double for the
// embeddings.Provider interface. Vectors are derived from the input text, so
// the same text always embeds to the same vector and distinct texts (almost
// always) differ, without any live backend.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"sync"

	"github.com/kestrelvoice/kestrel/pkg/provider/embeddings"
)

var _ embeddings.Provider = (*Provider)(nil)

// Provider is a mock implementation of embeddings.Provider.
//
// The zero value is not usable; set Dim. Fields are read after construction
// only, except the call records, which are guarded internally.
type Provider struct {
	// Dim is the vector dimensionality to produce.
	Dim int

	// Err, if non-nil, is returned by Embed and EmbedBatch instead of a
	// vector.
	Err error

	mu         sync.Mutex
	embedCalls []string
}

// Embed records the call and returns a deterministic unit vector for text.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.embedCalls = append(p.embedCalls, text)
	p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	return deterministicVector(text, p.Dim), nil
}

// EmbedBatch records each text and returns one deterministic vector per text.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.embedCalls = append(p.embedCalls, texts...)
	p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = deterministicVector(t, p.Dim)
	}
	return out, nil
}

// Dimensions returns Dim.
func (p *Provider) Dimensions() int { return p.Dim }

// ModelID identifies the mock in logs.
func (p *Provider) ModelID() string { return "mock-embed" }

// EmbedCalls returns every text embedded so far, in order, across both Embed
// and EmbedBatch.
func (p *Provider) EmbedCalls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.embedCalls))
	copy(out, p.embedCalls)
	return out
}

// deterministicVector expands an FNV hash of text into a unit vector of the
// requested dimension.
func deterministicVector(text string, dim int) []float32 {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, dim)
	var norm float64
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		v := float64(int64(seed>>11)) / float64(1<<52)
		vec[i] = float32(v)
		norm += v * v
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}
