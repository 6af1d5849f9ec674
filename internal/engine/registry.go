package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kestrelvoice/kestrel/pkg/provider/embeddings"
	"github.com/kestrelvoice/kestrel/pkg/provider/genmodel"
)

// OpenModelFunc opens the generation model for one weight variant. Called at
// most once per variant; the result is cached for the registry's lifetime.
type OpenModelFunc func(ctx context.Context, variant string) (genmodel.Model, error)

// Registry shares expensive resources across sessions: opened model
// variants and an LRU cache of suggestion-text embeddings. Repeated
// suggestions (greetings, common facts) skip the embedding backend entirely.
//
// Safe for concurrent use. No lock is held across a model open or an
// embedding call; concurrent sessions block only on the entry they need.
type Registry struct {
	open     OpenModelFunc
	embedder embeddings.Provider

	mu     sync.Mutex
	models map[string]*modelEntry
	closed bool

	embedCache *lru.Cache[string, []float32]
}

type modelEntry struct {
	once  sync.Once
	model genmodel.Model
	err   error
}

// NewRegistry creates a registry. embedCacheSize bounds the embedding cache
// (default 256 when non-positive).
func NewRegistry(open OpenModelFunc, embedder embeddings.Provider, embedCacheSize int) (*Registry, error) {
	if open == nil {
		return nil, errors.New("engine: registry needs an open function")
	}
	if embedCacheSize <= 0 {
		embedCacheSize = 256
	}
	cache, err := lru.New[string, []float32](embedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("engine: registry embed cache: %w", err)
	}
	return &Registry{
		open:       open,
		embedder:   embedder,
		models:     make(map[string]*modelEntry),
		embedCache: cache,
	}, nil
}

// Model returns the opened model for a weight variant, opening it on first
// use. Concurrent callers for the same variant share one open attempt; a
// failed attempt is cached too, so a broken variant fails fast.
func (r *Registry) Model(ctx context.Context, variant string) (genmodel.Model, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errors.New("engine: registry closed")
	}
	entry, ok := r.models[variant]
	if !ok {
		entry = &modelEntry{}
		r.models[variant] = entry
	}
	r.mu.Unlock()

	entry.once.Do(func() {
		entry.model, entry.err = r.open(ctx, variant)
	})
	if entry.err != nil {
		return nil, fmt.Errorf("engine: open model %q: %w", variant, entry.err)
	}
	return entry.model, nil
}

// Embedding returns the embedding for text, consulting the cache first.
func (r *Registry) Embedding(ctx context.Context, text string) ([]float32, error) {
	if r.embedder == nil {
		return nil, errors.New("engine: registry has no embedder")
	}
	if vec, ok := r.embedCache.Get(text); ok {
		return vec, nil
	}
	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("engine: embed suggestion: %w", err)
	}
	r.embedCache.Add(text, vec)
	return vec, nil
}

// Close closes every opened model. Further Model calls fail.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := make([]*modelEntry, 0, len(r.models))
	for _, e := range r.models {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	var errs []error
	for _, e := range entries {
		// Entries still opening finish their once before Close sees them.
		e.once.Do(func() { e.err = errors.New("engine: registry closed") })
		if e.model != nil {
			if err := e.model.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
