package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/kestrelvoice/kestrel/pkg/provider/codec"
	"github.com/kestrelvoice/kestrel/pkg/provider/embeddings"
	"github.com/kestrelvoice/kestrel/pkg/provider/genmodel"
	"github.com/kestrelvoice/kestrel/pkg/telephony"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// pluggable kind: embeddings backends, generation model backends, codec
// backends, and telephony trunks. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	embeddings map[string]func(ProviderEntry) (embeddings.Provider, error)
	models     map[string]func(ModelConfig) (genmodel.Model, error)
	codecs     map[string]func(CodecConfig) (codec.Codec, error)
	trunks     map[string]func(TelephonyConfig) (telephony.Trunk, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		embeddings: make(map[string]func(ProviderEntry) (embeddings.Provider, error)),
		models:     make(map[string]func(ModelConfig) (genmodel.Model, error)),
		codecs:     make(map[string]func(CodecConfig) (codec.Codec, error)),
		trunks:     make(map[string]func(TelephonyConfig) (telephony.Trunk, error)),
	}
}

// RegisterEmbeddings registers an embeddings provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterEmbeddings(name string, factory func(ProviderEntry) (embeddings.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// RegisterModel registers a generation model backend factory under name.
func (r *Registry) RegisterModel(name string, factory func(ModelConfig) (genmodel.Model, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[name] = factory
}

// RegisterCodec registers a codec backend factory under name.
func (r *Registry) RegisterCodec(name string, factory func(CodecConfig) (codec.Codec, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[name] = factory
}

// RegisterTrunk registers a telephony trunk factory under name.
func (r *Registry) RegisterTrunk(name string, factory func(TelephonyConfig) (telephony.Trunk, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trunks[name] = factory
}

// CreateEmbeddings instantiates an embeddings provider using the factory
// registered under entry.Name. Returns [ErrProviderNotRegistered] if no
// factory has been registered for that name.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateModel instantiates a generation model backend using the factory
// registered under name.
func (r *Registry) CreateModel(name string, cfg ModelConfig) (genmodel.Model, error) {
	r.mu.RLock()
	factory, ok := r.models[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: model/%q", ErrProviderNotRegistered, name)
	}
	return factory(cfg)
}

// CreateCodec instantiates a codec backend using the factory registered
// under name.
func (r *Registry) CreateCodec(name string, cfg CodecConfig) (codec.Codec, error) {
	r.mu.RLock()
	factory, ok := r.codecs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: codec/%q", ErrProviderNotRegistered, name)
	}
	return factory(cfg)
}

// CreateTrunk instantiates the telephony trunk named by cfg.Transport.
func (r *Registry) CreateTrunk(cfg TelephonyConfig) (telephony.Trunk, error) {
	r.mu.RLock()
	factory, ok := r.trunks[cfg.Transport]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: telephony/%q", ErrProviderNotRegistered, cfg.Transport)
	}
	return factory(cfg)
}
