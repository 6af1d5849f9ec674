// Package mock provides a deterministic in-process Model for tests. Token
// output is a pure function of the step index and the request, so two runs
// with identical inputs produce identical transcripts.
package mock

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/kestrelvoice/kestrel/pkg/provider/codec"
	"github.com/kestrelvoice/kestrel/pkg/provider/genmodel"
)

// Option configures a mock Model.
type Option func(*Model)

// WithEmbeddingDim sets the bias dimensionality (default 512).
func WithEmbeddingDim(dim int) Option {
	return func(m *Model) { m.embeddingDim = dim }
}

// WithAcousticDelay sets how many steps pass before audio appears (default 2).
func WithAcousticDelay(steps int) Option {
	return func(m *Model) { m.acousticDelay = steps }
}

// WithCodebooks sets the codebook count of generated audio frames (default 8).
func WithCodebooks(n int) Option {
	return func(m *Model) { m.codebooks = n }
}

// WithStepLatency makes every Step sleep before answering, for deadline
// tests. The sleep is interruptible by ctx.
func WithStepLatency(d time.Duration) Option {
	return func(m *Model) { m.stepLatency = d }
}

// Model is a deterministic stand-in for a generation backend.
type Model struct {
	embeddingDim  int
	acousticDelay int
	codebooks     int
	stepLatency   time.Duration

	mu     sync.Mutex
	vocab  map[int32]string // token → word, built by Tokenize
	closed bool
}

var _ genmodel.Model = (*Model)(nil)

// New creates a mock model.
func New(opts ...Option) *Model {
	m := &Model{
		embeddingDim:  512,
		acousticDelay: 2,
		codebooks:     8,
		vocab:         make(map[int32]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Model) EmbeddingDim() int { return m.embeddingDim }

func (m *Model) AcousticDelay() int { return m.acousticDelay }

// Tokenize maps each whitespace-separated word to a stable hash-derived
// token and remembers the reverse mapping so forced steps echo the word back.
func (m *Model) Tokenize(ctx context.Context, text string) ([]int32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	words := strings.Fields(text)
	tokens := make([]int32, len(words))
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, w := range words {
		h := fnv.New32a()
		h.Write([]byte(w))
		tok := int32(h.Sum32() & 0x7fffffff)
		tokens[i] = tok
		m.vocab[tok] = w
	}
	return tokens, nil
}

func (m *Model) OpenState(ctx context.Context, cfg genmodel.StateConfig) (genmodel.StateHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("mock model: closed")
	}
	return &State{model: m}, nil
}

func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// word returns the text for a token, if Tokenize has seen it.
func (m *Model) word(tok int32) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vocab[tok]
}

// State is one mock session's generation state. It records every request so
// tests can assert on what the session loop fed the model.
type State struct {
	model *Model

	mu       sync.Mutex
	step     int
	closed   bool
	requests []genmodel.StepRequest
}

var _ genmodel.StateHandle = (*State)(nil)

func (s *State) Step(ctx context.Context, req genmodel.StepRequest) (genmodel.StepResult, error) {
	if s.model.stepLatency > 0 {
		select {
		case <-time.After(s.model.stepLatency):
		case <-ctx.Done():
			return genmodel.StepResult{}, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return genmodel.StepResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return genmodel.StepResult{}, genmodel.ErrStateClosed
	}
	if req.ForcedToken != nil && len(req.Bias) > 0 {
		return genmodel.StepResult{}, fmt.Errorf("mock model: forced token and bias are mutually exclusive")
	}
	if len(req.Bias) > 0 && len(req.Bias) != s.model.embeddingDim {
		return genmodel.StepResult{}, fmt.Errorf("mock model: bias has dimension %d, model wants %d", len(req.Bias), s.model.embeddingDim)
	}

	s.requests = append(s.requests, cloneRequest(req))
	idx := s.step
	s.step++

	var res genmodel.StepResult
	if req.ForcedToken != nil {
		res.Token = *req.ForcedToken
		res.Text = s.model.word(res.Token)
	} else {
		res.Token = int32(idx % 4096)
	}
	if idx >= s.model.acousticDelay {
		codes := make([]uint32, s.model.codebooks)
		for i := range codes {
			codes[i] = uint32(idx)<<4 | uint32(i)
		}
		res.Audio = &codec.CodeFrame{Codes: codes}
	}
	return res, nil
}

// Requests returns a copy of every StepRequest seen so far.
func (s *State) Requests() []genmodel.StepRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]genmodel.StepRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// Steps returns how many steps have run.
func (s *State) Steps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

// Closed reports whether Close has been called.
func (s *State) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *State) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func cloneRequest(req genmodel.StepRequest) genmodel.StepRequest {
	out := genmodel.StepRequest{
		Codes: codec.CodeFrame{Codes: append([]uint32(nil), req.Codes.Codes...)},
	}
	if req.ForcedToken != nil {
		tok := *req.ForcedToken
		out.ForcedToken = &tok
	}
	if len(req.Bias) > 0 {
		out.Bias = append([]float32(nil), req.Bias...)
	}
	return out
}
