// Package engine drives the incremental generation pipeline for a single
// call.
//
// The Engine owns one generation state and advances it exactly one step per
// audio frame: encoded caller audio goes in, a text token and (after the
// model's acoustic delay) agent audio come out. Conditioning selects how the
// step is steered — reactive, forced text, or natural influence — and the
// engine enforces the per-step deadline and the bias dimension contract.
//
// An Engine is owned by one session loop and is not safe for concurrent use.
//
// This package lives under internal/ because it encapsulates
// application-private processing logic and is not intended to be imported by
// external code.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kestrelvoice/kestrel/pkg/provider/codec"
	"github.com/kestrelvoice/kestrel/pkg/provider/genmodel"
)

// ErrBiasDimension is returned when a bias vector does not match the model's
// embedding dimension. The mismatch means the configured embedding model and
// generation model are incompatible, so it is fatal to the session.
var ErrBiasDimension = errors.New("engine: bias dimension mismatch")

// ErrEngineFailed is wrapped by every Step call after a fatal error. The
// generation state is autoregressive; once a step is lost the state is
// unusable and the session must end.
var ErrEngineFailed = errors.New("engine: generation state failed")

// Mode selects how a step is conditioned.
type Mode int

const (
	// Reactive lets the model respond freely to the caller audio.
	Reactive Mode = iota

	// ForcedText overrides the model's text output with a scripted token.
	ForcedText

	// NaturalInfluence biases the model's input with an embedding so that
	// suggested knowledge surfaces in its own words.
	NaturalInfluence
)

func (m Mode) String() string {
	switch m {
	case Reactive:
		return "reactive"
	case ForcedText:
		return "forced_text"
	case NaturalInfluence:
		return "natural_influence"
	default:
		return "unknown"
	}
}

// Conditioning is the steering input for one step. The zero value is
// Reactive.
type Conditioning struct {
	Mode        Mode
	ForcedToken int32
	Bias        []float32
}

// StepOutput is what one step produced.
type StepOutput struct {
	// Token is the emitted text token.
	Token int32

	// Text is the decoded text piece, empty for padding tokens.
	Text string

	// Audio is the generated agent code frame, nil during the acoustic
	// delay.
	Audio *codec.CodeFrame

	// WarmingUp reports that the model is still inside its acoustic delay,
	// so nil Audio is expected rather than suspicious.
	WarmingUp bool
}

// Config holds the per-session engine parameters.
type Config struct {
	// StepTimeout bounds one generation step. A step that misses the
	// deadline is fatal: the state can never catch back up to real time.
	StepTimeout time.Duration
}

// Engine advances one generation state frame by frame.
type Engine struct {
	state genmodel.StateHandle
	dim   int
	delay int
	cfg   Config

	steps    int
	fatalErr error
}

// New wraps an open generation state. The model provides the embedding
// dimension and acoustic delay contracts the engine enforces.
func New(model genmodel.Model, state genmodel.StateHandle, cfg Config) (*Engine, error) {
	if cfg.StepTimeout <= 0 {
		return nil, fmt.Errorf("engine: step timeout must be positive")
	}
	return &Engine{
		state: state,
		dim:   model.EmbeddingDim(),
		delay: model.AcousticDelay(),
		cfg:   cfg,
	}, nil
}

// Steps returns how many steps have completed.
func (e *Engine) Steps() int { return e.steps }

// WarmingUp reports whether the next step is still inside the acoustic
// delay.
func (e *Engine) WarmingUp() bool { return e.steps < e.delay }

// Step runs one generation step with the given caller audio and
// conditioning. Any error it returns is fatal; subsequent calls keep
// returning ErrEngineFailed.
func (e *Engine) Step(ctx context.Context, in codec.CodeFrame, cond Conditioning) (StepOutput, error) {
	if e.fatalErr != nil {
		return StepOutput{}, e.fatalErr
	}

	req := genmodel.StepRequest{Codes: in}
	switch cond.Mode {
	case Reactive:
	case ForcedText:
		tok := cond.ForcedToken
		req.ForcedToken = &tok
	case NaturalInfluence:
		if len(cond.Bias) != e.dim {
			return StepOutput{}, e.fail(fmt.Errorf("%w: got %d, model wants %d", ErrBiasDimension, len(cond.Bias), e.dim))
		}
		req.Bias = cond.Bias
	default:
		return StepOutput{}, e.fail(fmt.Errorf("engine: unknown conditioning mode %d", cond.Mode))
	}

	stepCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
	defer cancel()

	res, err := e.state.Step(stepCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("step missed %v deadline: %w", e.cfg.StepTimeout, err)
		}
		return StepOutput{}, e.fail(err)
	}

	warming := e.steps < e.delay
	e.steps++

	if res.Audio == nil && !warming {
		// Past the delay the model must produce audio every step.
		return StepOutput{}, e.fail(errors.New("no audio frame after acoustic delay"))
	}
	return StepOutput{
		Token:     res.Token,
		Text:      res.Text,
		Audio:     res.Audio,
		WarmingUp: warming,
	}, nil
}

// Close releases the generation state. Safe to call more than once.
func (e *Engine) Close() error {
	return e.state.Close()
}

func (e *Engine) fail(err error) error {
	e.fatalErr = fmt.Errorf("%w: %w", ErrEngineFailed, err)
	return e.fatalErr
}
