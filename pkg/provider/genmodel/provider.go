// Package genmodel defines the Model interface for incremental speech
// generation backends.
//
// A generation model consumes one code frame of caller audio per step and
// produces one text token plus (after an initial acoustic delay) one code
// frame of agent audio. Unlike a turn-based LLM there is no request/response
// cycle: the model runs continuously, one step per real-time audio frame, and
// the conversation state lives in an opaque per-session StateHandle.
//
// Three conditioning modes are expressed through StepRequest:
//
//   - Reactive: neither ForcedToken nor Bias set. The model speaks, or stays
//     silent, purely in reaction to the incoming audio.
//   - Forced text: ForcedToken set. The model's text output for this step is
//     overridden and it vocalises the forced token, used to make the agent say
//     an exact phrase such as a greeting.
//   - Natural influence: Bias set. The embedding nudges what the model talks
//     about without scripting its words.
//
// Model implementations must be safe for concurrent use; StateHandle values
// are owned by a single session and are not.
package genmodel

import (
	"context"
	"errors"

	"github.com/kestrelvoice/kestrel/pkg/provider/codec"
)

// ErrStateClosed is returned by Step after the handle has been closed.
var ErrStateClosed = errors.New("genmodel: state closed")

// StepRequest is the input for one generation step.
type StepRequest struct {
	// Codes is the encoded caller audio for this frame. Required.
	Codes codec.CodeFrame

	// ForcedToken, when non-nil, overrides the model's text output for this
	// step. Mutually exclusive with Bias.
	ForcedToken *int32

	// Bias, when non-empty, is added to the model's input representation
	// before the step runs. Its length must equal the model's EmbeddingDim.
	// Mutually exclusive with ForcedToken.
	Bias []float32
}

// StepResult is the output of one generation step.
type StepResult struct {
	// Token is the text token the model emitted (or the forced token echoed
	// back).
	Token int32

	// Text is the decoded text piece for Token. Empty for padding tokens.
	Text string

	// Audio is the generated agent code frame, or nil while the model is
	// still inside its acoustic delay. Nil audio is normal warm-up
	// behaviour, not an error.
	Audio *codec.CodeFrame
}

// StateHandle is one session's live generation state.
//
// Step drives the model exactly one frame forward. Calls must be strictly
// sequential; the handle keeps autoregressive state between them. A failed
// Step leaves the state unusable and the session should be torn down.
//
// Callers must call Close when the session ends.
type StateHandle interface {
	// Step runs one generation step. It blocks until the backend has
	// produced the step result or ctx is done; a per-step deadline on ctx is
	// the caller's responsibility.
	Step(ctx context.Context, req StepRequest) (StepResult, error)

	// Close releases the backend state. Safe to call more than once.
	Close() error
}

// StateConfig selects per-session generation parameters.
type StateConfig struct {
	// Voice selects the agent voice variant, if the backend offers several.
	// Empty means the backend default.
	Voice string

	// Temperature controls sampling randomness. Zero means the backend
	// default.
	Temperature float64
}

// Model is the abstraction over any incremental generation backend.
type Model interface {
	// OpenState creates fresh conversation state for one session.
	OpenState(ctx context.Context, cfg StateConfig) (StateHandle, error)

	// Tokenize converts text into the model's token IDs, for use as
	// ForcedToken sequences.
	Tokenize(ctx context.Context, text string) ([]int32, error)

	// EmbeddingDim returns the dimensionality Bias vectors must have.
	EmbeddingDim() int

	// AcousticDelay returns how many steps the model needs before the first
	// audio frame can appear in StepResult.
	AcousticDelay() int

	// Close releases the model connection. Safe to call more than once.
	Close() error
}
