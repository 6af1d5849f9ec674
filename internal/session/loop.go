// Package session owns the per-call real-time loop.
//
// A Session runs a small lifecycle state machine (Connecting, Greeting,
// Reactive, Closing, Closed) in exactly one goroutine. All per-call state —
// the transcoder, the codec adapter, the generation engine, the suggestion
// queue — is owned by that goroutine; other parts of the process talk to the
// session only through the media stream and the suggestion queue, both of
// which are safe for concurrent use.
//
// The loop is frame-driven: every admitted inbound frame advances the
// generation engine exactly one step. Recoverable frame problems (malformed
// frames, sequence gaps, send backpressure) are dropped and logged; anything
// that desynchronises the generation state tears the session down.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrelvoice/kestrel/internal/engine"
	"github.com/kestrelvoice/kestrel/internal/observe"
	"github.com/kestrelvoice/kestrel/internal/suggest"
	"github.com/kestrelvoice/kestrel/pkg/audio"
	"github.com/kestrelvoice/kestrel/pkg/provider/codec"
	"github.com/kestrelvoice/kestrel/pkg/provider/genmodel"
	"github.com/kestrelvoice/kestrel/pkg/telephony"
)

// State is a lifecycle phase of a session.
type State int32

const (
	// Connecting is the initial phase before the pipeline runs.
	Connecting State = iota

	// Greeting is the scripted opening phase.
	Greeting

	// Reactive is the steady conversational phase.
	Reactive

	// Closing is teardown: the in-flight step is cancelled, buffers flush,
	// the queue is released.
	Closing

	// Closed is terminal. Nothing is produced or consumed after it.
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Greeting:
		return "greeting"
	case Reactive:
		return "reactive"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// SpeechNotifier receives caller speech activity events, typically the
// suggestion server broadcasting them to supervisors.
type SpeechNotifier interface {
	NotifyUserSpeech(duration time.Duration)
}

// Config assembles one session's pipeline. Stream, Transcoder, Codec, Engine
// and Model are required; the rest degrade gracefully when absent.
type Config struct {
	Stream     telephony.MediaStream
	Transcoder *audio.Transcoder
	Codec      *engine.CodecAdapter
	Engine     *engine.Engine
	Model      genmodel.Model

	// Queue is the session's suggestion queue, already registered with the
	// suggestion server. Nil disables suggestion consumption.
	Queue *suggest.Queue

	// Registry supplies cached suggestion embeddings. Nil disables
	// suggestion consumption even when Queue is set.
	Registry *engine.Registry

	// Feeder primes the queue from caller memory. Nil disables it.
	Feeder *suggest.Feeder

	// MemoryQuery is the retrieval prompt the feeder runs at call start.
	MemoryQuery string

	// Notifier receives user speech events. Nil disables them.
	Notifier SpeechNotifier

	// GreetingText is the scripted opening phrase. Empty skips the greeting
	// phase entirely.
	GreetingText string

	// ModelSampleRate is the model-side PCM rate. Used to build the silence
	// frames the greeting phase feeds the codec.
	ModelSampleRate int

	// ResyncAfter overrides the sequence guard gap tolerance.
	ResyncAfter int

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Session is one live call. Create with New, drive with Run, stop with Close.
type Session struct {
	cfg   Config
	log   *slog.Logger
	state atomic.Int32

	guard    audio.SequenceGuard
	detector *speechDetector

	cancelMu       sync.Mutex
	cancel         context.CancelFunc
	closeRequested bool

	closeOnce sync.Once
}

// New validates cfg and builds a session in the Connecting state.
func New(cfg Config) (*Session, error) {
	if cfg.Stream == nil || cfg.Transcoder == nil || cfg.Codec == nil || cfg.Engine == nil || cfg.Model == nil {
		return nil, errors.New("session: stream, transcoder, codec, engine and model are required")
	}
	if cfg.ModelSampleRate <= 0 {
		return nil, errors.New("session: model sample rate must be positive")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	s := &Session{
		cfg:      cfg,
		log:      log.With("component", "session", "caller_id", cfg.Stream.CallerID()),
		guard:    audio.SequenceGuard{ResyncAfter: cfg.ResyncAfter},
		detector: newSpeechDetector(),
	}
	s.state.Store(int32(Connecting))
	return s, nil
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Close requests teardown. The in-flight step is cancelled promptly; Run
// finishes the Closing phase and returns. Safe to call more than once and
// from any goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancelMu.Lock()
		s.closeRequested = true
		cancel := s.cancel
		s.cancelMu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}

// Run executes the session to completion. It returns nil on a clean hang-up
// or cancellation, and the fatal error otherwise. Must be called exactly
// once.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancelMu.Lock()
	s.cancel = cancel
	closed := s.closeRequested
	s.cancelMu.Unlock()
	defer cancel()
	// A Close that raced ahead of Run found no cancel func to call; honour
	// the latched request instead of running the call.
	if closed {
		cancel()
	}

	s.cfg.Metrics.ActiveSessions.Add(ctx, 1)
	defer s.cfg.Metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	err := s.run(ctx)
	s.teardown(context.WithoutCancel(ctx))
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error("session failed", "error", err)
		return err
	}
	s.log.Info("session ended")
	return nil
}

func (s *Session) run(ctx context.Context) error {
	if s.cfg.Feeder != nil && s.cfg.MemoryQuery != "" {
		if err := s.cfg.Feeder.OnUtterance(ctx, s.cfg.MemoryQuery); err != nil {
			// Memory is an enhancement; a cold start without it is fine.
			s.log.Warn("memory feed failed", "error", err)
		}
	}

	if s.cfg.GreetingText != "" {
		s.state.Store(int32(Greeting))
		if err := s.runGreeting(ctx); err != nil {
			return err
		}
	}

	s.state.Store(int32(Reactive))
	return s.runReactive(ctx)
}

// runGreeting speaks the configured phrase by forcing one token per step
// over silence input, so the opening is identical on every call.
func (s *Session) runGreeting(ctx context.Context) error {
	tokens, err := s.cfg.Model.Tokenize(ctx, s.cfg.GreetingText)
	if err != nil {
		return fmt.Errorf("session: tokenize greeting: %w", err)
	}
	silence := audio.Frame{
		Data:       audio.Silence(s.cfg.Codec.FrameSize()),
		Encoding:   audio.EncodingPCM16,
		SampleRate: s.cfg.ModelSampleRate,
		Channels:   1,
	}

	for _, tok := range tokens {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		code, err := s.cfg.Codec.Encode(ctx, silence)
		if err != nil {
			return fmt.Errorf("session: greeting encode: %w", err)
		}
		if code == nil {
			code = &codec.CodeFrame{Codes: make([]uint32, s.cfg.Codec.Codebooks())}
		}
		out, err := s.cfg.Engine.Step(ctx, *code, engine.Conditioning{
			Mode:        engine.ForcedText,
			ForcedToken: tok,
		})
		if err != nil {
			return fmt.Errorf("session: greeting step: %w", err)
		}
		if err := s.emit(ctx, out.Audio); err != nil {
			return err
		}
	}
	s.log.Debug("greeting complete", "tokens", len(tokens))
	return nil
}

// runReactive is the steady-state loop: one engine step per admitted frame.
func (s *Session) runReactive(ctx context.Context) error {
	frames := s.cfg.Stream.Frames()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				// Caller hung up.
				return nil
			}
			if err := s.processFrame(ctx, frame); err != nil {
				return err
			}
		}
	}
}

func (s *Session) processFrame(ctx context.Context, frame audio.Frame) error {
	frameStart := time.Now()

	resync, err := s.guard.Admit(frame.Seq)
	if err != nil {
		s.log.Debug("frame rejected", "seq", frame.Seq, "error", err)
		s.cfg.Metrics.RecordFrameDropped(ctx, dropReason(err))
		return nil
	}
	if resync {
		s.log.Warn("stream resync", "seq", frame.Seq)
		s.cfg.Transcoder.Reset()
	}

	modelFrame, err := s.cfg.Transcoder.ToModel(frame)
	if err != nil {
		if errors.Is(err, audio.ErrBadFrame) {
			s.log.Debug("frame dropped", "seq", frame.Seq, "error", err)
			s.cfg.Metrics.RecordFrameDropped(ctx, "bad_frame")
			return nil
		}
		return fmt.Errorf("session: transcode in: %w", err)
	}
	s.observeSpeech(modelFrame)

	encStart := time.Now()
	code, err := s.cfg.Codec.Encode(ctx, modelFrame)
	if err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}
	s.cfg.Metrics.EncodeDuration.Record(ctx, time.Since(encStart).Seconds())
	if code == nil {
		// Codec is still buffering; nothing to step with yet.
		return nil
	}

	cond := s.nextConditioning(ctx)

	stepStart := time.Now()
	out, err := s.cfg.Engine.Step(ctx, *code, cond)
	if err != nil {
		return fmt.Errorf("session: step: %w", err)
	}
	s.cfg.Metrics.RecordStep(ctx, time.Since(stepStart))

	if err := s.emit(ctx, out.Audio); err != nil {
		return err
	}

	s.cfg.Metrics.FramesProcessed.Add(ctx, 1)
	s.cfg.Metrics.FrameDuration.Record(ctx, time.Since(frameStart).Seconds())
	return nil
}

// nextConditioning pops at most one pending suggestion and turns it into a
// natural-influence bias. The embedding happens here, on consumption, so
// suggestions that never get consumed cost nothing.
func (s *Session) nextConditioning(ctx context.Context) engine.Conditioning {
	if s.cfg.Queue == nil || s.cfg.Registry == nil {
		return engine.Conditioning{}
	}
	sug, ok := s.cfg.Queue.Pop()
	if !ok {
		return engine.Conditioning{}
	}
	s.cfg.Metrics.RecordSuggestionConsumed(ctx)
	vec, err := s.cfg.Registry.Embedding(ctx, sug.Text)
	if err != nil {
		// The suggestion is lost; the conversation goes on without it.
		s.log.Warn("suggestion embedding failed", "text", sug.Text, "error", err)
		return engine.Conditioning{}
	}
	s.log.Debug("suggestion consumed", "source", sug.Source, "text", sug.Text)
	return engine.Conditioning{Mode: engine.NaturalInfluence, Bias: vec}
}

// emit converts one generated code frame into telephony audio and sends it.
// A nil code frame (acoustic delay) is a no-op. Backpressure drops the frame.
func (s *Session) emit(ctx context.Context, code *codec.CodeFrame) error {
	if code == nil {
		return nil
	}
	decStart := time.Now()
	pcm, err := s.cfg.Codec.Decode(ctx, *code)
	if err != nil {
		return fmt.Errorf("session: decode: %w", err)
	}
	s.cfg.Metrics.DecodeDuration.Record(ctx, time.Since(decStart).Seconds())
	if pcm == nil {
		return nil
	}
	return s.send(ctx, *pcm)
}

func (s *Session) send(ctx context.Context, pcm audio.Frame) error {
	out, err := s.cfg.Transcoder.FromModel(pcm)
	if err != nil {
		return fmt.Errorf("session: transcode out: %w", err)
	}
	switch err := s.cfg.Stream.Send(out); {
	case err == nil:
		return nil
	case errors.Is(err, telephony.ErrSendBufferFull):
		s.log.Debug("outbound frame dropped", "error", err)
		s.cfg.Metrics.RecordFrameDropped(ctx, "backpressure")
		return nil
	case errors.Is(err, telephony.ErrStreamClosed):
		return nil
	default:
		return fmt.Errorf("session: send: %w", err)
	}
}

// observeSpeech feeds the speech detector and publishes finished utterances.
func (s *Session) observeSpeech(modelFrame audio.Frame) {
	if s.cfg.Notifier == nil {
		return
	}
	if dur, ended := s.detector.feed(modelFrame); ended {
		s.cfg.Notifier.NotifyUserSpeech(dur)
	}
}

// teardown runs the Closing phase: flush what the codec still holds, release
// the queue, close the pipeline. The passed context is detached from the
// run context so the flush is not itself cancelled.
func (s *Session) teardown(ctx context.Context) {
	s.state.Store(int32(Closing))

	// Drain decoded audio already paid for.
	for {
		_, pcm := s.cfg.Codec.Flush()
		if pcm == nil {
			break
		}
		if err := s.send(ctx, *pcm); err != nil {
			s.log.Debug("flush send failed", "error", err)
			break
		}
	}

	if s.cfg.Queue != nil {
		s.cfg.Queue.Release()
	}
	if err := s.cfg.Engine.Close(); err != nil {
		s.log.Debug("engine close", "error", err)
	}
	if err := s.cfg.Codec.Close(); err != nil {
		s.log.Debug("codec close", "error", err)
	}
	if err := s.cfg.Stream.Close(); err != nil {
		s.log.Debug("stream close", "error", err)
	}

	s.state.Store(int32(Closed))
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, audio.ErrDuplicateFrame):
		return "duplicate"
	case errors.Is(err, audio.ErrOutOfOrder):
		return "out_of_order"
	default:
		return "bad_frame"
	}
}
