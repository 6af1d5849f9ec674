package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrelvoice/kestrel/internal/config"
	"github.com/kestrelvoice/kestrel/internal/engine"
	"github.com/kestrelvoice/kestrel/internal/session"
	"github.com/kestrelvoice/kestrel/internal/suggest"
	"github.com/kestrelvoice/kestrel/pkg/audio"
	"github.com/kestrelvoice/kestrel/pkg/memory"
	"github.com/kestrelvoice/kestrel/pkg/provider/codec"
	"github.com/kestrelvoice/kestrel/pkg/provider/genmodel"
	"github.com/kestrelvoice/kestrel/pkg/telephony"
)

// SessionManager accepts calls from the trunk and runs one [session.Session]
// per call. All exported methods are safe for concurrent use.
type SessionManager struct {
	trunk    telephony.Trunk
	registry *engine.Registry
	newCodec func(ctx context.Context) (codec.Codec, error)
	suggest  *suggest.Server
	mem      memory.Retriever
	log      *slog.Logger

	// Static pipeline parameters, fixed at construction.
	audio config.AudioConfig
	model config.ModelConfig

	// Hot-reloadable settings, snapshotted per call.
	mu          sync.Mutex
	greeting    string
	memoryQuery string
	maxQueue    int
	rateLimit   time.Duration
	active      map[*session.Session]struct{}

	wg sync.WaitGroup
}

// ManagerConfig holds all dependencies for a [SessionManager].
type ManagerConfig struct {
	Trunk    telephony.Trunk
	Config   *config.Config
	Registry *engine.Registry
	NewCodec func(ctx context.Context) (codec.Codec, error)

	// Suggest is the suggestion endpoint new sessions register with.
	// Nil disables the supervisor channel.
	Suggest *suggest.Server

	// Memory primes each session's queue with caller facts. Nil disables it.
	Memory memory.Retriever

	Logger *slog.Logger
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg ManagerConfig) *SessionManager {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &SessionManager{
		trunk:       cfg.Trunk,
		registry:    cfg.Registry,
		newCodec:    cfg.NewCodec,
		suggest:     cfg.Suggest,
		mem:         cfg.Memory,
		log:         log.With("component", "session_manager"),
		audio:       cfg.Config.Audio,
		model:       cfg.Config.Model,
		greeting:    cfg.Config.Greeting.Text,
		memoryQuery: cfg.Config.Memory.Query,
		maxQueue:    cfg.Config.Suggestion.MaxQueueSize,
		rateLimit:   cfg.Config.Suggestion.RateLimit(),
		active:      make(map[*session.Session]struct{}),
	}
}

// Run accepts calls until ctx is cancelled or the trunk closes. Each call
// runs in its own goroutine; Run waits for all of them before returning.
func (sm *SessionManager) Run(ctx context.Context) error {
	defer sm.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			sm.CloseAll()
			return ctx.Err()
		case stream, ok := <-sm.trunk.Calls():
			if !ok {
				sm.log.Info("trunk closed, no longer accepting calls")
				return nil
			}
			sm.wg.Add(1)
			go func() {
				defer sm.wg.Done()
				sm.handleCall(ctx, stream)
			}()
		}
	}
}

// handleCall builds the pipeline for one call and runs it to completion.
// Setup failures end the call; they never take the manager down.
func (sm *SessionManager) handleCall(ctx context.Context, stream telephony.MediaStream) {
	log := sm.log.With("caller_id", stream.CallerID())
	log.Info("incoming call")

	sess, cleanup, err := sm.buildSession(ctx, stream, log)
	if err != nil {
		log.Error("call setup failed", "error", err)
		if closeErr := stream.Close(); closeErr != nil {
			log.Debug("stream close error", "error", closeErr)
		}
		return
	}
	defer cleanup()

	sm.track(sess)
	defer sm.untrack(sess)

	if err := sess.Run(ctx); err != nil {
		log.Error("call ended with error", "error", err)
		return
	}
	log.Info("call ended")
}

// buildSession assembles one call's pipeline from the configured parameters.
// The returned cleanup releases resources the session does not own itself.
func (sm *SessionManager) buildSession(ctx context.Context, stream telephony.MediaStream, log *slog.Logger) (*session.Session, func(), error) {
	greeting, memoryQuery, maxQueue, rateLimit := sm.snapshot()

	transcoder, err := audio.NewTranscoder(audio.TranscoderConfig{
		FramePeriod: sm.audio.FramePeriod(),
		Telephony:   audio.Format{SampleRate: sm.audio.TelephonyRate, Channels: 1},
		Model:       audio.Format{SampleRate: sm.audio.ModelRate, Channels: 1},
		Companded:   sm.audio.Mulaw,
		Quality:     sm.audio.Quality,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("transcoder: %w", err)
	}

	cdc, err := sm.newCodec(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("dial codec: %w", err)
	}
	adapter, err := engine.NewCodecAdapter(cdc, sm.audio.ModelRate)
	if err != nil {
		cdc.Close()
		return nil, nil, fmt.Errorf("codec adapter: %w", err)
	}

	model, err := sm.registry.Model(ctx, sm.model.Variant)
	if err != nil {
		adapter.Close()
		return nil, nil, fmt.Errorf("open model: %w", err)
	}
	state, err := model.OpenState(ctx, genmodel.StateConfig{
		Voice:       sm.model.Voice,
		Temperature: sm.model.Temperature,
	})
	if err != nil {
		adapter.Close()
		return nil, nil, fmt.Errorf("open state: %w", err)
	}

	stepTimeout := time.Duration(float64(sm.audio.FramePeriod()) * sm.model.StepTimeoutMultiplier)
	eng, err := engine.New(model, state, engine.Config{StepTimeout: stepTimeout})
	if err != nil {
		state.Close()
		adapter.Close()
		return nil, nil, fmt.Errorf("engine: %w", err)
	}

	sessCfg := session.Config{
		Stream:          stream,
		Transcoder:      transcoder,
		Codec:           adapter,
		Engine:          eng,
		Model:           model,
		Registry:        sm.registry,
		MemoryQuery:     memoryQuery,
		GreetingText:    greeting,
		ModelSampleRate: sm.audio.ModelRate,
		Logger:          log,
	}

	cleanup := func() {}
	if sm.suggest != nil || sm.mem != nil {
		queue := suggest.NewQueue(maxQueue, rateLimit)
		sessCfg.Queue = queue
		if sm.suggest != nil {
			cleanup = sm.suggest.Register(stream.CallerID(), queue)
			sessCfg.Notifier = sm.suggest
		}
		if sm.mem != nil {
			sessCfg.Feeder = suggest.NewFeeder(sm.mem, queue, stream.CallerID(), log, nil)
		}
	}

	sess, err := session.New(sessCfg)
	if err != nil {
		cleanup()
		eng.Close()
		adapter.Close()
		return nil, nil, err
	}
	return sess, cleanup, nil
}

// snapshot returns the hot-reloadable settings for a new call.
func (sm *SessionManager) snapshot() (greeting, memoryQuery string, maxQueue int, rateLimit time.Duration) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.greeting, sm.memoryQuery, sm.maxQueue, sm.rateLimit
}

func (sm *SessionManager) track(s *session.Session) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.active[s] = struct{}{}
}

func (sm *SessionManager) untrack(s *session.Session) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.active, s)
}

// ActiveCalls returns the number of calls currently running.
func (sm *SessionManager) ActiveCalls() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.active)
}

// CloseAll requests teardown of every active call. It does not wait; use
// Wait for that.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	sessions := make([]*session.Session, 0, len(sm.active))
	for s := range sm.active {
		sessions = append(sessions, s)
	}
	sm.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

// Wait blocks until all call goroutines have finished.
func (sm *SessionManager) Wait() {
	sm.wg.Wait()
}

// SetGreeting updates the opening line for new calls.
func (sm *SessionManager) SetGreeting(text string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.greeting = text
}

// SetSuggestionLimits updates the queue bound and injection interval for new
// calls. Active calls keep the limits they started with.
func (sm *SessionManager) SetSuggestionLimits(maxQueue int, rateLimit time.Duration) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.maxQueue = maxQueue
	sm.rateLimit = rateLimit
}

// SetMemoryQuery updates the retrieval prompt for new calls.
func (sm *SessionManager) SetMemoryQuery(query string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.memoryQuery = query
}
