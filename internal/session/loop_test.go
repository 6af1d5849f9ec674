package session_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/kestrelvoice/kestrel/internal/engine"
	"github.com/kestrelvoice/kestrel/internal/observe"
	"github.com/kestrelvoice/kestrel/internal/session"
	"github.com/kestrelvoice/kestrel/internal/suggest"
	"github.com/kestrelvoice/kestrel/pkg/audio"
	codecmock "github.com/kestrelvoice/kestrel/pkg/provider/codec/mock"
	embedmock "github.com/kestrelvoice/kestrel/pkg/provider/embeddings/mock"
	"github.com/kestrelvoice/kestrel/pkg/provider/genmodel"
	genmock "github.com/kestrelvoice/kestrel/pkg/provider/genmodel/mock"
	telmock "github.com/kestrelvoice/kestrel/pkg/telephony/mock"
)

const (
	testFramePeriod   = 10 * time.Millisecond
	testTelephonyRate = 8000
	testModelRate     = 24000
	testRawSamples    = 80  // 10 ms at 8 kHz
	testModelSamples  = 240 // 10 ms at 24 kHz
	testEmbeddingDim  = 8
)

// fixture bundles a fully wired session over mocks.
type fixture struct {
	sess   *session.Session
	stream *telmock.Stream
	state  *genmock.State
	queue  *suggest.Queue
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func newFixture(t *testing.T, mutate func(*session.Config)) *fixture {
	t.Helper()
	ctx := context.Background()

	model := genmock.New(
		genmock.WithAcousticDelay(2),
		genmock.WithCodebooks(8),
		genmock.WithEmbeddingDim(testEmbeddingDim),
	)
	handle, err := model.OpenState(ctx, genmodel.StateConfig{})
	if err != nil {
		t.Fatal(err)
	}
	state := handle.(*genmock.State)

	eng, err := engine.New(model, state, engine.Config{StepTimeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	adapter, err := engine.NewCodecAdapter(
		codecmock.New(codecmock.WithFrameSize(testModelSamples), codecmock.WithCodebooks(8)),
		testModelRate,
	)
	if err != nil {
		t.Fatal(err)
	}
	trans, err := audio.NewTranscoder(audio.TranscoderConfig{
		FramePeriod: testFramePeriod,
		Telephony:   audio.Format{SampleRate: testTelephonyRate, Channels: 1},
		Model:       audio.Format{SampleRate: testModelRate, Channels: 1},
	})
	if err != nil {
		t.Fatal(err)
	}

	reg, err := engine.NewRegistry(
		func(ctx context.Context, variant string) (genmodel.Model, error) { return model, nil },
		&embedmock.Provider{Dim: testEmbeddingDim}, 16,
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Close() })

	stream := telmock.NewStream("caller-1", 64)
	queue := suggest.NewQueue(5, time.Millisecond)

	cfg := session.Config{
		Stream:          stream,
		Transcoder:      trans,
		Codec:           adapter,
		Engine:          eng,
		Model:           model,
		Queue:           queue,
		Registry:        reg,
		ModelSampleRate: testModelRate,
		Metrics:         testMetrics(t),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	sess, err := session.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{sess: sess, stream: stream, state: state, queue: queue}
}

// callerFrame builds one in-order telephony frame of constant amplitude, so
// energy survives resampling undistorted.
func callerFrame(seq uint64, amp int16) audio.Frame {
	pcm := make([]int16, testRawSamples)
	for i := range pcm {
		pcm[i] = amp
	}
	return audio.Frame{
		Data:       audio.Int16sToBytes(pcm),
		Encoding:   audio.EncodingPCM16,
		SampleRate: testTelephonyRate,
		Channels:   1,
		Seq:        seq,
	}
}

// runSession starts Run in the background and returns a wait func.
func runSession(t *testing.T, f *fixture) func() error {
	t.Helper()
	var (
		wg     sync.WaitGroup
		runErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		runErr = f.sess.Run(context.Background())
	}()
	return func() error {
		wg.Wait()
		return runErr
	}
}

func TestSession_HangupEndsCleanly(t *testing.T) {
	f := newFixture(t, nil)
	wait := runSession(t, f)

	for seq := uint64(0); seq < 10; seq++ {
		f.stream.Deliver(callerFrame(seq, 1000))
	}
	f.stream.EndCall()

	if err := wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := f.sess.State(); got != session.Closed {
		t.Errorf("state = %v, want closed", got)
	}
	if !f.stream.Closed() {
		t.Error("stream not closed on teardown")
	}
	if !f.state.Closed() {
		t.Error("generation state not closed on teardown")
	}
	// 10 frames in, 2 lost to the acoustic delay but partially recovered by
	// the teardown flush; at minimum the post-delay steps produced audio.
	if sent := f.stream.Sent(); len(sent) < 8 {
		t.Errorf("sent %d frames, want at least 8", len(sent))
	}
}

func TestSession_OneStepPerFrame(t *testing.T) {
	f := newFixture(t, nil)
	wait := runSession(t, f)

	const n = 7
	for seq := uint64(0); seq < n; seq++ {
		f.stream.Deliver(callerFrame(seq, 500))
	}
	f.stream.EndCall()
	if err := wait(); err != nil {
		t.Fatal(err)
	}
	if got := f.state.Steps(); got != n {
		t.Errorf("steps = %d, want %d", got, n)
	}
}

func TestSession_AtMostOneSuggestionPerFrame(t *testing.T) {
	f := newFixture(t, nil)

	// Two suggestions queued before any audio arrives.
	if err := f.queue.Push(suggest.Suggestion{Text: "mention the warranty"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := f.queue.Push(suggest.Suggestion{Text: "offer a callback"}); err != nil {
		t.Fatal(err)
	}

	wait := runSession(t, f)
	for seq := uint64(0); seq < 5; seq++ {
		f.stream.Deliver(callerFrame(seq, 500))
	}
	f.stream.EndCall()
	if err := wait(); err != nil {
		t.Fatal(err)
	}

	var biased []int
	for i, req := range f.state.Requests() {
		if len(req.Bias) > 0 {
			biased = append(biased, i)
		}
	}
	if len(biased) != 2 {
		t.Fatalf("biased steps = %v, want exactly 2", biased)
	}
	// FIFO, one per frame: consecutive steps, first one first.
	if biased[1] != biased[0]+1 {
		t.Errorf("suggestions consumed at steps %v, want adjacent frames", biased)
	}
}

func TestSession_GreetingDeterministic(t *testing.T) {
	const phrase = "thank you for calling kestrel support"

	tokens := func() []int32 {
		f := newFixture(t, func(cfg *session.Config) {
			cfg.GreetingText = phrase
		})
		wait := runSession(t, f)
		f.stream.EndCall()
		if err := wait(); err != nil {
			t.Fatal(err)
		}
		var toks []int32
		for _, req := range f.state.Requests() {
			if req.ForcedToken == nil {
				t.Fatal("greeting step without forced token")
			}
			toks = append(toks, *req.ForcedToken)
		}
		return toks
	}

	first, second := tokens(), tokens()
	if len(first) == 0 {
		t.Fatal("greeting produced no steps")
	}
	if len(first) != len(second) {
		t.Fatalf("token counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("token %d differs between runs: %d vs %d", i, first[i], second[i])
		}
	}
}

func TestSession_GreetingSpeaksBeforeCallerAudio(t *testing.T) {
	f := newFixture(t, func(cfg *session.Config) {
		cfg.GreetingText = "hello there"
	})
	wait := runSession(t, f)
	f.stream.EndCall()
	if err := wait(); err != nil {
		t.Fatal(err)
	}

	reqs := f.state.Requests()
	if len(reqs) != 2 {
		t.Fatalf("greeting ran %d steps, want 2", len(reqs))
	}
	for i, req := range reqs {
		if req.ForcedToken == nil {
			t.Errorf("step %d: not forced", i)
		}
		for _, c := range req.Codes.Codes {
			if c != 0 {
				t.Errorf("step %d: greeting conditioned on non-silence codes", i)
				break
			}
		}
	}
}

func TestSession_DuplicateAndGapFramesDropped(t *testing.T) {
	f := newFixture(t, nil)
	wait := runSession(t, f)

	f.stream.Deliver(callerFrame(0, 500))
	f.stream.Deliver(callerFrame(1, 500))
	f.stream.Deliver(callerFrame(1, 500)) // duplicate
	f.stream.Deliver(callerFrame(5, 500)) // gap
	f.stream.Deliver(callerFrame(2, 500))
	f.stream.EndCall()
	if err := wait(); err != nil {
		t.Fatal(err)
	}
	if got := f.state.Steps(); got != 3 {
		t.Errorf("steps = %d, want 3 (duplicate and gap dropped)", got)
	}
}

func TestSession_CloseCancelsAndSilences(t *testing.T) {
	f := newFixture(t, nil)
	wait := runSession(t, f)

	for seq := uint64(0); seq < 4; seq++ {
		f.stream.Deliver(callerFrame(seq, 500))
	}
	// Give the loop a moment to drain the delivered frames.
	deadline := time.Now().Add(2 * time.Second)
	for f.state.Steps() < 4 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	f.sess.Close()
	if err := wait(); err != nil {
		t.Fatalf("Run after Close: %v", err)
	}
	if got := f.sess.State(); got != session.Closed {
		t.Fatalf("state = %v, want closed", got)
	}

	sentBefore := len(f.stream.Sent())
	stepsBefore := f.state.Steps()

	// Frames delivered after close must not produce output or steps.
	f.stream.Deliver(callerFrame(4, 500))
	time.Sleep(10 * time.Millisecond)
	if got := f.state.Steps(); got != stepsBefore {
		t.Errorf("steps advanced after close: %d -> %d", stepsBefore, got)
	}
	if got := len(f.stream.Sent()); got != sentBefore {
		t.Errorf("output after close: %d -> %d frames", sentBefore, got)
	}
	if err := f.queue.Push(suggest.Suggestion{Text: "too late"}); err == nil {
		t.Error("queue accepted a suggestion after close")
	}
}

func TestSession_CloseBeforeRun(t *testing.T) {
	f := newFixture(t, nil)
	f.stream.Deliver(callerFrame(0, 500))

	// Teardown can beat the call goroutine to Run; the request must hold.
	f.sess.Close()
	wait := runSession(t, f)
	if err := wait(); err != nil {
		t.Fatalf("Run after early Close: %v", err)
	}
	if got := f.sess.State(); got != session.Closed {
		t.Fatalf("state = %v, want closed", got)
	}
	if got := f.state.Steps(); got != 0 {
		t.Errorf("steps = %d, want 0", got)
	}
	if !f.stream.Closed() {
		t.Error("stream left open")
	}
}

func TestSession_BadFrameRecoverable(t *testing.T) {
	f := newFixture(t, nil)
	wait := runSession(t, f)

	f.stream.Deliver(callerFrame(0, 500))
	bad := callerFrame(1, 500)
	bad.Data = bad.Data[:10] // truncated
	f.stream.Deliver(bad)
	f.stream.Deliver(callerFrame(2, 500))
	f.stream.EndCall()

	if err := wait(); err != nil {
		t.Fatalf("bad frame tore down the session: %v", err)
	}
	// Seq 1 passed the guard but failed transcoding and was dropped, so only
	// seq 0 and seq 2 reached the engine.
	if got := f.state.Steps(); got != 2 {
		t.Errorf("steps = %d, want 2", got)
	}
}

func TestSession_SpeechNotification(t *testing.T) {
	var (
		mu        sync.Mutex
		durations []time.Duration
	)
	notify := notifierFunc(func(d time.Duration) {
		mu.Lock()
		durations = append(durations, d)
		mu.Unlock()
	})

	f := newFixture(t, func(cfg *session.Config) {
		cfg.Notifier = notify
	})
	wait := runSession(t, f)

	seq := uint64(0)
	deliver := func(amp int16, n int) {
		for range n {
			f.stream.Deliver(callerFrame(seq, amp))
			seq++
		}
	}
	deliver(4000, 5) // 50 ms of speech
	deliver(0, 4)    // enough quiet to close the utterance
	f.stream.EndCall()
	if err := wait(); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(durations) != 1 {
		t.Fatalf("got %d speech events, want 1", len(durations))
	}
	if durations[0] != 5*testFramePeriod {
		t.Errorf("speech duration = %v, want %v", durations[0], 5*testFramePeriod)
	}
}

type notifierFunc func(time.Duration)

func (f notifierFunc) NotifyUserSpeech(d time.Duration) { f(d) }

func TestSession_RequiredComponents(t *testing.T) {
	_, err := session.New(session.Config{})
	if err == nil || !strings.Contains(err.Error(), "required") {
		t.Errorf("New with empty config: %v", err)
	}
}
