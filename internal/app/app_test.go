package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kestrelvoice/kestrel/internal/app"
	"github.com/kestrelvoice/kestrel/internal/config"
	"github.com/kestrelvoice/kestrel/pkg/audio"
	memorymock "github.com/kestrelvoice/kestrel/pkg/memory/mock"
	"github.com/kestrelvoice/kestrel/pkg/provider/codec"
	codecmock "github.com/kestrelvoice/kestrel/pkg/provider/codec/mock"
	embedmock "github.com/kestrelvoice/kestrel/pkg/provider/embeddings/mock"
	"github.com/kestrelvoice/kestrel/pkg/provider/genmodel"
	genmock "github.com/kestrelvoice/kestrel/pkg/provider/genmodel/mock"
	"github.com/kestrelvoice/kestrel/pkg/telephony"
	telmock "github.com/kestrelvoice/kestrel/pkg/telephony/mock"
)

// testConfig returns a minimal config with a short frame period so call
// tests run quickly. Listen addresses stay empty: no real sockets in tests.
func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.LogLevel = config.LogInfo
	cfg.Audio = config.AudioConfig{
		FrameMs:       10,
		TelephonyRate: 8000,
		ModelRate:     24000,
		Quality:       audio.QualityLow,
	}
	cfg.Model = config.ModelConfig{
		Endpoint:              "http://moshi:8998",
		Variant:               "base",
		StepTimeoutMultiplier: 100,
	}
	cfg.Suggestion.MaxQueueSize = 5
	cfg.Suggestion.RateLimitMs = 1
	return cfg
}

// testProviders returns providers backed by in-process mocks.
func testProviders(trunk telephony.Trunk) *app.Providers {
	return &app.Providers{
		Trunk: trunk,
		OpenModel: func(ctx context.Context, variant string) (genmodel.Model, error) {
			return genmock.New(
				genmock.WithEmbeddingDim(8),
				genmock.WithAcousticDelay(1),
				genmock.WithCodebooks(8),
			), nil
		},
		NewCodec: func(ctx context.Context) (codec.Codec, error) {
			return codecmock.New(
				codecmock.WithFrameSize(240),
				codecmock.WithCodebooks(8),
			), nil
		},
		Embeddings: &embedmock.Provider{Dim: 8},
	}
}

// callerFrame builds one 10 ms silence frame on the telephony leg.
func callerFrame(seq uint64) audio.Frame {
	return audio.Frame{
		Data:       audio.Int16sToBytes(make([]int16, 80)),
		Encoding:   audio.EncodingPCM16,
		SampleRate: 8000,
		Channels:   1,
		Seq:        seq,
	}
}

func TestNew_MissingProviders(t *testing.T) {
	t.Parallel()

	if _, err := app.New(context.Background(), testConfig(), nil); err == nil {
		t.Error("New() accepted nil providers")
	}
	if _, err := app.New(context.Background(), testConfig(), &app.Providers{}); err == nil {
		t.Error("New() accepted empty providers")
	}
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()

	application, err := app.New(context.Background(), testConfig(), testProviders(telmock.NewTrunk(1)))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if application.Manager() == nil {
		t.Fatal("New() returned app without session manager")
	}
}

func TestNew_MemoryWithoutEmbeddings(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Memory.PostgresDSN = "postgres://localhost/kestrel"
	providers := testProviders(telmock.NewTrunk(1))
	providers.Embeddings = nil

	if _, err := app.New(context.Background(), cfg, providers); err == nil {
		t.Error("New() accepted a memory DSN without an embeddings provider")
	}
}

func TestApp_CallFlow(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Memory.Query = "caller preferences"

	trunk := telmock.NewTrunk(1)
	mem := &memorymock.Retriever{
		Facts: map[string][]string{"caller-1": {"prefers short answers"}},
	}

	application, err := app.New(context.Background(), cfg, testProviders(trunk),
		app.WithMemoryRetriever(mem))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- application.Run(ctx) }()

	stream := telmock.NewStream("caller-1", 64)
	trunk.Ring(stream)
	for seq := uint64(0); seq < 10; seq++ {
		stream.Deliver(callerFrame(seq))
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && len(stream.Sent()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if len(stream.Sent()) == 0 {
		t.Fatal("no audio was sent back to the caller")
	}

	stream.EndCall()
	for time.Now().Before(deadline) && !stream.Closed() {
		time.Sleep(5 * time.Millisecond)
	}
	if !stream.Closed() {
		t.Error("stream was not closed after hang-up")
	}

	calls := mem.Calls()
	if len(calls) != 1 || calls[0].CallerID != "caller-1" || calls[0].Query != "caller preferences" {
		t.Errorf("memory retrieval calls = %+v", calls)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

func TestApp_ShutdownIdempotent(t *testing.T) {
	t.Parallel()

	application, err := app.New(context.Background(), testConfig(), testProviders(telmock.NewTrunk(1)))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
}
