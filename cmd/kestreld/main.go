// Command kestreld is the Kestrel speech-to-speech voice agent server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kestrelvoice/kestrel/internal/app"
	"github.com/kestrelvoice/kestrel/internal/config"
	"github.com/kestrelvoice/kestrel/internal/observe"
	"github.com/kestrelvoice/kestrel/pkg/provider/codec"
	kyutaicodec "github.com/kestrelvoice/kestrel/pkg/provider/codec/kyutai"
	"github.com/kestrelvoice/kestrel/pkg/provider/embeddings"
	ollamaembed "github.com/kestrelvoice/kestrel/pkg/provider/embeddings/ollama"
	oaembed "github.com/kestrelvoice/kestrel/pkg/provider/embeddings/openai"
	"github.com/kestrelvoice/kestrel/pkg/provider/genmodel"
	kyutaimodel "github.com/kestrelvoice/kestrel/pkg/provider/genmodel/kyutai"
	"github.com/kestrelvoice/kestrel/pkg/telephony"
	"github.com/kestrelvoice/kestrel/pkg/telephony/wsmedia"
)

// version is stamped by the build; "dev" for local builds.
var version = "dev"

// modelBackend names the generation and codec backend registered by default.
// The device and opus transports take in-process handles (an audio device, a
// packet connection), so they are registered by embedders, not from YAML.
const modelBackend = "kyutai"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "kestreld: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "kestreld: %v\n", err)
		}
		return 1
	}

	// The level var lets hot reloads adjust verbosity without swapping the
	// handler out from under running goroutines.
	levelVar := new(slog.LevelVar)
	levelVar.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})))

	slog.Info("kestreld starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "kestrel",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	reg := config.NewRegistry()
	registerBuiltinProviders(ctx, reg, cfg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// Network transports double as HTTP handlers; serve the media endpoint
	// alongside the application.
	stopMedia := startMediaEndpoint(cfg, providers.Trunk)

	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			levelVar.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level updated", "level", d.NewLogLevel)
		}
		application.ApplyReload(d)
	})
	if err != nil {
		slog.Warn("config watcher unavailable, hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	stopMedia(shutdownCtx)
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the provider factories that ship with
// Kestrel into reg. The ctx scopes backend connections to the process
// lifetime; codec streams dialled through the registry die with it.
func registerBuiltinProviders(ctx context.Context, reg *config.Registry, cfg *config.Config) {
	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		return ollamaembed.New(entry.BaseURL, entry.Model)
	})

	// ── Generation model ──────────────────────────────────────────────────────

	reg.RegisterModel(modelBackend, func(mc config.ModelConfig) (genmodel.Model, error) {
		return kyutaimodel.New(ctx, kyutaimodel.Config{
			URL:    mc.Endpoint,
			APIKey: mc.APIKey,
		})
	})

	// ── Codec ─────────────────────────────────────────────────────────────────

	modelFrameSamples := cfg.Audio.ModelRate * cfg.Audio.FrameMs / 1000
	reg.RegisterCodec(modelBackend, func(cc config.CodecConfig) (codec.Codec, error) {
		return kyutaicodec.Dial(ctx, kyutaicodec.Config{
			URL:       cc.Endpoint,
			APIKey:    cc.APIKey,
			Codebooks: cc.Codebooks,
			FrameSize: modelFrameSamples,
		})
	})

	// ── Telephony ─────────────────────────────────────────────────────────────

	frameBytes := cfg.Audio.TelephonyRate * cfg.Audio.FrameMs / 1000
	if !cfg.Audio.Mulaw {
		frameBytes *= 2 // pcm16
	}
	reg.RegisterTrunk("wsmedia", func(tc config.TelephonyConfig) (telephony.Trunk, error) {
		return wsmedia.New(wsmedia.Config{
			SampleRate: cfg.Audio.TelephonyRate,
			FrameBytes: frameBytes,
		})
	})
}

// buildProviders instantiates the configured backends and returns them in an
// [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	trunk, err := reg.CreateTrunk(cfg.Telephony)
	if err != nil {
		return nil, fmt.Errorf("create telephony trunk %q: %w", cfg.Telephony.Transport, err)
	}
	ps.Trunk = trunk
	slog.Info("provider created", "kind", "telephony", "name", cfg.Telephony.Transport)

	if name := cfg.Embeddings.Name; name != "" {
		p, err := reg.CreateEmbeddings(cfg.Embeddings)
		if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", name, err)
		}
		ps.Embeddings = p
		slog.Info("provider created", "kind", "embeddings", "name", name, "dimensions", p.Dimensions())
	}

	ps.OpenModel = func(ctx context.Context, variant string) (genmodel.Model, error) {
		mc := cfg.Model
		mc.Variant = variant
		return reg.CreateModel(modelBackend, mc)
	}
	ps.NewCodec = func(ctx context.Context) (codec.Codec, error) {
		return reg.CreateCodec(modelBackend, cfg.Codec)
	}

	return ps, nil
}

// startMediaEndpoint serves the trunk on the telephony listen address when
// the transport is an HTTP handler (wsmedia). The returned stop function
// drains the listener.
func startMediaEndpoint(cfg *config.Config, trunk telephony.Trunk) func(context.Context) {
	handler, ok := trunk.(http.Handler)
	if !ok || cfg.Telephony.ListenAddr == "" {
		return func(context.Context) {}
	}

	srv := &http.Server{
		Addr:              cfg.Telephony.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("media endpoint listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("media endpoint error", "err", err)
		}
	}()

	return func(drainCtx context.Context) {
		if err := srv.Shutdown(drainCtx); err != nil {
			slog.Warn("media endpoint drain error", "err", err)
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Kestrel — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Telephony", cfg.Telephony.Transport)
	printRow("Model", cfg.Model.Endpoint)
	printRow("Variant", cfg.Model.Variant)
	printRow("Codec", cfg.Codec.Endpoint)
	printRow("Embeddings", cfg.Embeddings.Name)
	if cfg.Memory.PostgresDSN != "" {
		printRow("Memory", "postgres")
	} else {
		printRow("Memory", "")
	}
	if cfg.Suggestion.ListenAddr != "" {
		printRow("Suggestions", cfg.Suggestion.ListenAddr)
	} else {
		printRow("Suggestions", "")
	}
	printRow("Admin", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:16]) + "…"
	}
	fmt.Printf("║  %-12s : %-19s  ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
