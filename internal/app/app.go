// Package app wires all Kestrel subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the accept loop and the HTTP endpoints, and
// Shutdown tears everything down in reverse order.
//
// For testing, inject mock implementations via the Providers struct and the
// functional options (WithMemoryRetriever, WithSuggestionServer). When an
// option is not provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/kestrelvoice/kestrel/internal/config"
	"github.com/kestrelvoice/kestrel/internal/engine"
	"github.com/kestrelvoice/kestrel/internal/health"
	"github.com/kestrelvoice/kestrel/internal/observe"
	"github.com/kestrelvoice/kestrel/internal/suggest"
	"github.com/kestrelvoice/kestrel/pkg/memory"
	"github.com/kestrelvoice/kestrel/pkg/memory/postgres"
	"github.com/kestrelvoice/kestrel/pkg/provider/codec"
	"github.com/kestrelvoice/kestrel/pkg/provider/embeddings"
	"github.com/kestrelvoice/kestrel/pkg/telephony"
)

// Providers holds the pluggable backends the application is built on.
// Populated by main.go via the config registry.
type Providers struct {
	// Trunk surfaces incoming calls. Required.
	Trunk telephony.Trunk

	// OpenModel opens a generation model for a weight variant. Required.
	OpenModel engine.OpenModelFunc

	// NewCodec dials a fresh codec connection. Each session owns one, so
	// this is a factory rather than a shared instance. Required.
	NewCodec func(ctx context.Context) (codec.Codec, error)

	// Embeddings is the embeddings backend used for suggestion conditioning
	// and memory retrieval. Nil disables both.
	Embeddings embeddings.Provider
}

// App owns all subsystem lifetimes and orchestrates the Kestrel voice
// pipeline.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems — initialised in New, torn down in Shutdown.
	registry *engine.Registry
	mem      memory.Retriever
	suggest  *suggest.Server
	manager  *SessionManager

	adminSrv   *http.Server
	suggestSrv *http.Server

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMemoryRetriever injects a memory retriever instead of connecting to
// PostgreSQL from config.
func WithMemoryRetriever(r memory.Retriever) Option {
	return func(a *App) { a.mem = r }
}

// WithSuggestionServer injects a suggestion server instead of creating one
// from config.
func WithSuggestionServer(s *suggest.Server) Option {
	return func(a *App) { a.suggest = s }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option
// functions to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: memory store connection,
// model registry, suggestion endpoint, health checks and the admin mux. No
// listener is opened until Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Trunk == nil || providers.OpenModel == nil || providers.NewCodec == nil {
		return nil, errors.New("app: trunk, model and codec providers are required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	a.closers = append(a.closers, providers.Trunk.Close)

	var pgStore *postgres.Store
	if a.mem == nil && cfg.Memory.PostgresDSN != "" {
		if providers.Embeddings == nil {
			return nil, errors.New("app: memory.postgres_dsn is set but no embeddings provider is configured")
		}
		store, err := postgres.NewStore(ctx, cfg.Memory.PostgresDSN, providers.Embeddings,
			postgres.WithTopK(cfg.Memory.TopK))
		if err != nil {
			return nil, fmt.Errorf("app: init memory: %w", err)
		}
		pgStore = store
		a.mem = store
		a.closers = append(a.closers, store.Close)
	}

	registry, err := engine.NewRegistry(providers.OpenModel, providers.Embeddings, 0)
	if err != nil {
		return nil, fmt.Errorf("app: init model registry: %w", err)
	}
	a.registry = registry
	a.closers = append(a.closers, registry.Close)

	if a.suggest == nil && cfg.Suggestion.ListenAddr != "" {
		srv, err := suggest.NewServer(suggest.ServerConfig{AuthToken: cfg.Suggestion.AuthToken})
		if err != nil {
			return nil, fmt.Errorf("app: init suggestion server: %w", err)
		}
		a.suggest = srv
		a.closers = append(a.closers, srv.Close)
	}
	if a.suggest != nil && cfg.Suggestion.ListenAddr != "" {
		a.suggestSrv = &http.Server{
			Addr:              cfg.Suggestion.ListenAddr,
			Handler:           a.suggest,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	a.manager = NewSessionManager(ManagerConfig{
		Trunk:    providers.Trunk,
		Config:   cfg,
		Registry: registry,
		NewCodec: providers.NewCodec,
		Suggest:  a.suggest,
		Memory:   a.mem,
	})

	if cfg.Server.ListenAddr != "" {
		a.adminSrv = &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           a.adminHandler(pgStore),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return a, nil
}

// adminHandler builds the metrics + health mux served on the admin address.
func (a *App) adminHandler(pgStore *postgres.Store) http.Handler {
	checkers := []health.Checker{
		health.ModelBackend(a.cfg.Model.Endpoint, nil),
	}
	if pgStore != nil {
		checkers = append(checkers, health.Memory(pgStore.Pool()))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	health.New(checkers...).Register(mux)
	return observe.Middleware(observe.DefaultMetrics())(mux)
}

// Manager returns the session manager, mainly for tests and admin surfaces.
func (a *App) Manager() *SessionManager {
	return a.manager
}

// Run starts the accept loop and the HTTP endpoints and blocks until ctx is
// cancelled or a component fails. On cancellation it returns
// context.Canceled.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.manager.Run(ctx)
	})
	if a.adminSrv != nil {
		g.Go(func() error {
			slog.Info("admin endpoint listening", "addr", a.adminSrv.Addr)
			return serveHTTP(ctx, a.adminSrv, a.cfg.Server.TLS)
		})
	}
	if a.suggestSrv != nil {
		g.Go(func() error {
			slog.Info("suggestion endpoint listening", "addr", a.suggestSrv.Addr)
			return serveHTTP(ctx, a.suggestSrv, nil)
		})
	}

	return g.Wait()
}

// serveHTTP runs srv until ctx is done, then drains it. Returns ctx.Err() on
// a clean shutdown so errgroup callers see the cancellation, not
// http.ErrServerClosed.
func serveHTTP(ctx context.Context, srv *http.Server, tls *config.TLSConfig) error {
	errCh := make(chan error, 1)
	go func() {
		if tls != nil {
			errCh <- srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(drainCtx); err != nil {
			slog.Warn("http drain error", "addr", srv.Addr, "err", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// ApplyReload applies the hot-reloadable parts of a config change to the
// running application. Log level changes are handled by main, which owns the
// slog handler.
func (a *App) ApplyReload(d config.ConfigDiff) {
	if d.GreetingChanged {
		a.manager.SetGreeting(d.NewGreeting)
		slog.Info("greeting updated", "text", d.NewGreeting)
	}
	if d.SuggestionLimitsChanged {
		a.manager.SetSuggestionLimits(d.NewMaxQueueSize, time.Duration(d.NewRateLimitMs)*time.Millisecond)
		slog.Info("suggestion limits updated",
			"max_queue_size", d.NewMaxQueueSize, "rate_limit_ms", d.NewRateLimitMs)
	}
	if d.MemoryQueryChanged {
		a.manager.SetMemoryQuery(d.NewMemoryQuery)
		slog.Info("memory query updated", "query", d.NewMemoryQuery)
	}
}

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "active_calls", a.manager.ActiveCalls())

		// End active calls first so their teardown can still flush audio.
		a.manager.CloseAll()
		a.manager.Wait()

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
