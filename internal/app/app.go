// Package app wires configuration, providers, and the HTTP surface into a
// runnable Parlance server.
//
// The [App] owns a session manager, the HTTP listener with its websocket
// endpoints, and the teardown order for everything it started. Hosts create
// sessions over REST, stream audio over a websocket, and listeners attach to
// a session's caption feed with their target language.
//
// For testing, inject mock providers and a private listener via the
// functional options (WithMetrics, WithListener).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parlay-live/parlance/internal/config"
	"github.com/parlay-live/parlance/internal/health"
	"github.com/parlay-live/parlance/internal/observe"
	"github.com/parlay-live/parlance/pkg/provider/stt"
	translateprov "github.com/parlay-live/parlance/pkg/provider/translate"
	"github.com/parlay-live/parlance/pkg/provider/tts"
	"github.com/parlay-live/parlance/pkg/transcriptlog"
)

// shutdownTimeout bounds how long Run waits for the HTTP server to drain
// after its context is cancelled.
const shutdownTimeout = 10 * time.Second

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured and its feature is disabled. Populated by
// main.go via the config registry.
type Providers struct {
	// STT transcribes host audio. Required.
	STT stt.Provider

	// Translation translates captions. Required when the configured session
	// has target languages.
	Translation translateprov.Provider

	// Corrector cleans up committed source text. Optional.
	Corrector translateprov.Corrector

	// TTS synthesizes committed segment translations on listener request.
	// Optional.
	TTS tts.Provider

	// Transcript persists committed captions. Optional.
	Transcript transcriptlog.Log
}

// Option is a functional option for [New].
type Option func(*App)

// WithMetrics overrides the metrics instance, e.g. one backed by a manual
// reader in tests. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithListener serves on the given listener instead of binding
// server.listen_addr. Tests use this with a 127.0.0.1:0 listener.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// App is the assembled Parlance server.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics

	sessions *SessionManager
	server   *http.Server
	listener net.Listener

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
	stopErr  error
}

// New assembles an App from config and providers. It validates the provider
// set against the configured session, builds the session manager, and
// prepares the HTTP server. Nothing listens until [App.Run].
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT == nil {
		return nil, fmt.Errorf("app: stt provider is required")
	}
	if len(cfg.Session.TargetLangs) > 0 && providers.Translation == nil {
		return nil, fmt.Errorf("app: target languages configured but no translation provider")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.sessions = NewSessionManager(cfg, providers, a.metrics)
	a.closers = append(a.closers, a.sessions.CloseAll)

	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.buildHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// buildHandler assembles the route table and wraps it with the tracing and
// metrics middleware.
func (a *App) buildHandler() http.Handler {
	mux := http.NewServeMux()

	h := health.New(health.Checker{
		Name: "providers",
		Check: func(context.Context) error {
			if a.providers.STT == nil {
				return errors.New("stt provider missing")
			}
			return nil
		},
	})
	h.Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /v1/sessions", a.handleCreateSession)
	mux.HandleFunc("GET /v1/sessions/{id}", a.handleSessionInfo)
	mux.HandleFunc("DELETE /v1/sessions/{id}", a.handleEndSession)
	mux.HandleFunc("GET /v1/sessions/{id}/ingest", a.handleIngest)
	mux.HandleFunc("GET /v1/sessions/{id}/listen", a.handleListen)
	mux.HandleFunc("POST /v1/synthesize", a.handleSynthesize)
	mux.HandleFunc("GET /v1/voices", a.handleVoices)

	return observe.Middleware(a.metrics)(mux)
}

// Sessions exposes the session manager, mainly for the command layer and
// tests.
func (a *App) Sessions() *SessionManager {
	return a.sessions
}

// Addr returns the address the server is listening on. Empty until Run has
// bound the listener (or a listener was injected).
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Run binds the listener and serves until ctx is cancelled or the server
// fails. On cancellation it drains in-flight HTTP requests and returns
// ctx.Err(); session teardown happens in [App.Shutdown].
func (a *App) Run(ctx context.Context) error {
	if a.listener == nil {
		ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen on %s: %w", a.cfg.Server.ListenAddr, err)
		}
		a.listener = ln
	}

	errCh := make(chan error, 1)
	go func() {
		if tls := a.cfg.Server.TLS; tls != nil {
			errCh <- a.server.ServeTLS(a.listener, tls.CertFile, tls.KeyFile)
		} else {
			errCh <- a.server.Serve(a.listener)
		}
	}()

	slog.Info("server listening",
		"addr", a.listener.Addr().String(),
		"tls", a.cfg.Server.TLS != nil,
	)

	select {
	case <-ctx.Done():
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(drainCtx); err != nil {
			slog.Warn("http server drain error", "err", err)
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Shutdown tears the app down: the HTTP server stops accepting requests,
// then every subsystem closes in reverse initialisation order. Safe to call
// more than once; later calls return the first result.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		slog.Info("shutting down")

		var errs []error
		if err := a.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			if ctx.Err() != nil {
				errs = append(errs, fmt.Errorf("shutdown deadline exceeded with %d closers remaining", i+1))
				break
			}
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}

		a.stopErr = errors.Join(errs...)
		if a.stopErr != nil {
			slog.Error("shutdown finished with errors", "err", a.stopErr)
		} else {
			slog.Info("shutdown complete")
		}
	})
	return a.stopErr
}
