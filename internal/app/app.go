// Package app wires the rehearsal server's subsystems into a running
// application.
//
// The App struct owns the full lifecycle: New builds the audio resolver,
// session registry and HTTP routes, Run serves until its context ends, and
// Shutdown drains live sessions and tears everything down in order.
//
// Storage and the TTS provider are built by the caller (normally main, via
// the config registry) and handed over in [Deps]. Use Option functions to
// inject test doubles for the rest.
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

	"golang.org/x/sync/errgroup"

	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/config"
	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/health"
	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/observe"
	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/planner"
	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/protocol"
	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/resilience"
	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/session"
	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/store"
	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/transport"
	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/voicecache"
	"github.com/mr-ryan-james/circuit-breaker-sub001/pkg/provider/tts"
)

// Deps are the collaborators built outside the app.
type Deps struct {
	Store store.Store
	TTS   tts.Provider

	// Breakers reports the TTS circuit breakers for readiness checks.
	// Optional.
	Breakers func() []*resilience.CircuitBreaker

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// App owns all subsystem lifetimes of the rehearsal server.
type App struct {
	cfg  *config.Config
	deps Deps

	metrics  *observe.Metrics
	cache    voicecache.Cache
	resolver *voicecache.Resolver
	registry *session.Registry
	health   *health.Handler
	handler  http.Handler

	watchPath string
	watchOpts []config.WatcherOption
	watcher   *config.Watcher
	level     *slog.LevelVar

	// connCtx outlives the HTTP server so that WebSocket connections can
	// deliver the ended notices sent while sessions drain.
	connCtx    context.Context
	connCancel context.CancelFunc

	// closers are called in order during Shutdown: storage first, then
	// hooks added with WithCloser.
	closers []func(context.Context) error
	hooks   []func(context.Context) error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithAudioCache injects a clip cache instead of creating one from config.
func WithAudioCache(c voicecache.Cache) Option {
	return func(a *App) { a.cache = c }
}

// WithConfigWatch reloads the config file at path while the app runs. Log
// level and session defaults are applied live; other changes are logged as
// needing a restart.
func WithConfigWatch(path string, opts ...config.WatcherOption) Option {
	return func(a *App) {
		a.watchPath = path
		a.watchOpts = opts
	}
}

// WithLogLevel lets config reloads change the level of the process logger.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithCloser adds fn to the end of the shutdown sequence, for example to
// flush telemetry.
func WithCloser(fn func(context.Context) error) Option {
	return func(a *App) { a.hooks = append(a.hooks, fn) }
}

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, deps Deps, opts ...Option) (*App, error) {
	if deps.Store == nil || deps.TTS == nil {
		return nil, errors.New("app: Store and TTS are required")
	}
	a := &App{
		cfg:     cfg,
		deps:    deps,
		metrics: deps.Metrics,
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Audio cache + resolver ────────────────────────────────────────
	if err := a.initAudio(); err != nil {
		return nil, fmt.Errorf("app: init audio: %w", err)
	}

	// ── 2. Session registry ──────────────────────────────────────────────
	reg, err := session.NewRegistry(session.Deps{
		Scripts:  deps.Store,
		Resolver: a.resolver,
		Progress: deps.Store,
		History:  deps.Store,
		Metrics:  a.metrics,
	}, SessionConfig(cfg.Session))
	if err != nil {
		return nil, fmt.Errorf("app: init sessions: %w", err)
	}
	a.registry = reg

	// ── 3. Health ────────────────────────────────────────────────────────
	checkers := []health.Checker{health.PingChecker("storage", deps.Store)}
	if deps.Breakers != nil {
		checkers = append(checkers, health.BreakerChecker("tts", deps.Breakers))
	}
	a.health = health.New(checkers...)
	a.health.Report("sessions", func() int64 { return int64(reg.Len()) })

	// ── 4. Config watcher ────────────────────────────────────────────────
	if a.watchPath != "" {
		w, err := config.NewWatcher(a.watchPath, a.OnConfigChange, a.watchOpts...)
		if err != nil {
			return nil, fmt.Errorf("app: init config watcher: %w", err)
		}
		a.watcher = w
	}

	// ── 5. Routes ────────────────────────────────────────────────────────
	a.connCtx, a.connCancel = context.WithCancel(context.WithoutCancel(ctx))
	a.handler = a.routes()

	a.closers = append(a.closers, func(context.Context) error { return deps.Store.Close() })
	a.closers = append(a.closers, a.hooks...)

	return a, nil
}

// initAudio creates the clip cache (disk when audio.cache_dir is set,
// memory otherwise) and the resolver on top of it.
func (a *App) initAudio() error {
	if a.cache == nil {
		if dir := a.cfg.Audio.CacheDir; dir != "" {
			c, err := voicecache.NewDirCache(dir)
			if err != nil {
				return err
			}
			a.cache = c
			slog.Info("audio cache on disk", "dir", dir)
		} else {
			a.cache = voicecache.NewMemoryCache(a.cfg.Audio.CacheEntries)
		}
	}
	a.resolver = voicecache.New(a.deps.TTS, a.cache, voicecache.WithMetrics(a.metrics))
	return nil
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /ws", transport.NewHandler(a.registry, transport.Config{
		OutboundQueue:  a.cfg.Server.OutboundQueue,
		OriginPatterns: a.cfg.Server.AllowedOrigins,
		AudioURL:       protocol.AudioURL(a.cfg.Server.PublicURL),
	}, a.metrics, slog.Default()))
	mux.Handle("GET /audio/{handle}", a.resolver.Handler())
	mux.HandleFunc("GET /scripts/{id}/characters", a.handleCharacters)
	mux.Handle("GET /metrics", observe.MetricsHandler())
	a.health.Register(mux)
	return observe.Middleware(a.metrics)(mux)
}

// Handler returns the app's HTTP handler with all routes and middleware.
func (a *App) Handler() http.Handler { return a.handler }

// Registry returns the live session registry.
func (a *App) Registry() *session.Registry { return a.registry }

// Resolver returns the audio resolver.
func (a *App) Resolver() *voicecache.Resolver { return a.resolver }

// SessionConfig converts the session section of the config file to session
// engine settings.
func SessionConfig(c config.SessionConfig) session.Config {
	return session.Config{
		DefaultMode:    planner.Mode(c.DefaultMode),
		PauseMult:      c.PauseMult,
		Pause:          c.PauseConfig(),
		LineGrace:      c.LineGrace,
		SynthesisGrace: c.SynthesisGrace,
		ResolveBudget:  c.ResolveBudget,
		IdleTTL:        c.IdleTTL,
	}
}

// OnConfigChange applies the hot-reloadable parts of a config change. It is
// the callback of the config watcher.
func (a *App) OnConfigChange(d config.ConfigDiff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged {
		if err := a.registry.SetConfig(SessionConfig(d.NewSession)); err != nil {
			slog.Warn("session defaults rejected, keeping previous", "err", err)
		} else {
			slog.Info("session defaults updated; applies to new sessions")
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// ReloadConfig re-reads the watched config file now. It is a no-op when the
// app was built without [WithConfigWatch].
func (a *App) ReloadConfig() error {
	if a.watcher == nil {
		return nil
	}
	_, err := a.watcher.Reload()
	return err
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP, reaps idle sessions and watches the config file until ctx
// is cancelled or the listener fails. It stops accepting new connections
// before returning; call [App.Shutdown] afterwards to drain sessions.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is [App.Run] on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return a.connCtx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		a.health.SetDraining(true)
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.drainTimeout())
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		interval := a.cfg.Session.ReapInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		return a.registry.RunReaper(gctx, interval)
	})
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	slog.Info("server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
	return g.Wait()
}

func (a *App) drainTimeout() time.Duration {
	if d := a.cfg.Server.DrainTimeout; d > 0 {
		return d
	}
	return 15 * time.Second
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops every live session, saving its progress, then closes client
// connections, storage and whatever was added with [WithCloser]. It respects
// the context deadline: if ctx expires, remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.registry.Len())
		a.health.SetDraining(true)

		if err := a.registry.Drain(ctx); err != nil {
			slog.Warn("session drain incomplete", "err", err)
		}
		a.connCancel()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(ctx); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
