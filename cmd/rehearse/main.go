// Command rehearse is the entry point for the script rehearsal server. It
// also runs single rehearsals against the local audio device (-offline) and
// imports script fixtures into storage (-import).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/app"
	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/config"
	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/observe"
	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/offline"
	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/pause"
	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/planner"
	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/resilience"
	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/store"
	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/store/memstore"
	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/store/postgres"
	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/store/sqlite"
	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/voicecache"
	"github.com/mr-ryan-james/circuit-breaker-sub001/pkg/audio"
	"github.com/mr-ryan-james/circuit-breaker-sub001/pkg/audio/malgo"
	"github.com/mr-ryan-james/circuit-breaker-sub001/pkg/provider/tts"
	"github.com/mr-ryan-james/circuit-breaker-sub001/pkg/provider/tts/coqui"
	"github.com/mr-ryan-james/circuit-breaker-sub001/pkg/provider/tts/elevenlabs"
	ttsopenai "github.com/mr-ryan-james/circuit-breaker-sub001/pkg/provider/tts/openai"
)

var version = "dev"

type flags struct {
	config  string
	offline bool
	imports string
	script  string
	role    string
	from    int
	to      int
	mode    string
	speed   float64
	readAll bool
}

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	var f flags
	flag.StringVar(&f.config, "config", "config.yaml", "path to the YAML configuration file")
	flag.BoolVar(&f.offline, "offline", false, "rehearse one script on the local audio device instead of serving")
	flag.StringVar(&f.imports, "import", "", "import the script fixture at this path into storage and exit")
	flag.StringVar(&f.script, "script", "", "script ID (offline)")
	flag.StringVar(&f.role, "role", "", "the character you play (offline)")
	flag.IntVar(&f.from, "from", 0, "first line idx; 0 resumes from saved progress (offline)")
	flag.IntVar(&f.to, "to", 0, "last line idx; 0 means the end of the script (offline)")
	flag.StringVar(&f.mode, "mode", "", "speed_through, learn or table_read (offline)")
	flag.Float64Var(&f.speed, "speed", 1, "playback speed multiplier (offline)")
	flag.BoolVar(&f.readAll, "read-all", false, "voice every line including yours (offline)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "rehearse: %v\n", err)
		return 1
	}
	cfg, err := config.Load(f.config)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "rehearse: config file %q not found; copy configs/example.yaml to get started\n", f.config)
		} else {
			fmt.Fprintf(os.Stderr, "rehearse: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(newLogger(cfg.Server.LogFormat, level))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Storage ───────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	st, err := reg.CreateStore(ctx, cfg.Storage)
	if err != nil {
		slog.Error("failed to open storage", "backend", cfg.Storage.Backend, "err", err)
		return 1
	}

	switch {
	case f.imports != "":
		defer st.Close()
		return runImport(ctx, st, f.imports)
	case f.offline:
		defer st.Close()
		return runOffline(ctx, cfg, reg, st, f)
	default:
		return runServer(ctx, cfg, reg, st, f.config, level)
	}
}

// runServer starts the WebSocket server and blocks until a signal arrives.
func runServer(ctx context.Context, cfg *config.Config, reg *config.Registry, st store.Store, configPath string, level *slog.LevelVar) int {
	slog.Info("rehearse starting",
		"version", version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"storage", cfg.Storage.Backend,
		"tts", cfg.Providers.TTS.Name,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		_ = st.Close()
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics := observe.DefaultMetrics()

	// ── TTS ───────────────────────────────────────────────────────────────────
	fb, err := buildTTS(cfg, reg, metrics)
	if err != nil {
		_ = st.Close()
		slog.Error("failed to build TTS provider", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg, app.Deps{
		Store:    st,
		TTS:      fb,
		Breakers: fb.Breakers,
		Metrics:  metrics,
	},
		app.WithConfigWatch(configPath, config.WithEnvOverrides()),
		app.WithLogLevel(level),
		app.WithCloser(shutdownTelemetry),
	)
	if err != nil {
		_ = st.Close()
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := application.ReloadConfig(); err != nil {
					slog.Warn("config reload on SIGHUP failed", "err", err)
				}
			}
		}
	}()

	slog.Info("server ready; press Ctrl+C to shut down, send SIGHUP to reload config")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	drain := cfg.Server.DrainTimeout
	if drain <= 0 {
		drain = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// runOffline rehearses one script through the default audio output device.
func runOffline(ctx context.Context, cfg *config.Config, reg *config.Registry, st store.Store, f flags) int {
	if f.script == "" || f.role == "" {
		fmt.Fprintln(os.Stderr, "rehearse: -offline needs -script and -role")
		return 2
	}
	mode := planner.Mode(f.mode)
	if f.mode != "" && !mode.IsValid() {
		fmt.Fprintf(os.Stderr, "rehearse: unknown mode %q\n", f.mode)
		return 2
	}

	fb, err := buildTTS(cfg, reg, observe.DefaultMetrics())
	if err != nil {
		slog.Error("failed to build TTS provider", "err", err)
		return 1
	}
	est, err := pause.New(cfg.Session.PauseConfig())
	if err != nil {
		slog.Error("invalid pause settings", "err", err)
		return 1
	}
	player, err := malgo.New()
	if err != nil {
		slog.Error("failed to open audio device", "err", err)
		return 1
	}
	defer player.Close()

	var cache voicecache.Cache = voicecache.NewMemoryCache(cfg.Audio.CacheEntries)
	if dir := cfg.Audio.CacheDir; dir != "" {
		if cache, err = voicecache.NewDirCache(dir); err != nil {
			slog.Error("failed to open audio cache", "dir", dir, "err", err)
			return 1
		}
	}

	runner := &offline.Runner{
		Scripts:  st,
		Resolver: voicecache.New(fb, cache),
		Player:   player,
		Pauses:   est,
		Progress: st,
		History:  st,
		Out:      os.Stdout,
	}
	res, err := runner.Run(ctx, offline.Options{
		ScriptID:  f.script,
		SelfRole:  f.role,
		From:      f.from,
		To:        f.to,
		Mode:      mode,
		ReadAll:   f.readAll,
		SpeedMult: f.speed,
		PauseMult: cfg.Session.PauseMult,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "rehearse: %v\n", err)
		return 1
	}
	fmt.Println(offline.Summary(res))
	return 0
}

func runImport(ctx context.Context, st store.Store, path string) int {
	id, err := store.ImportFile(ctx, st, path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rehearse: %v\n", err)
		return 1
	}
	fmt.Printf("imported script %q\n", id)
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in TTS and storage factories into
// reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		p, err := elevenlabs.New(entry.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// coqui is a local server; BaseURL is its address.
	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		p, err := coqui.New(entry.BaseURL, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []ttsopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, ttsopenai.WithBaseURL(entry.BaseURL))
		}
		p, err := ttsopenai.New(entry.APIKey, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// ── Storage ───────────────────────────────────────────────────────────────

	reg.RegisterStore(config.StorageMemory, func(ctx context.Context, cfg config.StorageConfig) (store.Store, error) {
		st := memstore.New()
		for _, path := range cfg.Fixtures {
			id, err := store.ImportFile(ctx, st, path)
			if err != nil {
				return nil, err
			}
			slog.Info("script loaded", "script_id", id, "path", path)
		}
		return st, nil
	})

	reg.RegisterStore(config.StorageSQLite, func(ctx context.Context, cfg config.StorageConfig) (store.Store, error) {
		st, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return st, nil
	})

	reg.RegisterStore(config.StoragePostgres, func(ctx context.Context, cfg config.StorageConfig) (store.Store, error) {
		st, err := postgres.NewStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return st, nil
	})
}

// buildTTS creates the configured TTS provider and its fallbacks behind
// per-backend circuit breakers. Breaker transitions are counted in metrics.
func buildTTS(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*resilience.TTSFallback, error) {
	b := cfg.Providers.Breaker
	fcfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  b.MaxFailures,
			ResetTimeout: b.ResetTimeout,
			HalfOpenMax:  b.HalfOpenMax,
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("tts circuit breaker changed state", "provider", name, "from", from, "to", to)
				metrics.RecordBreakerTransition(context.Background(), name, to.String())
			},
		},
	}

	primary, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	fb := resilience.NewTTSFallback(primary, cfg.Providers.TTS.Name, audio.Canonical, fcfg)
	slog.Info("provider created", "kind", "tts", "name", cfg.Providers.TTS.Name)

	for _, entry := range cfg.Providers.TTSFallbacks {
		p, err := reg.CreateTTS(entry)
		if err != nil {
			return nil, fmt.Errorf("create tts fallback %q: %w", entry.Name, err)
		}
		fb.AddFallback(entry.Name, p)
		slog.Info("provider created", "kind", "tts-fallback", "name", entry.Name)
	}
	return fb, nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(format config.LogFormat, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
