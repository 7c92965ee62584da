package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/pause"
	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/planner"
)

// ValidProviderNames lists known TTS provider names.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"elevenlabs", "coqui", "openai"}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Variables already set are left untouched and missing files
// are skipped, so a checked-in config plus a local .env for secrets works
// without ceremony.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %q: %w", p, err)
		}
	}
	return nil
}

// Load reads the YAML configuration file at path, applies REHEARSE_*
// environment overrides and returns a validated [Config].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := parse(bytes.NewReader(data), true)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Defaults] and
// validates the result. Environment overrides are not applied, which keeps
// tests hermetic.
func LoadFromReader(r io.Reader) (*Config, error) {
	return parse(r, false)
}

func parse(r io.Reader, withEnv bool) (*Config, error) {
	cfg := Defaults()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if withEnv {
		if err := ApplyEnv(cfg); err != nil {
			return nil, err
		}
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with REHEARSE_* environment variables. The TTS API
// key is read from REHEARSE_TTS_API_KEY and applied to the primary provider.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("config: parse env: %w", err)
	}
	var secrets struct {
		TTSAPIKey string `env:"REHEARSE_TTS_API_KEY"`
	}
	if err := env.Parse(&secrets); err != nil {
		return fmt.Errorf("config: parse env: %w", err)
	}
	if secrets.TTSAPIKey != "" {
		cfg.Providers.TTS.APIKey = secrets.TTSAPIKey
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if cfg.Server.OutboundQueue <= 0 {
		errs = append(errs, fmt.Errorf("server.outbound_queue must be positive, got %d", cfg.Server.OutboundQueue))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required"))
	}
	validateProviderName("providers.tts", cfg.Providers.TTS.Name)
	seen := map[string]int{cfg.Providers.TTS.Name: -1}
	for i, fb := range cfg.Providers.TTSFallbacks {
		prefix := fmt.Sprintf("providers.tts_fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if _, dup := seen[fb.Name]; dup {
			errs = append(errs, fmt.Errorf("%s.name %q is already configured", prefix, fb.Name))
		}
		seen[fb.Name] = i
		validateProviderName(prefix, fb.Name)
	}
	if b := cfg.Providers.Breaker; b.MaxFailures < 0 || b.HalfOpenMax < 0 || b.ResetTimeout < 0 {
		errs = append(errs, errors.New("providers.breaker values must not be negative"))
	}

	// Storage
	switch cfg.Storage.Backend {
	case StorageSQLite:
		if cfg.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path is required for the sqlite backend"))
		}
	case StoragePostgres:
		if cfg.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres backend"))
		}
	case StorageMemory:
		if len(cfg.Storage.Fixtures) == 0 {
			slog.Warn("storage.backend is memory but no fixtures are configured; no scripts will be available")
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is invalid; valid values: memory, sqlite, postgres", cfg.Storage.Backend))
	}

	// Audio
	if cfg.Audio.CacheEntries < 0 {
		errs = append(errs, fmt.Errorf("audio.cache_entries must not be negative, got %d", cfg.Audio.CacheEntries))
	}

	if r := cfg.Telemetry.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio must be within [0, 1], got %g", r))
	}

	// Session
	errs = append(errs, validateSession(cfg.Session)...)

	return errors.Join(errs...)
}

func validateSession(s SessionConfig) []error {
	var errs []error
	if s.DefaultMode != "" && !planner.Mode(s.DefaultMode).IsValid() {
		errs = append(errs, fmt.Errorf("session.default_mode %q is invalid; valid values: speed_through, learn, table_read", s.DefaultMode))
	}
	if s.PauseMult <= 0 {
		errs = append(errs, fmt.Errorf("session.pause_mult must be positive, got %.2f", s.PauseMult))
	}
	if err := s.PauseConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("session: %w", err))
	}
	for _, f := range []struct {
		name string
		d    time.Duration
	}{
		{"line_grace", s.LineGrace},
		{"synthesis_grace", s.SynthesisGrace},
		{"resolve_budget", s.ResolveBudget},
		{"idle_ttl", s.IdleTTL},
		{"reap_interval", s.ReapInterval},
	} {
		if f.d <= 0 {
			errs = append(errs, fmt.Errorf("session.%s must be positive", f.name))
		}
	}
	return errs
}

// PauseConfig returns the pause estimator parameters held in s.
func (s SessionConfig) PauseConfig() pause.Config {
	return pause.Config{
		WordsPerSecond: s.WordsPerSecond,
		Floor:          s.PauseFloor,
		Min:            s.PauseMin,
		Max:            s.PauseMax,
	}
}

// validateProviderName logs a warning if name is non-empty and not found in
// [ValidProviderNames].
func validateProviderName(field, name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"field", field,
		"name", name,
		"known", ValidProviderNames,
	)
}
