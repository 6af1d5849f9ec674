package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"embeddings": {"openai", "ollama"},
	"telephony":  {"wsmedia", "device", "opus"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Audio.FrameMs == 0 {
		cfg.Audio.FrameMs = DefaultFrameMs
	}
	if cfg.Audio.TelephonyRate == 0 {
		cfg.Audio.TelephonyRate = DefaultTelephonyRate
	}
	if cfg.Audio.ModelRate == 0 {
		cfg.Audio.ModelRate = DefaultModelRate
	}
	if cfg.Suggestion.MaxQueueSize == 0 {
		cfg.Suggestion.MaxQueueSize = DefaultMaxQueueSize
	}
	if cfg.Suggestion.RateLimitMs == 0 {
		cfg.Suggestion.RateLimitMs = DefaultRateLimitMs
	}
	if cfg.Model.StepTimeoutMultiplier == 0 {
		cfg.Model.StepTimeoutMultiplier = DefaultStepTimeoutMul
	}
	if cfg.Memory.TopK == 0 {
		cfg.Memory.TopK = DefaultMemoryTopK
	}
	if cfg.Codec.Endpoint == "" {
		cfg.Codec.Endpoint = cfg.Model.Endpoint
	}
	if cfg.Codec.APIKey == "" {
		cfg.Codec.APIKey = cfg.Model.APIKey
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found, so a bad
// config is rejected completely before any session state exists.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Suggestion channel: enabled means authenticated.
	if cfg.Suggestion.ListenAddr != "" && cfg.Suggestion.AuthToken == "" {
		errs = append(errs, errors.New("suggestion.auth_token is required when suggestion.listen_addr is set"))
	}
	if cfg.Suggestion.MaxQueueSize < 0 {
		errs = append(errs, fmt.Errorf("suggestion.max_queue_size %d must not be negative", cfg.Suggestion.MaxQueueSize))
	}
	if cfg.Suggestion.RateLimitMs < 0 {
		errs = append(errs, fmt.Errorf("suggestion.rate_limit_ms %d must not be negative", cfg.Suggestion.RateLimitMs))
	}

	// Audio
	if cfg.Audio.FrameMs <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_ms %d must be positive", cfg.Audio.FrameMs))
	}
	if cfg.Audio.TelephonyRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.telephony_rate %d must be positive", cfg.Audio.TelephonyRate))
	}
	if cfg.Audio.ModelRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.model_rate %d must be positive", cfg.Audio.ModelRate))
	}
	if cfg.Audio.Quality != "" && !cfg.Audio.Quality.IsValid() {
		errs = append(errs, fmt.Errorf("audio.quality %q is invalid; valid values: low, medium, high", cfg.Audio.Quality))
	}

	// Model backend
	if cfg.Model.Endpoint == "" {
		errs = append(errs, errors.New("model.endpoint is required"))
	}
	if cfg.Model.StepTimeoutMultiplier < 1 {
		errs = append(errs, fmt.Errorf("model.step_timeout_multiplier %.2f must be at least 1", cfg.Model.StepTimeoutMultiplier))
	}
	if cfg.Codec.Codebooks < 0 {
		errs = append(errs, fmt.Errorf("codec.codebooks %d must not be negative", cfg.Codec.Codebooks))
	}

	// Memory ↔ embeddings coupling
	if cfg.Memory.PostgresDSN != "" && cfg.Embeddings.Name == "" {
		errs = append(errs, errors.New("memory.postgres_dsn is set but no embeddings provider is configured"))
	}
	if cfg.Embeddings.Name != "" && cfg.Memory.PostgresDSN != "" && cfg.Memory.EmbeddingDimensions <= 0 {
		slog.Warn("memory.embedding_dimensions is not set; the store will use the provider's reported dimensions")
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("embeddings", cfg.Embeddings.Name)
	validateProviderName("telephony", cfg.Telephony.Transport)

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
