package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":         {"openai-realtime"},
	"translation": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts":         {"openai"},
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	expandSecrets(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("translation", cfg.Providers.Translation.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)

	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required; sessions cannot run without speech recognition"))
	}
	if cfg.Providers.Translation.Name == "" && len(cfg.Session.TargetLangs) > 0 {
		errs = append(errs, fmt.Errorf("session.target_langs lists %d languages but providers.translation is not configured", len(cfg.Session.TargetLangs)))
	}

	// Languages
	if cfg.Session.SourceLang != "" {
		validateLanguageTag(&errs, "session.source_lang", cfg.Session.SourceLang)
	}
	targetsSeen := make(map[string]int, len(cfg.Session.TargetLangs))
	for i, tag := range cfg.Session.TargetLangs {
		prefix := fmt.Sprintf("session.target_langs[%d]", i)
		validateLanguageTag(&errs, prefix, tag)
		if prev, ok := targetsSeen[tag]; ok {
			errs = append(errs, fmt.Errorf("%s %q is a duplicate of session.target_langs[%d]", prefix, tag, prev))
		}
		targetsSeen[tag] = i
		if tag == cfg.Session.SourceLang {
			slog.Warn("target language equals the source language; listeners of it receive transcription only",
				"lang", tag)
		}
	}
	if len(cfg.Session.TargetLangs) == 0 {
		slog.Warn("session.target_langs is empty; listeners will receive source-language captions only")
	}

	// STT pool
	if cfg.STT.PoolSize < 0 {
		errs = append(errs, fmt.Errorf("stt.pool_size %d must not be negative", cfg.STT.PoolSize))
	}
	if cfg.STT.VADThreshold < 0 || cfg.STT.VADThreshold > 1 {
		errs = append(errs, fmt.Errorf("stt.vad_threshold %.2f is out of range [0, 1]", cfg.STT.VADThreshold))
	}
	if cfg.STT.VADSilenceMs < 0 {
		errs = append(errs, fmt.Errorf("stt.vad_silence_ms %d must not be negative", cfg.STT.VADSilenceMs))
	}
	if cfg.STT.VADPrefixPaddingMs < 0 {
		errs = append(errs, fmt.Errorf("stt.vad_prefix_padding_ms %d must not be negative", cfg.STT.VADPrefixPaddingMs))
	}
	if cfg.STT.MaxBufferedBytes < 0 {
		errs = append(errs, fmt.Errorf("stt.max_buffered_bytes %d must not be negative", cfg.STT.MaxBufferedBytes))
	}

	// Finalization timing ordering
	f := cfg.Finalization
	if f.BaseWaitMs < 0 || f.FalseFinalWaitMs < 0 || f.MaxWaitMs < 0 {
		errs = append(errs, errors.New("finalization wait values must not be negative"))
	}
	if f.MaxWaitMs > 0 && f.BaseWaitMs > f.MaxWaitMs {
		errs = append(errs, fmt.Errorf("finalization.base_wait_ms %d exceeds finalization.max_wait_ms %d", f.BaseWaitMs, f.MaxWaitMs))
	}
	if f.IncompleteFloorMs > 0 && f.IncompleteCeilMs > 0 && f.IncompleteFloorMs > f.IncompleteCeilMs {
		errs = append(errs, fmt.Errorf("finalization.incomplete_floor_ms %d exceeds finalization.incomplete_ceil_ms %d", f.IncompleteFloorMs, f.IncompleteCeilMs))
	}
	for i, p := range f.FalseFinalPatterns {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, fmt.Errorf("finalization.false_final_patterns[%d] %q: %v", i, p, err))
		}
	}

	// Forced commit
	if cfg.ForcedCommit.CaptureWindowMs < 0 {
		errs = append(errs, fmt.Errorf("forced_commit.capture_window_ms %d must not be negative", cfg.ForcedCommit.CaptureWindowMs))
	}
	if cfg.ForcedCommit.PostCommitGapMs < 0 {
		errs = append(errs, fmt.Errorf("forced_commit.post_commit_gap_ms %d must not be negative", cfg.ForcedCommit.PostCommitGapMs))
	}

	// Translation
	if cfg.Translation.TimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("translation.timeout_ms %d must not be negative", cfg.Translation.TimeoutMs))
	}

	// Broadcast
	if cfg.Broadcast.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("broadcast.queue_size %d must not be negative", cfg.Broadcast.QueueSize))
	}

	// TLS
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Storage availability
	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; committed captions will not be persisted")
	}

	return errors.Join(errs...)
}

// envRef matches ${VAR} references in secret-bearing config fields.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandSecrets substitutes ${VAR} environment references in credential and
// connection fields, so secrets can stay out of the config file. Only the
// braced form is expanded; a bare $ elsewhere in the config is left alone.
func expandSecrets(cfg *Config) {
	for _, field := range []*string{
		&cfg.Providers.STT.APIKey, &cfg.Providers.STT.BaseURL,
		&cfg.Providers.Translation.APIKey, &cfg.Providers.Translation.BaseURL,
		&cfg.Providers.TTS.APIKey, &cfg.Providers.TTS.BaseURL,
		&cfg.Storage.PostgresDSN,
	} {
		*field = envRef.ReplaceAllStringFunc(*field, func(ref string) string {
			return os.Getenv(ref[2 : len(ref)-1])
		})
	}
}

// validateLanguageTag appends an error when tag is not a well-formed BCP 47
// language tag.
func validateLanguageTag(errs *[]error, field, tag string) {
	if _, err := language.Parse(tag); err != nil {
		*errs = append(*errs, fmt.Errorf("%s %q is not a valid BCP 47 language tag: %v", field, tag, err))
	}
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
