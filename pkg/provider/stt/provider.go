// Package stt defines the Provider interface for streaming Speech-to-Text
// backends.
//
// An STT provider wraps a real-time transcription service and exposes a
// uniform streaming interface. The central abstraction is Session: once
// opened, a session accepts raw PCM audio frames and emits a single ordered
// stream of Events — speech activity markers, low-latency partial hypotheses,
// and authoritative finals.
//
// Implementations must be safe for concurrent use. The events channel is
// goroutine-safe by construction.
package stt

import (
	"context"
	"time"
)

// SessionConfig describes the audio format and recognition tuning for a new
// STT session. All fields must be compatible with what the underlying
// provider supports; see each provider's documentation for valid ranges.
type SessionConfig struct {
	// SampleRate is the audio sample rate in Hz. Common values: 16000
	// (STT-optimised mono), 24000 (OpenAI realtime pcm16).
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most
	// STT providers). Implementors may downmix stereo internally.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en", "ja").
	// An empty string lets the provider auto-detect the language, if
	// supported.
	Language string

	// Model is the provider-specific transcription model name. Empty selects
	// the provider default.
	Model string

	// Prompt is a transcription steering prompt: domain vocabulary, expected
	// names, formatting instructions. Providers that do not support prompting
	// ignore it.
	Prompt string

	// NoiseReduction selects the provider's input noise reduction profile
	// ("near_field", "far_field", or empty for none).
	NoiseReduction string

	// VADThreshold tunes server-side voice activity detection sensitivity
	// (0.0–1.0). Zero selects the provider default.
	VADThreshold float64

	// SilenceDuration is how long the speaker must be silent before the
	// provider force-finalizes the current utterance. Zero selects the
	// provider default.
	SilenceDuration time.Duration

	// PrefixPadding is how much audio before detected speech onset the
	// provider keeps, so word onsets are not clipped. Zero selects the
	// provider default.
	PrefixPadding time.Duration
}

// Session represents an open STT streaming session. It is an interface so
// that test code can provide mock implementations without requiring a live
// provider connection.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type Session interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider for
	// transcription. The chunk must match the SampleRate, Channels, and
	// bit-depth agreed in SessionConfig. Calling SendAudio after Close
	// returns an error.
	SendAudio(chunk []byte) error

	// ForceCommit asks the provider to finalize whatever audio is currently
	// buffered, even though the speaker has not paused. The resulting final
	// arrives as a regular EventFinal with Forced set.
	ForceCommit() error

	// UpdatePrompt replaces the active transcription prompt without
	// restarting the session. Providers that do not support mid-session
	// prompt updates may return an error. Changes take effect on a
	// best-effort basis; already-buffered audio may still use the previous
	// prompt.
	UpdatePrompt(prompt string) error

	// Events returns the ordered event stream for this session. The channel
	// is closed when the session ends; a terminal transport failure is
	// delivered as an EventError before the close.
	Events() <-chan Event

	// Close terminates the session, flushes any pending audio, and releases
	// all associated resources. After Close returns the Events channel will
	// be closed. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously (the session pool opens several and round-robins audio
// across them).
type Provider interface {
	// OpenSession opens a new streaming transcription session with the given
	// audio format and recognition configuration. The returned Session is
	// ready to accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session
	// (authentication failure, unsupported configuration, or ctx already
	// cancelled). The caller owns the Session and must call Close when done.
	OpenSession(ctx context.Context, cfg SessionConfig) (Session, error)
}
