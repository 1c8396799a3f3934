// Package tts defines the Provider interface for Text-to-Speech backends.
//
// Listeners can opt in to spoken captions: each committed, translated segment
// is synthesised in the listener's target language and streamed alongside the
// text caption. Synthesis is per-segment, never on partials — partial text is
// unstable by nature and re-voicing revisions would be unlistenable.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis requests
// may run in parallel (one per listener language).
type Provider interface {
	// Synthesize renders req.Text into raw PCM audio. The returned channel
	// emits audio byte slices as they are produced and is closed by the
	// implementation when synthesis completes or ctx is cancelled — enabling
	// playback to start before the full segment is rendered.
	//
	// The caller must drain the channel to avoid blocking the provider's
	// internal goroutines. Returns a non-nil error only if the stream cannot
	// be started; mid-stream failures are signalled by closing the channel
	// early, and callers should check ctx.Err() to distinguish cancellation.
	Synthesize(ctx context.Context, req Request) (<-chan []byte, error)

	// ListVoices returns the voices available from this provider. The list
	// reflects the provider's current catalogue and may change between calls.
	ListVoices(ctx context.Context) ([]Voice, error)
}
