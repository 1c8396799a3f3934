// Package translate defines the Provider interface for machine translation
// backends.
//
// A translation provider wraps a remote model API (e.g., OpenAI chat
// completions or any any-llm-go backend) behind a uniform single-shot
// interface. The caller composes the instruction text; providers only carry
// it to the model and return the translated string.
//
// Implementors must be safe for concurrent use and must honour context
// cancellation: live captioning cancels superseded partial translations
// aggressively.
package translate

import "context"

// Request carries one translation unit.
type Request struct {
	// Text is the source-language text to translate.
	Text string

	// SourceLang and TargetLang are BCP 47 language tags ("en", "pt-BR").
	SourceLang string
	TargetLang string

	// Instructions is the full system instruction block: translation rules,
	// rolling context, and glossary, already composed and size-bounded by the
	// caller.
	Instructions string

	// Partial marks an in-progress caption. Providers may trade quality for
	// latency (smaller model, lower reasoning effort) on partial requests.
	Partial bool
}

// Provider is the abstraction over any translation backend.
type Provider interface {
	// Translate returns the translation of req.Text into req.TargetLang.
	// It must return promptly with ctx.Err() when ctx is cancelled.
	Translate(ctx context.Context, req Request) (string, error)
}

// Corrector optionally cleans up raw transcription text in the source
// language (casing, punctuation, obvious mis-hearings) before display and
// translation. Implementations must never change meaning; when unsure they
// return the input unchanged.
type Corrector interface {
	Correct(ctx context.Context, text, lang, instructions string) (string, error)
}
