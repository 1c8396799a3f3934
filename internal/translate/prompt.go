package translate

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Prompt byte budgets. Instructions ride on every request, so the rolling
// context and glossary blocks are bounded separately and the composed prompt
// is bounded overall. All truncation is UTF-8 safe: cuts land on rune
// boundaries, never inside a multi-byte sequence.
const (
	MaxContextBytes  = 4000
	MaxGlossaryBytes = 4000
	MaxPromptBytes   = 8000
)

// PromptInput is everything that goes into one instruction block.
type PromptInput struct {
	SourceLang string
	TargetLang string

	// Context is recent committed source-language text, oldest first. When it
	// exceeds the budget the oldest part is dropped.
	Context string

	// Glossary lists domain terms and required renderings. When it exceeds
	// the budget the tail is dropped.
	Glossary string

	// Partial marks an in-progress caption; the instructions allow a rougher
	// rendering that will be replaced by the final.
	Partial bool
}

// Prompt is a composed, size-bounded instruction block.
type Prompt struct {
	Text string

	// ContextTruncated and GlossaryTruncated report budget cuts, surfaced as
	// telemetry by the caller.
	ContextTruncated  bool
	GlossaryTruncated bool
}

// BuildTranslationPrompt composes the system instruction block for a
// translation request. Pure function of its input.
func BuildTranslationPrompt(in PromptInput) Prompt {
	var p Prompt

	context := in.Context
	if len(context) > MaxContextBytes {
		context = truncateHead(context, MaxContextBytes)
		p.ContextTruncated = true
	}
	glossary := in.Glossary
	if len(glossary) > MaxGlossaryBytes {
		glossary = truncateTail(glossary, MaxGlossaryBytes)
		p.GlossaryTruncated = true
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are a professional simultaneous interpreter. Translate the user's text from %s to %s.\n", in.SourceLang, in.TargetLang)
	b.WriteString("Output only the translation, with no quotes, labels, or commentary.\n")
	b.WriteString("Preserve names, numbers, and units exactly. Match the speaker's register.\n")
	if in.Partial {
		b.WriteString("The text is a live, in-progress caption and may end mid-sentence. Translate what is there; do not complete the thought.\n")
	}
	if glossary != "" {
		b.WriteString("\nGlossary (use these renderings):\n")
		b.WriteString(glossary)
		b.WriteString("\n")
	}
	if context != "" {
		b.WriteString("\nRecent transcript for context (do not translate it again):\n")
		b.WriteString(context)
		b.WriteString("\n")
	}

	text := b.String()
	if len(text) > MaxPromptBytes {
		text = truncateTail(text, MaxPromptBytes)
		p.ContextTruncated = true
	}
	p.Text = text
	return p
}

// BuildCorrectionPrompt composes the system instruction block for
// source-language cleanup of raw transcription text. Pure function of its
// input.
func BuildCorrectionPrompt(lang, glossary string) Prompt {
	var p Prompt

	if len(glossary) > MaxGlossaryBytes {
		glossary = truncateTail(glossary, MaxGlossaryBytes)
		p.GlossaryTruncated = true
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You clean up raw speech transcription in %s: fix casing, punctuation, and obvious mis-hearings.\n", lang)
	b.WriteString("Never change the meaning, drop words, or add words. When unsure, return the text unchanged.\n")
	b.WriteString("Output only the corrected text.\n")
	if glossary != "" {
		b.WriteString("\nDomain terms that are likely mis-heard:\n")
		b.WriteString(glossary)
		b.WriteString("\n")
	}

	text := b.String()
	if len(text) > MaxPromptBytes {
		text = truncateTail(text, MaxPromptBytes)
		p.GlossaryTruncated = true
	}
	p.Text = text
	return p
}

// truncateTail cuts s to at most max bytes, dropping the end. The cut lands
// on a rune boundary so no replacement characters can appear downstream.
func truncateTail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// truncateHead cuts s to at most max bytes, dropping the start. The newest
// text is the valuable part of a rolling context.
func truncateHead(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := len(s) - max
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return s[cut:]
}
