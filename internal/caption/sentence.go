package caption

import "strings"

// SegmentedPartial is the result of [SentenceSegmenter.ProcessPartial].
type SegmentedPartial struct {
	// Live is the residual tail after the last completed sentence — the text
	// a UI shows as the in-progress line.
	Live string

	// Flushed holds any newly completed sentences, in order. Each is committed
	// immediately as its own micro-segment by the state machine.
	Flushed []string
}

// SentenceSegmenter splits a cumulative live text into completed sentences
// and a residual live tail, so long multi-sentence utterances commit sentence
// by sentence while the speaker continues.
//
// The segmenter keeps a high-water mark of what has already been handed off:
// a sentence is flushed at most once even though successive cumulative
// partials keep repeating it. Not goroutine-safe; owned by the session loop.
type SentenceSegmenter struct {
	live    string
	flushed map[string]bool // normalized sentences already handed off
}

// NewSentenceSegmenter returns an empty segmenter.
func NewSentenceSegmenter() *SentenceSegmenter {
	return &SentenceSegmenter{flushed: make(map[string]bool)}
}

// ProcessPartial detects newly completed sentences in the cumulative partial
// text and returns them along with the residual live tail. Sentences already
// flushed earlier are not returned again.
//
// A sentence is flushed only when content follows it: the speaker has moved
// on, so the sentence will not change. When the cumulative text ends exactly
// at a terminator, everything not yet flushed stays live, since a provider
// final (possibly extended) is about to consume it whole.
func (g *SentenceSegmenter) ProcessPartial(cumulative string) SegmentedPartial {
	sentences, tail := splitSentences(cumulative)
	hold := strings.TrimSpace(tail) == ""

	out := SegmentedPartial{}
	var liveParts []string
	for _, s := range sentences {
		key := normalize(s)
		if key == "" || g.flushed[key] {
			continue
		}
		if hold {
			liveParts = append(liveParts, s)
			continue
		}
		g.flushed[key] = true
		out.Flushed = append(out.Flushed, s)
	}
	if t := strings.TrimSpace(tail); t != "" {
		liveParts = append(liveParts, t)
	}
	out.Live = strings.Join(liveParts, " ")
	g.live = out.Live
	return out
}

// ProcessFinal treats text as authoritative: both complete sentences and the
// trailing fragment count. It returns the pieces that have not already been
// flushed, in order, and clears the live tail.
func (g *SentenceSegmenter) ProcessFinal(text string, forced bool) []string {
	sentences, tail := splitSentences(text)
	if strings.TrimSpace(tail) != "" {
		sentences = append(sentences, strings.TrimSpace(tail))
	}
	var out []string
	for _, s := range sentences {
		key := normalize(s)
		if key == "" || g.flushed[key] {
			continue
		}
		g.flushed[key] = true
		out = append(out, s)
	}
	g.live = ""
	_ = forced // forced finals segment identically; the flag matters upstream
	return out
}

// Live returns the current residual tail.
func (g *SentenceSegmenter) Live() string { return g.live }

// SoftReset clears the live tail but keeps the flushed high-water mark. Used
// on mid-utterance rollovers, where the cumulative stream keeps repeating the
// flushed sentences.
func (g *SentenceSegmenter) SoftReset() {
	g.live = ""
}

// Reset clears the live tail and the flushed mark. Called at utterance
// boundaries, where the provider restarts its cumulative stream.
func (g *SentenceSegmenter) Reset() {
	g.live = ""
	g.flushed = make(map[string]bool)
}

// splitSentences splits s into completed sentences and the residual tail.
// A sentence completes at a terminator rune (see sentenceTerminators),
// possibly followed by closing quotes/brackets. A '.' followed immediately by
// a digit is treated as a decimal point, not a boundary.
func splitSentences(s string) (sentences []string, tail string) {
	runes := []rune(s)
	start := 0
	i := 0
	for i < len(runes) {
		r := runes[i]
		if !sentenceTerminators[r] {
			i++
			continue
		}
		// Decimal guard: "3.5" is not a sentence boundary.
		if r == '.' && i+1 < len(runes) && runes[i+1] >= '0' && runes[i+1] <= '9' {
			i++
			continue
		}
		// Absorb runs of terminators ("...", "?!") and closing trailers.
		end := i + 1
		for end < len(runes) && (sentenceTerminators[runes[end]] || closingTrailers[runes[end]]) {
			end++
		}
		sent := strings.TrimSpace(string(runes[start:end]))
		if sent != "" {
			sentences = append(sentences, sent)
		}
		start = end
		i = end
	}
	return sentences, strings.TrimLeft(string(runes[start:]), " \t")
}
