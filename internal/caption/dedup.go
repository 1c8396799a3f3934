package caption

import (
	"strings"
	"time"
)

// Default deduplication bounds.
const (
	DefaultDedupWindow     = 5 * time.Second
	DefaultDedupMaxWords   = 10
	DefaultDedupMinOverlap = 2
)

// Deduplicator removes leading-word overlap between a newer text and the last
// committed final. Overlap arises when forced commits and recovery both carry
// the tail of the previous utterance, or when a provider re-emits the end of
// a turn at the start of the next one.
//
// Deduplicator is a pure function object: it never errors and holds no
// mutable state, so a single value may be shared freely.
type Deduplicator struct {
	// Window bounds how long after the previous commit deduplication still
	// applies. Outside the window the new text is returned unchanged.
	Window time.Duration

	// MaxWords is the maximum overlap length considered: up to MaxWords words
	// from the suffix of the previous text are compared against the prefix of
	// the new text.
	MaxWords int

	// MinOverlap is the minimum matching word count required before anything
	// is stripped. Shorter matches are treated as coincidence.
	MinOverlap int
}

// NewDeduplicator returns a Deduplicator with the default bounds.
func NewDeduplicator() Deduplicator {
	return Deduplicator{
		Window:     DefaultDedupWindow,
		MaxWords:   DefaultDedupMaxWords,
		MinOverlap: DefaultDedupMinOverlap,
	}
}

// Dedup compares newText against previousText (committed at previousAt) and
// returns newText with any qualifying leading overlap removed, along with the
// number of words stripped.
//
// Tokenization is whitespace splitting with punctuation stripping; comparison
// is case-insensitive and Unicode-normalized. The longest suffix/prefix match
// of length >= MinOverlap (capped at MaxWords) wins.
func (d Deduplicator) Dedup(newText, previousText string, previousAt, now time.Time) (string, int) {
	if newText == "" || previousText == "" {
		return newText, 0
	}
	if d.Window > 0 && now.Sub(previousAt) > d.Window {
		return newText, 0
	}

	prevTokens := compareTokens(previousText)
	newTokens := compareTokens(newText)
	if len(prevTokens) == 0 || len(newTokens) == 0 {
		return newText, 0
	}

	maxCheck := d.MaxWords
	if maxCheck <= 0 {
		maxCheck = DefaultDedupMaxWords
	}
	if maxCheck > len(prevTokens) {
		maxCheck = len(prevTokens)
	}
	if maxCheck > len(newTokens) {
		maxCheck = len(newTokens)
	}

	// Longest k such that the last k words of previous equal the first k
	// words of new.
	overlap := 0
	for k := maxCheck; k >= 1; k-- {
		if tokensEqual(prevTokens[len(prevTokens)-k:], newTokens[:k]) {
			overlap = k
			break
		}
	}

	minOverlap := d.MinOverlap
	if minOverlap <= 0 {
		minOverlap = DefaultDedupMinOverlap
	}
	if overlap < minOverlap {
		return newText, 0
	}

	return stripLeadingWords(newText, overlap), overlap
}

// stripLeadingWords removes the first n whitespace-separated words from the
// original text, preserving the remainder's spelling and spacing.
func stripLeadingWords(s string, n int) string {
	starts := wordStarts(s)
	if n >= len(starts) {
		return ""
	}
	return strings.TrimLeft(s[starts[n]:], " \t")
}

func tokensEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
