package caption

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// normalize returns s in NFKC form, lower-cased, with runs of whitespace
// collapsed to single spaces and leading/trailing whitespace removed. All
// cross-hypothesis text comparisons in this package go through normalize so
// that provider quirks (full-width punctuation, NBSP, casing) do not defeat
// extension and overlap checks.
func normalize(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ToLower(s)
	return strings.Join(strings.Fields(s), " ")
}

// extendsNormalized reports whether longer strictly extends shorter: the
// normalized form of longer starts with the normalized form of shorter and
// has additional content beyond it. Trailing sentence punctuation on shorter
// is ignored, so "you can't imagine" extends the provider final "You can't.".
func extendsNormalized(longer, shorter string) bool {
	nl, ns := normalize(longer), normalize(shorter)
	ns = strings.TrimRight(strings.TrimRightFunc(ns, func(r rune) bool {
		return sentenceTerminators[r] || closingTrailers[r]
	}), " ")
	if ns == "" {
		return nl != ""
	}
	return len(nl) > len(ns) && strings.HasPrefix(nl, ns)
}

// sameNormalized reports whether a and b are equal after normalization.
func sameNormalized(a, b string) bool {
	return normalize(a) == normalize(b)
}

// coversNormalized reports whether whole already carries part's words: part
// extends, equals, or appears inside whole after normalization. Trailing
// sentence punctuation on part is ignored, matching [extendsNormalized].
func coversNormalized(whole, part string) bool {
	if extendsNormalized(whole, part) || sameNormalized(whole, part) {
		return true
	}
	np := strings.TrimRight(strings.TrimRightFunc(normalize(part), func(r rune) bool {
		return sentenceTerminators[r] || closingTrailers[r]
	}), " ")
	return np != "" && strings.Contains(normalize(whole), np)
}

// stripWordPunct removes leading and trailing punctuation and symbol runes
// from a single token. Interior punctuation (apostrophes, hyphens) survives.
func stripWordPunct(w string) string {
	return strings.TrimFunc(w, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r)
	})
}

// compareTokens splits s into normalized comparison tokens: whitespace
// separated, punctuation-stripped, NFKC + lower-cased. Empty tokens (pure
// punctuation) are dropped.
func compareTokens(s string) []string {
	fields := strings.Fields(norm.NFKC.String(strings.ToLower(s)))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if t := stripWordPunct(f); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// sentenceTerminators are the runes that end a sentence.
var sentenceTerminators = map[rune]bool{
	'.': true, '!': true, '?': true, '…': true,
	'。': true, '！': true, '？': true,
}

// closingTrailers are runes that may legally follow a sentence terminator and
// still belong to the completed sentence (closing quotes and brackets).
var closingTrailers = map[rune]bool{
	'"': true, '\'': true, '”': true, '’': true,
	')': true, ']': true, '}': true, '»': true, '」': true, '』': true,
}

// endsWithTerminator reports whether s, ignoring trailing whitespace and
// closing quotes/brackets, ends with a sentence terminator.
func endsWithTerminator(s string) bool {
	runes := []rune(strings.TrimRight(s, " \t\n\r"))
	for i := len(runes) - 1; i >= 0; i-- {
		r := runes[i]
		if closingTrailers[r] {
			continue
		}
		return sentenceTerminators[r]
	}
	return false
}

// wordStarts returns the byte offset of the start of each whitespace-separated
// word in s. Used to strip a leading word count from the original (un-
// normalized) text while preserving its spelling and spacing.
func wordStarts(s string) []int {
	var starts []int
	inWord := false
	for i, r := range s {
		if unicode.IsSpace(r) {
			inWord = false
			continue
		}
		if !inWord {
			starts = append(starts, i)
			inWord = true
		}
	}
	return starts
}
