package caption

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// similarityThreshold is the Jaro-Winkler score above which a recovery result
// is treated as a restatement of the buffer rather than new content.
const similarityThreshold = 0.90

// DiffersSubstantively reports whether recovered carries content beyond what
// buffer already says. A recovery pass frequently returns the buffered text
// verbatim (or a trivially re-punctuated version of it); committing that as a
// second segment would duplicate the caption.
func DiffersSubstantively(recovered, buffer string) bool {
	nr, nb := normalize(recovered), normalize(buffer)
	if nr == "" {
		return false
	}
	if nr == nb {
		return false
	}
	// A recovery that is a prefix of what we already hold adds nothing.
	if strings.HasPrefix(nb, nr) {
		return false
	}
	return matchr.JaroWinkler(nr, nb, false) < similarityThreshold
}

// OverlapJoin appends tail to head, dropping any leading words of tail that
// repeat the end of head. Token comparison mirrors the deduplicator:
// punctuation-stripped, case-insensitive, NFKC-normalized.
func OverlapJoin(head, tail string) string {
	head = strings.TrimSpace(head)
	tail = strings.TrimSpace(tail)
	if head == "" {
		return tail
	}
	if tail == "" {
		return head
	}

	headTokens := compareTokens(head)
	tailTokens := compareTokens(tail)
	maxCheck := len(headTokens)
	if len(tailTokens) < maxCheck {
		maxCheck = len(tailTokens)
	}
	overlap := 0
	for k := maxCheck; k >= 1; k-- {
		if tokensEqual(headTokens[len(headTokens)-k:], tailTokens[:k]) {
			overlap = k
			break
		}
	}
	if overlap == len(tailTokens) {
		return head
	}
	rest := stripLeadingWords(tail, overlap)
	if rest == "" {
		return head
	}
	return head + " " + rest
}
