package caption

import "time"

// Hypothesis is a partial transcription hypothesis with its arrival time.
type Hypothesis struct {
	Text string
	At   time.Time
}

// PartialTracker tracks the latest and the longest partial hypothesis for the
// currently open segment.
//
// STT providers routinely emit a final that is shorter than the most recent
// partial: the provider commits early while the speaker is still being
// decoded. The tracker lets the finalizer substitute the longer captured
// hypothesis when it strictly extends the final.
//
// PartialTracker is not goroutine-safe; it is owned by the session loop.
type PartialTracker struct {
	latest  Hypothesis
	longest Hypothesis
}

// NewPartialTracker returns an empty tracker.
func NewPartialTracker() *PartialTracker {
	return &PartialTracker{}
}

// Update records text as the latest hypothesis and promotes it to longest iff
// it is strictly longer (by character count) than the current longest.
func (t *PartialTracker) Update(text string, now time.Time) {
	t.latest = Hypothesis{Text: text, At: now}
	if len(text) > len(t.longest.Text) {
		t.longest = Hypothesis{Text: text, At: now}
	}
}

// Latest returns the most recent hypothesis. Zero value when empty.
func (t *PartialTracker) Latest() Hypothesis { return t.latest }

// Longest returns the longest hypothesis seen since the last reset.
func (t *PartialTracker) Longest() Hypothesis { return t.longest }

// CheckLongestExtends returns the longest hypothesis text when it strictly
// extends finalText (case-insensitive, whitespace-normalized prefix match)
// and is fresher than maxAge relative to now. The boolean reports whether a
// substitution applies.
func (t *PartialTracker) CheckLongestExtends(finalText string, maxAge time.Duration, now time.Time) (string, bool) {
	return checkExtends(t.longest, finalText, maxAge, now)
}

// CheckLatestExtends is [PartialTracker.CheckLongestExtends] for the latest
// hypothesis.
func (t *PartialTracker) CheckLatestExtends(finalText string, maxAge time.Duration, now time.Time) (string, bool) {
	return checkExtends(t.latest, finalText, maxAge, now)
}

// Reset clears both hypotheses. Called at segment boundaries.
func (t *PartialTracker) Reset() {
	t.latest = Hypothesis{}
	t.longest = Hypothesis{}
}

func checkExtends(h Hypothesis, finalText string, maxAge time.Duration, now time.Time) (string, bool) {
	if h.Text == "" {
		return "", false
	}
	if maxAge > 0 && now.Sub(h.At) > maxAge {
		return "", false
	}
	if !extendsNormalized(h.Text, finalText) {
		return "", false
	}
	return h.Text, true
}
