package caption

import (
	"regexp"
	"strings"
	"time"
)

// Finalization timing defaults. All of these are overridable via
// [FinalizationConfig].
const (
	DefaultBaseWait        = 1000 * time.Millisecond
	DefaultFalseFinalWait  = 3000 * time.Millisecond
	DefaultMaxWait         = 8000 * time.Millisecond
	DefaultIncompleteFloor = 1500 * time.Millisecond
	DefaultIncompleteCeil  = 3000 * time.Millisecond
	DefaultPerCharWait     = 10 * time.Millisecond

	// DefaultFalseFinalMaxLen is the length under which a terminated final is
	// checked against the false-final patterns.
	DefaultFalseFinalMaxLen = 25
)

// DefaultFalseFinalPatterns match short provider finals that end with a
// period yet are almost certainly incomplete ("You just can't."). The list is
// configuration-driven; these are the shipped defaults.
var DefaultFalseFinalPatterns = []string{
	`(?i)\b(?:can't|cannot|can|don't|won't|didn't|doesn't|isn't|aren't|wasn't)\.$`,
	`(?i)\b(?:and|but|so|or|because|that|which|who|to|of|the|a|an|with|for|in|on|at|by|is|are|was|were|i|you|we|they|he|she|it)\.$`,
	`(?i)\b(?:gonna|wanna|gotta|kinda)\.$`,
}

// FinalizationConfig tunes the [FinalizationEngine].
type FinalizationConfig struct {
	// BaseWait is the default commit delay for a complete-looking final.
	BaseWait time.Duration

	// FalseFinalWait replaces BaseWait when the false-final heuristic fires.
	FalseFinalWait time.Duration

	// MaxWait is the ceiling: no pending finalization outlives
	// createdAt + MaxWait regardless of how often it is extended.
	MaxWait time.Duration

	// IncompleteFloor/IncompleteCeil clamp the length-scaled wait applied to
	// text that does not end with a sentence terminator.
	IncompleteFloor time.Duration
	IncompleteCeil  time.Duration

	// PerChar is the per-character contribution to the incomplete-text wait.
	PerChar time.Duration

	// FalseFinalMaxLen is the maximum character length a final may have and
	// still be considered a false-final candidate.
	FalseFinalMaxLen int

	// FalseFinalPatterns are the compiled common-incomplete patterns.
	FalseFinalPatterns []*regexp.Regexp
}

// DefaultFinalizationConfig returns the shipped defaults with the default
// false-final pattern list compiled.
func DefaultFinalizationConfig() FinalizationConfig {
	cfg := FinalizationConfig{
		BaseWait:         DefaultBaseWait,
		FalseFinalWait:   DefaultFalseFinalWait,
		MaxWait:          DefaultMaxWait,
		IncompleteFloor:  DefaultIncompleteFloor,
		IncompleteCeil:   DefaultIncompleteCeil,
		PerChar:          DefaultPerCharWait,
		FalseFinalMaxLen: DefaultFalseFinalMaxLen,
	}
	for _, p := range DefaultFalseFinalPatterns {
		cfg.FalseFinalPatterns = append(cfg.FalseFinalPatterns, regexp.MustCompile(p))
	}
	return cfg
}

// pendingFinalization is the at-most-one final candidate held by the engine.
type pendingFinalization struct {
	text      string
	createdAt time.Time
	maxWaitAt time.Time
	timer     Timer
}

// FinalizationEngine holds at most one pending final candidate with its
// commit timer. The engine never commits: it only fires the callback the
// state machine registered when it scheduled the commit.
//
// Not goroutine-safe; owned by the session loop. Timer callbacks are armed by
// the machine, which wraps them so they re-enter the loop.
type FinalizationEngine struct {
	clock   Clock
	cfg     FinalizationConfig
	pending *pendingFinalization
}

// NewFinalizationEngine creates an engine using clock for timers.
func NewFinalizationEngine(clock Clock, cfg FinalizationConfig) *FinalizationEngine {
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	return &FinalizationEngine{clock: clock, cfg: cfg}
}

// Create sets the pending finalization, computing the max-wait deadline.
// Any previous pending state (and its timer) is discarded.
func (e *FinalizationEngine) Create(text string, now time.Time) {
	e.Clear()
	e.pending = &pendingFinalization{
		text:      text,
		createdAt: now,
		maxWaitAt: now.Add(e.cfg.MaxWait),
	}
}

// UpdateText replaces the pending text after an extension by a later-arriving
// partial, refreshing createdAt so a subsequent reschedule postpones the
// commit. The max-wait deadline is never advanced.
func (e *FinalizationEngine) UpdateText(text string, now time.Time) {
	if e.pending == nil {
		return
	}
	e.pending.text = text
	e.pending.createdAt = now
}

// ScheduleCommit cancels any armed timer and arms a new one for after,
// clamped so it never fires later than the pending max-wait deadline.
// onFire runs on an arbitrary goroutine; the machine wraps it to re-enter the
// session loop.
func (e *FinalizationEngine) ScheduleCommit(after time.Duration, now time.Time, onFire func()) {
	if e.pending == nil {
		return
	}
	if e.pending.timer != nil {
		e.pending.timer.Stop()
	}
	if budget := e.pending.maxWaitAt.Sub(now); after > budget {
		after = budget
	}
	if after < 0 {
		after = 0
	}
	e.pending.timer = e.clock.AfterFunc(after, onFire)
}

// CalculateWaitTime returns the commit delay for text. Text that does not end
// with a sentence terminator waits for a length-scaled duration, clamped to
// [IncompleteFloor, IncompleteCeil], and never less than base. Terminated
// text waits exactly base.
func (e *FinalizationEngine) CalculateWaitTime(text string, base time.Duration) time.Duration {
	if endsWithTerminator(text) {
		return base
	}
	w := time.Duration(len(text)) * e.cfg.PerChar
	if w < e.cfg.IncompleteFloor {
		w = e.cfg.IncompleteFloor
	}
	if w > e.cfg.IncompleteCeil {
		w = e.cfg.IncompleteCeil
	}
	if w < base {
		w = base
	}
	return w
}

// IsFalseFinal reports whether text looks like a provider final that cut the
// speaker off mid-thought: short, period-terminated, and matching one of the
// configured common-incomplete patterns. Such finals get the longer
// FalseFinalWait so trailing partials can rescue the rest of the sentence.
func (e *FinalizationEngine) IsFalseFinal(text string) bool {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) >= e.cfg.FalseFinalMaxLen || !strings.HasSuffix(trimmed, ".") {
		return false
	}
	for _, p := range e.cfg.FalseFinalPatterns {
		if p.MatchString(trimmed) {
			return true
		}
	}
	return false
}

// BaseWaitFor returns the base wait for text: FalseFinalWait when the
// false-final heuristic fires, BaseWait otherwise.
func (e *FinalizationEngine) BaseWaitFor(text string) time.Duration {
	if e.IsFalseFinal(text) {
		return e.cfg.FalseFinalWait
	}
	return e.cfg.BaseWait
}

// Pending returns the pending text and whether a finalization is pending.
func (e *FinalizationEngine) Pending() (string, bool) {
	if e.pending == nil {
		return "", false
	}
	return e.pending.text, true
}

// CreatedAt returns the (possibly refreshed) creation time of the pending
// finalization, or the zero time when none is pending.
func (e *FinalizationEngine) CreatedAt() time.Time {
	if e.pending == nil {
		return time.Time{}
	}
	return e.pending.createdAt
}

// Clear cancels the timer and drops the pending state.
func (e *FinalizationEngine) Clear() {
	if e.pending != nil && e.pending.timer != nil {
		e.pending.timer.Stop()
	}
	e.pending = nil
}
