package caption

import (
	"log/slog"
	"strings"
	"time"
)

// Machine-level defaults.
const (
	// DefaultSegmentBreak is the idle gap after which a fresh partial starts a
	// new segment rather than continuing the previous one.
	DefaultSegmentBreak = 600 * time.Millisecond

	// DefaultExtensionMaxAge bounds how stale a tracked hypothesis may be and
	// still substitute for a shorter provider final.
	DefaultExtensionMaxAge = 3 * time.Second

	// DefaultOrphanMaxChars is the maximum normalized length of a lingering
	// partial that is silently dropped (instead of committed) at session end
	// or on a segment break.
	DefaultOrphanMaxChars = 12

	// DefaultPartialSeedMinChars and DefaultPartialSeedWait gate the
	// partial-seed rule: a partial longer than the threshold, arriving with
	// no candidate pending and no forced buffer held, seeds its own pending
	// finalization so speech never gets stuck waiting for a provider final.
	DefaultPartialSeedMinChars = 15
	DefaultPartialSeedWait     = 1500 * time.Millisecond
)

// Config bundles the tunables for a [Machine].
type Config struct {
	Finalization FinalizationConfig
	Forced       ForcedConfig
	Dedup        Deduplicator

	// SegmentBreak: idle gap separating utterance segments.
	SegmentBreak time.Duration

	// ExtensionMaxAge: freshness bound on partial-extends-final substitution.
	ExtensionMaxAge time.Duration

	// OrphanMaxChars: lingering partials at or under this normalized length
	// are dropped rather than committed when the segment is abandoned.
	OrphanMaxChars int

	// PartialSeedMinChars and PartialSeedWait tune the partial-seed rule.
	PartialSeedMinChars int
	PartialSeedWait     time.Duration

	// SentenceSegmentation flushes completed sentences out of long partials
	// as immediate micro-segment commits.
	SentenceSegmentation bool

	// Recovery launches a recovery pass (via [Emitter.StartRecovery]) for
	// every forced buffer.
	Recovery bool
}

// DefaultConfig returns the shipped defaults with sentence segmentation and
// recovery enabled.
func DefaultConfig() Config {
	return Config{
		Finalization:         DefaultFinalizationConfig(),
		Forced:               DefaultForcedConfig(),
		Dedup:                NewDeduplicator(),
		SegmentBreak:         DefaultSegmentBreak,
		ExtensionMaxAge:      DefaultExtensionMaxAge,
		OrphanMaxChars:       DefaultOrphanMaxChars,
		PartialSeedMinChars:  DefaultPartialSeedMinChars,
		PartialSeedWait:      DefaultPartialSeedWait,
		SentenceSegmentation: true,
		Recovery:             true,
	}
}

// Machine is the per-session caption state machine. It consumes partial and
// final hypotheses, runs them through the tracker, segmenter, finalization
// and forced-commit engines, and emits well-ordered commits.
//
// All methods must be called from a single goroutine (the session loop).
// Timer callbacks are marshalled back onto that goroutine through the post
// function given at construction.
type Machine struct {
	clock   Clock
	cfg     Config
	emitter Emitter
	log     *slog.Logger

	// post re-enters the session loop; timer callbacks go through it.
	post func(func())

	tracker   *PartialTracker
	segmenter *SentenceSegmenter
	finalizer *FinalizationEngine
	forcer    *ForcedCommitEngine

	nextSeq SourceSeqID
	current *Segment

	lastCommitText string
	lastCommitAt   time.Time
	lastActivityAt time.Time

	// pendingRecoveryEpoch is non-zero while a recovery launched for an
	// already-committed forced buffer is still outstanding.
	pendingRecoveryEpoch uint64
	pendingRecoveryText  string

	closed bool
}

// NewMachine builds a machine. post marshals timer callbacks onto the session
// loop; when nil, callbacks run inline on the timer goroutine (only safe in
// tests driving a synchronous fake clock).
func NewMachine(clock Clock, emitter Emitter, cfg Config, log *slog.Logger, post func(func())) *Machine {
	if log == nil {
		log = slog.Default()
	}
	if cfg.SegmentBreak <= 0 {
		cfg.SegmentBreak = DefaultSegmentBreak
	}
	if cfg.ExtensionMaxAge <= 0 {
		cfg.ExtensionMaxAge = DefaultExtensionMaxAge
	}
	if cfg.OrphanMaxChars <= 0 {
		cfg.OrphanMaxChars = DefaultOrphanMaxChars
	}
	if cfg.PartialSeedMinChars <= 0 {
		cfg.PartialSeedMinChars = DefaultPartialSeedMinChars
	}
	if cfg.PartialSeedWait <= 0 {
		cfg.PartialSeedWait = DefaultPartialSeedWait
	}
	if cfg.Dedup == (Deduplicator{}) {
		cfg.Dedup = NewDeduplicator()
	}
	if post == nil {
		post = func(fn func()) { fn() }
	}
	return &Machine{
		clock:     clock,
		cfg:       cfg,
		emitter:   emitter,
		log:       log,
		post:      post,
		tracker:   NewPartialTracker(),
		segmenter: NewSentenceSegmenter(),
		finalizer: NewFinalizationEngine(clock, cfg.Finalization),
		forcer:    NewForcedCommitEngine(clock, cfg.Forced),
	}
}

// CurrentState returns the state of the active segment, or StateDropped when
// none is open.
func (m *Machine) CurrentState() State {
	if m.current == nil {
		return StateDropped
	}
	return m.current.State
}

// HandlePartial processes a partial hypothesis.
func (m *Machine) HandlePartial(text string) {
	if m.closed {
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	now := m.clock.Now()

	// A partial that merely restates the last commit is an echo.
	if m.isEchoOfLastCommit(text, now) {
		return
	}

	// A forced buffer is open: the partial either rescues its tail, starts
	// the next segment behind it, or is noise.
	if m.forcer.HasBuffer() {
		if m.forcer.CheckPartialExtends(text, now) {
			m.tracker.Update(text, now)
			m.lastActivityAt = now
			m.emitPartial(text, now)
			return
		}
		if m.forcer.IsNewSegment(text) {
			m.forcer.ShortenWindow(now, m.timerFn(m.onForcedWindowExpired))
			m.openSegment(now)
			m.tracker.Reset()
			m.segmenter.Reset()
		}
		// Short non-extending partials during the window are tracked but do
		// not disturb the buffer.
	}

	// Idle gap: the previous utterance ended without a final.
	if m.current != nil && m.current.State == StateOpen &&
		!m.lastActivityAt.IsZero() && now.Sub(m.lastActivityAt) > m.cfg.SegmentBreak &&
		!extendsNormalized(text, m.tracker.Latest().Text) && !sameNormalized(text, m.tracker.Latest().Text) {
		m.abandonOpenSegment(now)
	}

	if m.current == nil || m.current.State.Terminal() {
		m.openSegment(now)
	}
	m.lastActivityAt = now
	m.tracker.Update(text, now)

	// Sentence segmentation first: completed sentences the speaker has moved
	// past commit immediately as micro-segments, and everything downstream
	// works on the residual live text.
	live := text
	if m.cfg.SentenceSegmentation {
		seg := m.segmenter.ProcessPartial(text)
		for _, sentence := range seg.Flushed {
			m.commitText(sentence, false, now)
			m.openSegment(now)
			m.tracker.Update(text, now)
		}
		live = seg.Live
	}

	// A pending final candidate can be rescued by a fresher, longer partial.
	if pending, ok := m.finalizer.Pending(); ok {
		if extendsNormalized(live, pending) {
			m.finalizer.UpdateText(live, now)
			wait := m.finalizer.CalculateWaitTime(live, m.finalizer.BaseWaitFor(live))
			m.finalizer.ScheduleCommit(wait, now, m.timerFn(m.onFinalizeTimer))
			if m.current != nil {
				m.current.OriginalText = live
			}
			m.emitPartial(live, now)
			return
		}
		// A non-extending partial well past the candidate means the speaker
		// moved on: the candidate commits now and the partial opens the next
		// segment. The cumulative stream keeps running, so the flushed
		// high-water mark survives the rollover.
		if !sameNormalized(live, pending) && now.Sub(m.finalizer.CreatedAt()) > m.cfg.SegmentBreak {
			m.commitText(pending, false, now)
			m.segmenter.SoftReset()
			m.openSegment(now)
			m.tracker.Update(live, now)
		}
	}

	m.seedPartialFinalization(live, now)
	if live != "" {
		m.emitPartial(live, now)
	}
}

// seedPartialFinalization applies the partial-seed rule: a substantial
// partial with no candidate pending and no forced buffer held arms its own
// finalization, so a provider that never sends a final cannot strand speech.
func (m *Machine) seedPartialFinalization(live string, now time.Time) {
	if m.forcer.HasBuffer() {
		return
	}
	if _, ok := m.finalizer.Pending(); ok {
		return
	}
	if len(normalize(live)) <= m.cfg.PartialSeedMinChars {
		return
	}
	m.finalizer.Create(live, now)
	wait := m.finalizer.CalculateWaitTime(live, m.cfg.PartialSeedWait)
	m.finalizer.ScheduleCommit(wait, now, m.timerFn(m.onFinalizeTimer))
}

// isEchoOfLastCommit reports whether text adds nothing over the last commit:
// within the dedup window and covered by the committed text.
func (m *Machine) isEchoOfLastCommit(text string, now time.Time) bool {
	if m.lastCommitText == "" {
		return false
	}
	if w := m.cfg.Dedup.Window; w > 0 && now.Sub(m.lastCommitAt) > w {
		return false
	}
	return sameNormalized(text, m.lastCommitText) || extendsNormalized(m.lastCommitText, text)
}

// HandleFinal processes a provider final. forced marks a pause-induced final
// (silence timeout or an explicit force-commit request).
func (m *Machine) HandleFinal(text string, forced bool) {
	if m.closed {
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	now := m.clock.Now()
	m.lastActivityAt = now

	// Substitution: the longest fresh partial that strictly extends the final
	// replaces it. Providers cut finals short while the tail is still being
	// decoded.
	if longer, ok := m.tracker.CheckLongestExtends(text, m.cfg.ExtensionMaxAge, now); ok {
		m.log.Debug("final extended by tracked partial",
			"final_len", len(text), "partial_len", len(longer))
		text = longer
	} else if longer, ok := m.tracker.CheckLatestExtends(text, m.cfg.ExtensionMaxAge, now); ok {
		text = longer
	}

	// A final that restates the last commit is an echo.
	if m.isEchoOfLastCommit(text, now) {
		m.finalizer.Clear()
		m.tracker.Reset()
		m.segmenter.Reset()
		return
	}

	// A pending candidate whose words the new final does not carry commits
	// first, so they are never silently replaced. A final that covers the
	// pending — as a prefix, or mid-text when the cumulative stream repeats
	// already-flushed sentences — supersedes it instead. Sentences flushed as
	// micro-segments stay marked, or the final would commit them again.
	if pending, ok := m.finalizer.Pending(); ok && !coversNormalized(text, pending) {
		m.commitText(pending, false, now)
		m.segmenter.SoftReset()
		m.openSegment(now)
	}

	if m.current == nil || m.current.State.Terminal() {
		m.openSegment(now)
	}

	if forced {
		m.handleForcedFinal(text, now)
		return
	}

	// An earlier forced buffer still open when a regular final lands: the
	// final supersedes it when it covers the buffer, otherwise the buffer
	// flushes first to preserve order.
	if m.forcer.HasBuffer() {
		if extendsNormalized(text, m.forcer.BufferText()) || sameNormalized(text, m.forcer.BufferText()) {
			m.forcer.ClearBuffer()
			m.pendingRecoveryEpoch = 0
		} else {
			m.commitText(m.forcer.BufferText(), true, now)
			m.forcer.ClearBuffer()
			m.pendingRecoveryEpoch = 0
			m.openSegment(now)
		}
	}

	if m.cfg.SentenceSegmentation {
		pieces := m.segmenter.ProcessFinal(text, false)
		// The provider restarts its cumulative partial stream after a final.
		m.segmenter.Reset()
		if len(pieces) == 0 {
			// Everything was already flushed sentence by sentence.
			m.finalizer.Clear()
			m.tracker.Reset()
			return
		}
		// The unflushed remainder commits as one segment; already-flushed
		// sentences are filtered out, not re-committed.
		text = strings.Join(pieces, " ")
	}

	m.promoteCandidate(text, now)
}

// handleForcedFinal buffers a pause-induced final and, when enabled, launches
// a recovery pass for it.
func (m *Machine) handleForcedFinal(text string, now time.Time) {
	// An earlier buffer still open: supersede it when the new final covers
	// it, otherwise flush it first so its words are not lost.
	if m.forcer.HasBuffer() {
		old := m.forcer.BufferText()
		m.forcer.ClearBuffer()
		m.pendingRecoveryEpoch = 0
		if !extendsNormalized(text, old) && !sameNormalized(text, old) {
			m.commitText(old, true, now)
			m.openSegment(now)
		}
	}

	m.current.State = StateForcedBuffered
	m.current.Forced = true
	if m.current.ID == 0 {
		m.current.ID = m.allocSeq()
	}
	m.current.CandidateAt = now
	m.current.PartialSnapshot = m.tracker.Longest().Text

	m.finalizer.Clear()
	m.segmenter.Reset()
	m.forcer.CreateBuffer(text, now, m.timerFn(m.onForcedWindowExpired))

	if m.cfg.Recovery {
		if epoch, ok := m.forcer.BeginRecovery(); ok {
			m.current.State = StateRecovering
			m.current.RecoveryEpoch = epoch
			m.emitter.StartRecovery(epoch, text)
		}
	}
}

// promoteCandidate moves the current segment to FINAL_CANDIDATE and arms the
// commit timer.
func (m *Machine) promoteCandidate(text string, now time.Time) {
	if m.current.ID == 0 {
		m.current.ID = m.allocSeq()
	}
	m.current.State = StateFinalCandidate
	m.current.OriginalText = text
	m.current.CandidateAt = now
	m.current.PartialSnapshot = m.tracker.Longest().Text

	m.finalizer.Create(text, now)
	wait := m.finalizer.CalculateWaitTime(text, m.finalizer.BaseWaitFor(text))
	m.finalizer.ScheduleCommit(wait, now, m.timerFn(m.onFinalizeTimer))
}

// HandleRecoveryResult delivers the outcome of a recovery pass. Results with
// a stale epoch are discarded. err is logged only; a failed recovery falls
// back to committing the buffer as-is when the window expires.
func (m *Machine) HandleRecoveryResult(epoch uint64, text string, err error) {
	if m.closed {
		return
	}
	now := m.clock.Now()

	// Buffer already committed at window expiry; the recovery remainder, if
	// any, becomes a follow-up forced segment.
	if m.pendingRecoveryEpoch != 0 && epoch == m.pendingRecoveryEpoch {
		m.pendingRecoveryEpoch = 0
		committed := m.pendingRecoveryText
		m.pendingRecoveryText = ""
		if err != nil {
			m.log.Warn("recovery failed after buffer commit", "error", err)
			return
		}
		m.commitRecoveryRemainder(text, committed, now)
		return
	}

	if !m.forcer.EpochCurrent(epoch) {
		m.log.Debug("discarding stale recovery result", "epoch", epoch)
		return
	}
	if err != nil {
		m.log.Warn("recovery failed, committing buffer on window expiry", "error", err)
		// Window timer still armed; buffer commits as-is when it fires.
		return
	}

	buffer := m.forcer.BufferText()
	m.forcer.ClearBuffer()
	m.commitText(buffer, true, now)
	m.commitRecoveryRemainder(text, buffer, now)
}

// commitRecoveryRemainder commits whatever the recovery text adds beyond the
// already-committed buffer, as its own forced segment. A recovery that merely
// restates the buffer produces nothing; a strict extension always carries its
// tail through.
func (m *Machine) commitRecoveryRemainder(recovered, committed string, now time.Time) {
	recovered = strings.TrimSpace(recovered)
	if recovered == "" {
		return
	}
	extension := extendsNormalized(recovered, committed)
	if !extension && !DiffersSubstantively(recovered, committed) {
		return
	}
	// Recovery passes routinely repeat a single trailing word of the buffer,
	// so the overlap floor drops to one word here.
	d := m.cfg.Dedup
	d.MinOverlap = 1
	remainder, _ := d.Dedup(recovered, committed, now, now)
	remainder = strings.TrimSpace(remainder)
	if remainder == "" {
		return
	}
	if !extension && !DiffersSubstantively(remainder, committed) {
		return
	}
	m.openSegment(now)
	m.commitText(remainder, true, now)
	m.segmenter.Reset()
}

// onFinalizeTimer fires when the pending finalization wait elapses.
func (m *Machine) onFinalizeTimer() {
	if m.closed {
		return
	}
	text, ok := m.finalizer.Pending()
	if !ok {
		return
	}
	now := m.clock.Now()

	// Last chance: a fresh partial that extends the pending text wins even if
	// it never re-triggered a reschedule.
	if longer, ok := m.tracker.CheckLongestExtends(text, m.cfg.ExtensionMaxAge, now); ok {
		text = longer
	}
	m.commitText(text, false, now)
	m.segmenter.Reset()
}

// onForcedWindowExpired fires when the forced capture window closes.
func (m *Machine) onForcedWindowExpired() {
	if m.closed || !m.forcer.HasBuffer() {
		return
	}
	now := m.clock.Now()
	text := m.forcer.BufferText()

	// A recovery still in flight: commit the buffer now and remember the
	// epoch so the remainder can follow as its own segment.
	if m.forcer.Recovering() {
		m.pendingRecoveryEpoch = m.forcer.BufferEpoch()
		m.pendingRecoveryText = text
	}
	m.forcer.ClearBuffer()
	m.commitText(text, true, now)
	m.segmenter.Reset()
}

// Flush commits any held state immediately: the pending finalization first,
// then the forced buffer. Lingering short partials are dropped; longer ones
// commit as forced segments so no speech is lost at shutdown.
func (m *Machine) Flush() {
	if m.closed {
		return
	}
	now := m.clock.Now()

	if text, ok := m.finalizer.Pending(); ok {
		m.commitText(text, false, now)
	}
	if m.forcer.HasBuffer() {
		text := m.forcer.BufferText()
		m.forcer.ClearBuffer()
		m.commitText(text, true, now)
	}
	if m.current != nil && m.current.State == StateOpen {
		live := m.tracker.Latest().Text
		if m.cfg.SentenceSegmentation {
			live = m.segmenter.Live()
			if live == "" {
				live = m.tracker.Latest().Text
			}
		}
		if len(normalize(live)) > m.cfg.OrphanMaxChars {
			m.commitText(live, true, now)
		} else if live != "" {
			m.current.State = StateDropped
			m.log.Debug("dropped orphan partial at flush", "len", len(live))
		}
	}
	m.pendingRecoveryEpoch = 0
	m.pendingRecoveryText = ""
}

// Close flushes and permanently stops the machine. Safe to call once.
func (m *Machine) Close() {
	if m.closed {
		return
	}
	m.Flush()
	m.finalizer.Clear()
	m.forcer.ClearBuffer()
	m.closed = true
}

// commitText is the commit gate: deduplication against the previous commit,
// state transition to COMMITTED, and emission happen together, so no observer
// can see a committed segment without its event or vice versa.
func (m *Machine) commitText(text string, forced bool, now time.Time) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	deduped, words := m.cfg.Dedup.Dedup(text, m.lastCommitText, m.lastCommitAt, now)
	deduped = strings.TrimSpace(deduped)
	if deduped == "" || m.isEchoOfLastCommit(deduped, now) {
		m.log.Debug("commit fully deduplicated, dropping", "words", words)
		m.resetForNextSegment()
		return
	}

	if m.current == nil || m.current.State.Terminal() {
		m.openSegment(now)
	}
	if m.current.ID == 0 {
		m.current.ID = m.allocSeq()
	}
	m.current.OriginalText = deduped
	m.current.Forced = m.current.Forced || forced
	m.current.State = StateCommitted
	m.current.CommittedAt = now

	m.emitter.EmitCommit(Commit{
		Seq:          m.current.ID,
		Text:         deduped,
		Forced:       m.current.Forced,
		WordsDeduped: words,
		CommittedAt:  now,
	})

	m.lastCommitText = deduped
	m.lastCommitAt = now
	m.resetForNextSegment()
}

// resetForNextSegment clears the per-segment engines after a commit or a
// fully-deduplicated drop. The sentence segmenter is deliberately left alone:
// micro-segment commits happen mid-utterance while the cumulative partial
// stream keeps repeating the flushed sentences, and clearing the flushed set
// here would re-commit them. The segmenter resets at true utterance
// boundaries (finals, forced flushes, abandons).
func (m *Machine) resetForNextSegment() {
	m.tracker.Reset()
	m.finalizer.Clear()
}

// abandonOpenSegment resolves an OPEN segment whose speaker went quiet with
// no final: substantial live text commits as a forced segment, a short orphan
// drops.
func (m *Machine) abandonOpenSegment(now time.Time) {
	live := m.tracker.Latest().Text
	if m.cfg.SentenceSegmentation && m.segmenter.Live() != "" {
		live = m.segmenter.Live()
	}
	if len(normalize(live)) > m.cfg.OrphanMaxChars {
		m.commitText(live, true, now)
		m.segmenter.Reset()
		return
	}
	if m.current != nil {
		m.current.State = StateDropped
	}
	m.resetForNextSegment()
	m.segmenter.Reset()
	m.current = nil
}

func (m *Machine) openSegment(now time.Time) {
	m.current = &Segment{
		State:        StateOpen,
		Translations: make(map[string]string),
		CreatedAt:    now,
	}
}

func (m *Machine) allocSeq() SourceSeqID {
	m.nextSeq++
	return m.nextSeq
}

func (m *Machine) emitPartial(text string, now time.Time) {
	var seq SourceSeqID
	if m.current != nil {
		seq = m.current.ID
	}
	m.emitter.EmitPartial(seq, text, now)
}

// timerFn wraps a callback so it re-enters the session loop.
func (m *Machine) timerFn(fn func()) func() {
	return func() { m.post(fn) }
}
