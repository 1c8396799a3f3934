// Package caption implements the caption stabilization pipeline: the stateful
// protocol that turns a noisy stream of STT partial/final hypotheses into a
// well-ordered sequence of at-most-one committed final per utterance segment.
//
// The package is deliberately transport-free. It knows nothing about
// WebSockets, translation providers, or listeners; it consumes partial and
// final hypothesis text on a single goroutine (the session loop) and emits
// commits and live-partial updates through an [Emitter]. All time-dependent
// behaviour goes through a [Clock] so that the full state machine can be
// exercised in tests without real timers.
package caption

import (
	"fmt"
	"time"
)

// SourceSeqID identifies a committed (or candidate) segment within a session.
// IDs are allocated monotonically when a segment is first promoted to
// FINAL_CANDIDATE or FORCED_BUFFERED. The zero value means "not yet assigned"
// and is used on live-only partial updates.
type SourceSeqID uint64

// State is the lifecycle state of a [Segment].
type State int

const (
	// StateOpen — the segment is accumulating partial hypotheses.
	StateOpen State = iota

	// StateFinalCandidate — a provider final (or a long-lived partial) has been
	// promoted to a pending finalization; a commit timer is armed.
	StateFinalCandidate

	// StateForcedBuffered — a pause-induced final is buffered and may still be
	// extended or superseded during the capture window.
	StateForcedBuffered

	// StateRecovering — substate of FORCED_BUFFERED while a recovery request
	// is in flight. Responses carrying a stale recovery epoch are discarded.
	StateRecovering

	// StateCommitted — terminal. The segment's original text is immutable and
	// the final event has been published.
	StateCommitted

	// StateDropped — terminal. The segment was abandoned before ever reaching
	// FINAL_CANDIDATE (short orphan partial, session end).
	StateDropped
)

// String returns the canonical upper-case name of the state.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateFinalCandidate:
		return "FINAL_CANDIDATE"
	case StateForcedBuffered:
		return "FORCED_BUFFERED"
	case StateRecovering:
		return "RECOVERING"
	case StateCommitted:
		return "COMMITTED"
	case StateDropped:
		return "DROPPED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateDropped
}

// Segment is the unit of finality. A Segment is exclusively owned by the
// [Machine] that created it; no other component holds a reference across
// sessions.
type Segment struct {
	// ID is the SourceSeqID once assigned; zero before promotion.
	ID SourceSeqID

	// State is the current lifecycle state.
	State State

	// OriginalText is the source-language text the segment commits as.
	// Mutable until StateCommitted, immutable after.
	OriginalText string

	// CorrectedText is the post grammar-correction text, when available.
	// Corrections never mutate OriginalText; they surface as update events.
	CorrectedText string

	// Translations maps target language tag to translated text.
	Translations map[string]string

	// PartialSnapshot is an immutable copy of the longest partial hypothesis
	// at the moment the final candidate (or forced buffer) was created.
	// Later partial mutation does not affect it.
	PartialSnapshot string

	// CreatedAt is when the segment was opened (first non-empty partial).
	CreatedAt time.Time

	// CandidateAt is when the segment was promoted to FINAL_CANDIDATE or
	// FORCED_BUFFERED. Zero until promotion.
	CandidateAt time.Time

	// CommittedAt is when the segment reached StateCommitted. Zero until then.
	CommittedAt time.Time

	// Forced marks a pause-induced final. Forced does not imply committed;
	// only the state machine commits.
	Forced bool

	// RecoveryEpoch is bumped each time a new recovery attempt supersedes an
	// older one for this segment.
	RecoveryEpoch uint64
}

// Commit is the immutable record of a committed segment, handed to the
// [Emitter] inside the commit gate.
type Commit struct {
	// Seq is the segment's allocated SourceSeqID.
	Seq SourceSeqID

	// Text is the final original text after extension substitution and
	// deduplication against the previous commit.
	Text string

	// Forced is true when the commit originated from a forced (pause-induced)
	// final or its recovery.
	Forced bool

	// WordsDeduped is the number of leading words stripped by deduplication
	// against the previous commit. Zero for most segments.
	WordsDeduped int

	// CommittedAt is the commit-gate timestamp.
	CommittedAt time.Time
}

// Emitter receives the machine's outputs. Implementations are called on the
// session loop goroutine and must not block; anything slow belongs on the far
// side of a queue.
type Emitter interface {
	// EmitPartial publishes a live partial update. seq is zero for live-only
	// partials that precede any candidate promotion.
	EmitPartial(seq SourceSeqID, text string, at time.Time)

	// EmitCommit publishes a committed segment. Called exactly once per
	// SourceSeqID, inside the commit gate: by the time EmitCommit returns the
	// segment state is COMMITTED and no observer can see one without the other.
	EmitCommit(c Commit)

	// StartRecovery asks the owner to launch a recovery attempt for a forced
	// buffer. The result must be delivered back on the session loop via
	// [Machine.HandleRecoveryResult] carrying the same epoch.
	StartRecovery(epoch uint64, bufferText string)
}
