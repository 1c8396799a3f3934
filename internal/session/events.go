package session

import "time"

// Wire event types published to listeners. The field names below are the
// contract with clients; renaming any of them is a breaking change.
const (
	TypeTranslation   = "translation"
	TypeSessionJoined = "session_joined"
	TypeSessionReady  = "session_ready"
	TypeSessionEnded  = "session_ended"
	TypeError         = "error"
	TypeSessionStats  = "session_stats"
)

// Error codes carried by TypeError events. Listener-facing errors carry a
// kind tag, never raw vendor strings.
const (
	ErrCodeSTT         = "stt_unavailable"
	ErrCodeTranslation = "translation_failed"
	ErrCodeInternal    = "internal"
)

// CaptionEvent is one published caption, in the outbound wire schema.
type CaptionEvent struct {
	Type string `json:"type"`

	// EventSeqID is the global monotonic stream position within a session.
	EventSeqID uint64 `json:"eventSeqId"`

	// SourceSeqID is the segment identity. Absent on live-only partials that
	// were never promoted to a segment.
	SourceSeqID *uint64 `json:"sourceSeqId,omitempty"`

	IsPartial bool `json:"isPartial"`

	// ForceFinal is true only on forced (pause-induced) finals.
	ForceFinal bool `json:"forceFinal"`

	OriginalText string `json:"originalText"`

	// CorrectedText and TranslatedText are null when not produced.
	CorrectedText  *string `json:"correctedText"`
	TranslatedText *string `json:"translatedText"`

	SourceLang string `json:"sourceLang"`
	TargetLang string `json:"targetLang"`

	HasTranslation bool `json:"hasTranslation"`
	HasCorrection  bool `json:"hasCorrection"`

	// Timestamp is unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// ControlEvent covers the non-caption event types sharing the listener
// channel: session_joined, session_ready, session_ended, error, and
// session_stats.
type ControlEvent struct {
	Type       string `json:"type"`
	EventSeqID uint64 `json:"eventSeqId"`

	// Message and Code are set on error events.
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`

	// ListenerCount is set on session_stats events.
	ListenerCount int `json:"listenerCount,omitempty"`

	Timestamp int64 `json:"timestamp"`
}

func unixMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func strPtr(s string) *string { return &s }
