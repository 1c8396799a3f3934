package stt

import "time"

// EventType classifies a Session event.
type EventType string

const (
	// EventSpeechStarted marks the provider's VAD detecting speech onset.
	EventSpeechStarted EventType = "speech_started"

	// EventSpeechStopped marks the provider's VAD detecting a pause.
	EventSpeechStopped EventType = "speech_stopped"

	// EventPartial carries a cumulative interim hypothesis for the current
	// utterance. Partials are suitable for live display but must not be
	// treated as authoritative.
	EventPartial EventType = "partial"

	// EventFinal carries an authoritative transcription for a completed
	// utterance.
	EventFinal EventType = "final"

	// EventError carries a session-level failure. An EventError immediately
	// before the events channel closes indicates a terminal transport
	// failure; the session must be reopened.
	EventError EventType = "error"
)

// Event is a single entry in a Session's ordered event stream.
type Event struct {
	// Type classifies the event.
	Type EventType

	// Text is the hypothesis text for EventPartial and EventFinal.
	Text string

	// Forced marks an EventFinal that resulted from a ForceCommit or a
	// server-side silence timeout rather than a natural end of utterance.
	Forced bool

	// Err is set for EventError.
	Err error

	// At is when the provider emitted the event.
	At time.Time
}
