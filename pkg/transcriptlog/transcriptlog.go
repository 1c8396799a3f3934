// Package transcriptlog defines the append-only persistence contract for
// committed captions.
//
// The log is write-only on the hot path: entries are appended once per
// committed segment and never updated. Reads (export, review) happen out of
// band.
package transcriptlog

import (
	"context"
	"time"
)

// Entry is one committed caption.
type Entry struct {
	// SourceSeqID is the segment identity within its session.
	SourceSeqID uint64

	// Original is the committed source-language text.
	Original string

	// Corrected is the cleaned-up source text, empty when none was produced.
	Corrected string

	// Translations maps target language to translated text.
	Translations map[string]string

	// Forced marks a pause-induced commit.
	Forced bool

	CommittedAt time.Time
}

// Log is an append-only transcript store. Implementations must be safe for
// concurrent use.
type Log interface {
	// Append persists one entry. Append must tolerate duplicate
	// (sessionID, SourceSeqID) pairs by keeping the first write.
	Append(ctx context.Context, sessionID string, e Entry) error

	// Close releases the underlying store.
	Close() error
}
