// Package postgres provides a PostgreSQL-backed implementation of the
// append-only transcript log.
//
// Each committed caption is one row keyed by (session_id, source_seq_id);
// duplicate appends are silenced with ON CONFLICT DO NOTHING so retries after
// a partial failure stay idempotent. Translations are stored as JSONB.
//
// Usage:
//
//	log, err := postgres.NewLog(ctx, dsn)
//	if err != nil { … }
//	defer log.Close()
//
//	_ = log.Append(ctx, sessionID, entry)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parlay-live/parlance/pkg/transcriptlog"
)

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS transcript_entries (
    session_id     TEXT         NOT NULL,
    source_seq_id  BIGINT       NOT NULL,
    original       TEXT         NOT NULL,
    corrected      TEXT         NOT NULL DEFAULT '',
    translations   JSONB        NOT NULL DEFAULT '{}',
    forced         BOOLEAN      NOT NULL DEFAULT FALSE,
    committed_at   TIMESTAMPTZ  NOT NULL,
    PRIMARY KEY (session_id, source_seq_id)
);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_committed_at
    ON transcript_entries (committed_at);
`

// Log is a PostgreSQL-backed [transcriptlog.Log]. It holds a single
// [pgxpool.Pool] and is safe for concurrent use.
type Log struct {
	pool *pgxpool.Pool
}

// NewLog creates a new Log, establishes a connection pool to the PostgreSQL
// database at dsn, and runs [Migrate] to ensure the transcript table exists.
func NewLog(ctx context.Context, dsn string) (*Log, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("transcript log: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("transcript log: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript log: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript log: migrate: %w", err)
	}

	return &Log{pool: pool}, nil
}

// Migrate creates or ensures the transcript table exists. It is idempotent
// and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTranscripts); err != nil {
		return fmt.Errorf("transcript log migrate: %w", err)
	}
	return nil
}

// Append implements [transcriptlog.Log]. A duplicate (sessionID,
// SourceSeqID) pair is a no-op: the first write wins.
func (l *Log) Append(ctx context.Context, sessionID string, e transcriptlog.Entry) error {
	const q = `
		INSERT INTO transcript_entries
		    (session_id, source_seq_id, original, corrected, translations, forced, committed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id, source_seq_id) DO NOTHING`

	translations := e.Translations
	if translations == nil {
		translations = map[string]string{}
	}

	_, err := l.pool.Exec(ctx, q,
		sessionID,
		int64(e.SourceSeqID),
		e.Original,
		e.Corrected,
		translations,
		e.Forced,
		e.CommittedAt,
	)
	if err != nil {
		return fmt.Errorf("transcript log: append seq %d: %w", e.SourceSeqID, err)
	}
	return nil
}

// Session returns all entries for sessionID in commit order. It is intended
// for export and review, not the caption hot path.
func (l *Log) Session(ctx context.Context, sessionID string) ([]transcriptlog.Entry, error) {
	const q = `
		SELECT source_seq_id, original, corrected, translations, forced, committed_at
		FROM   transcript_entries
		WHERE  session_id = $1
		ORDER  BY source_seq_id`

	rows, err := l.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("transcript log: session %q: %w", sessionID, err)
	}
	defer rows.Close()

	var entries []transcriptlog.Entry
	for rows.Next() {
		var (
			e   transcriptlog.Entry
			seq int64
		)
		if err := rows.Scan(&seq, &e.Original, &e.Corrected, &e.Translations, &e.Forced, &e.CommittedAt); err != nil {
			return nil, fmt.Errorf("transcript log: scan entry: %w", err)
		}
		e.SourceSeqID = uint64(seq)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transcript log: iterate entries: %w", err)
	}
	return entries, nil
}

// Close implements [transcriptlog.Log]. It releases all pooled connections.
func (l *Log) Close() error {
	l.pool.Close()
	return nil
}

var _ transcriptlog.Log = (*Log)(nil)
