// Package debuglog stores the log entries hooks emit through console logging
// and fans them out to live readers.
package debuglog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultRetain is how many entries are kept per hook.
const DefaultRetain = 500

// Entry is one log value emitted by a hook.
type Entry struct {
	ID        string          `json:"id"`
	Hook      string          `json:"hook"`
	SessionID string          `json:"session_id"`
	Entry     json.RawMessage `json:"entry"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store persists entries in the debug_log table.
type Store struct {
	db     *sql.DB
	retain int
}

// NewStore returns a Store keeping at most retain entries per hook.
func NewStore(db *sql.DB, retain int) *Store {
	if retain <= 0 {
		retain = DefaultRetain
	}
	return &Store{db: db, retain: retain}
}

// Append inserts e and trims the hook's history to the retention limit.
func (s *Store) Append(ctx context.Context, e Entry) error {
	if e.Hook == "" {
		return fmt.Errorf("entry hook is empty")
	}
	if !json.Valid(e.Entry) {
		return fmt.Errorf("entry %s is not valid JSON", e.ID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO debug_log (id, hook, session_id, entry, created_at) VALUES (?, ?, ?, ?, ?);`,
		e.ID, e.Hook, e.SessionID, string(e.Entry), e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert debug entry: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
DELETE FROM debug_log
WHERE hook = ?
  AND seq <= (SELECT seq FROM debug_log WHERE hook = ? ORDER BY seq DESC LIMIT 1 OFFSET ?);`,
		e.Hook, e.Hook, s.retain,
	)
	if err != nil {
		return fmt.Errorf("trim debug log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit debug entry: %w", err)
	}
	return nil
}

// Recent returns up to limit of the newest entries for hook, oldest first.
func (s *Store) Recent(ctx context.Context, hook string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, hook, session_id, entry, created_at
FROM debug_log
WHERE hook = ?
ORDER BY seq DESC
LIMIT ?;`, hook, limit)
	if err != nil {
		return nil, fmt.Errorf("query debug log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			raw       string
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.Hook, &e.SessionID, &raw, &createdAt); err != nil {
			return nil, fmt.Errorf("scan debug entry: %w", err)
		}
		e.Entry = json.RawMessage(raw)
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			e.CreatedAt = t
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate debug log: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
