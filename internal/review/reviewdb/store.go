// Package reviewdb is the local SQLite persistence layer for suggestions
// and hunk resolutions. The in-memory suggestion store writes through to it
// so a restarted agent can reload unfinished reviews.
package reviewdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite handle. WAL is enabled so reads (list/get) do not
// block resolution writes.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SuggestionRecord mirrors one suggestion row.
type SuggestionRecord struct {
	SuggestionID    string `json:"suggestion_id"`
	ChangeRef       string `json:"change_ref"`
	Description     string `json:"description"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
}

// HunkRecord mirrors one hunk row. RawDiff is the verbatim hunk text; the
// deterministic parser rebuilds the structural form from it on reload.
type HunkRecord struct {
	SuggestionID string `json:"suggestion_id"`
	HunkID       string `json:"hunk_id"`
	File         string `json:"file"`
	Position     int    `json:"position"`

	RawDiff      string `json:"raw_diff"`
	State        string `json:"state"`
	ResolvedDiff string `json:"resolved_diff,omitempty"`
	Comment      string `json:"comment,omitempty"`

	AppliedAtUnixMs  int64 `json:"applied_at_unix_ms,omitempty"`
	AppliedWithDrift bool  `json:"applied_with_drift,omitempty"`
}

// SaveSuggestion inserts a suggestion and its hunks in one transaction.
func (s *Store) SaveSuggestion(ctx context.Context, sug SuggestionRecord, hunks []HunkRecord) error {
	if s == nil || s.db == nil {
		return errors.New("nil store")
	}
	if strings.TrimSpace(sug.SuggestionID) == "" {
		return errors.New("missing suggestion id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO suggestions (suggestion_id, change_ref, description, created_at_unix_ms)
VALUES (?, ?, ?, ?)
`, sug.SuggestionID, sug.ChangeRef, sug.Description, sug.CreatedAtUnixMs); err != nil {
		return fmt.Errorf("insert suggestion: %w", err)
	}

	for _, h := range hunks {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO hunks (suggestion_id, hunk_id, file, position, raw_diff, state, resolved_diff, comment, applied_at_unix_ms, applied_with_drift)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, h.SuggestionID, h.HunkID, h.File, h.Position, h.RawDiff, h.State, h.ResolvedDiff, h.Comment, h.AppliedAtUnixMs, boolToInt(h.AppliedWithDrift)); err != nil {
			return fmt.Errorf("insert hunk: %w", err)
		}
	}
	return tx.Commit()
}

// UpdateHunk persists a hunk state transition.
func (s *Store) UpdateHunk(ctx context.Context, h HunkRecord) error {
	if s == nil || s.db == nil {
		return errors.New("nil store")
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE hunks
SET state = ?, resolved_diff = ?, comment = ?, applied_at_unix_ms = ?, applied_with_drift = ?
WHERE suggestion_id = ? AND hunk_id = ?
`, h.State, h.ResolvedDiff, h.Comment, h.AppliedAtUnixMs, boolToInt(h.AppliedWithDrift), h.SuggestionID, h.HunkID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.New("hunk not found")
	}
	return nil
}

// DeleteSuggestion removes a suggestion and its hunks.
func (s *Store) DeleteSuggestion(ctx context.Context, suggestionID string) error {
	if s == nil || s.db == nil {
		return errors.New("nil store")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM hunks WHERE suggestion_id = ?`, suggestionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM suggestions WHERE suggestion_id = ?`, suggestionID); err != nil {
		return err
	}
	return tx.Commit()
}

// ListAll returns every stored suggestion in creation order with its hunks
// in position order. Used to rebuild the in-memory store at startup.
func (s *Store) ListAll(ctx context.Context) ([]SuggestionRecord, map[string][]HunkRecord, error) {
	if s == nil || s.db == nil {
		return nil, nil, errors.New("nil store")
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT suggestion_id, change_ref, description, created_at_unix_ms
FROM suggestions
ORDER BY created_at_unix_ms ASC, suggestion_id ASC
`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var sugs []SuggestionRecord
	for rows.Next() {
		var r SuggestionRecord
		if err := rows.Scan(&r.SuggestionID, &r.ChangeRef, &r.Description, &r.CreatedAtUnixMs); err != nil {
			return nil, nil, err
		}
		sugs = append(sugs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	hrows, err := s.db.QueryContext(ctx, `
SELECT suggestion_id, hunk_id, file, position, raw_diff, state, resolved_diff, comment, applied_at_unix_ms, applied_with_drift
FROM hunks
ORDER BY suggestion_id ASC, position ASC
`)
	if err != nil {
		return nil, nil, err
	}
	defer hrows.Close()

	hunks := make(map[string][]HunkRecord)
	for hrows.Next() {
		var h HunkRecord
		var drift int
		if err := hrows.Scan(&h.SuggestionID, &h.HunkID, &h.File, &h.Position, &h.RawDiff, &h.State, &h.ResolvedDiff, &h.Comment, &h.AppliedAtUnixMs, &drift); err != nil {
			return nil, nil, err
		}
		h.AppliedWithDrift = drift != 0
		hunks[h.SuggestionID] = append(hunks[h.SuggestionID], h)
	}
	if err := hrows.Err(); err != nil {
		return nil, nil, err
	}
	return sugs, hunks, nil
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}

	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS suggestions (
  suggestion_id      TEXT PRIMARY KEY,
  change_ref         TEXT NOT NULL DEFAULT '',
  description        TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL DEFAULT 0
);
`); err != nil {
		return fmt.Errorf("create suggestions: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS hunks (
  suggestion_id      TEXT NOT NULL,
  hunk_id            TEXT NOT NULL,
  file               TEXT NOT NULL DEFAULT '',
  position           INTEGER NOT NULL DEFAULT 0,
  raw_diff           TEXT NOT NULL DEFAULT '',
  state              TEXT NOT NULL DEFAULT 'pending',
  resolved_diff      TEXT NOT NULL DEFAULT '',
  comment            TEXT NOT NULL DEFAULT '',
  applied_at_unix_ms INTEGER NOT NULL DEFAULT 0,
  applied_with_drift INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (suggestion_id, hunk_id)
);
`); err != nil {
		return fmt.Errorf("create hunks: %w", err)
	}
	if _, err := db.Exec(`
CREATE INDEX IF NOT EXISTS idx_hunks_suggestion ON hunks (suggestion_id, position);
`); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
