// Package sqlite provides a SQLite-backed [store.Store] using the pure-Go
// modernc.org/sqlite driver. The schema is embedded and applied on [Open].
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/store"
	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/store/sqlite/migrations"
	"github.com/mr-ryan-james/circuit-breaker-sub001/pkg/types"
)

var _ store.Store = (*Store)(nil)

// Store persists scripts, progress and run history in SQLite.
type Store struct {
	db *sql.DB
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

// Open opens (creating if needed) the database at path and applies the
// embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite store: path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: ping: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ImportScript implements [store.Importer]. An existing script with the same
// ID is replaced together with its lines and characters.
func (s *Store) ImportScript(ctx context.Context, sc types.Script) error {
	if err := store.ValidateScript(sc); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store: begin import: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM script_lines WHERE script_id = ?`,
		`DELETE FROM characters WHERE script_id = ?`,
		`DELETE FROM scripts WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, sc.ID); err != nil {
			return fmt.Errorf("sqlite store: replace script: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO scripts (id, title, imported_at) VALUES (?, ?, ?)`,
		sc.ID, sc.Title, toMillis(time.Now()),
	); err != nil {
		return fmt.Errorf("sqlite store: insert script: %w", err)
	}

	lineStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO script_lines (script_id, idx, kind, speaker, text, scene_number, scene_heading)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite store: prepare lines: %w", err)
	}
	defer lineStmt.Close()
	for _, l := range sc.Lines {
		if _, err := lineStmt.ExecContext(ctx, sc.ID, l.Idx, string(l.Kind), l.Speaker, l.Text, l.SceneNumber, l.SceneHeading); err != nil {
			return fmt.Errorf("sqlite store: insert line %d: %w", l.Idx, err)
		}
	}

	for _, c := range sc.Characters {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO characters (script_id, normalized_name, display_name, voice_id, rate)
			VALUES (?, ?, ?, ?, ?)`,
			sc.ID, c.NormalizedName, c.DisplayName, c.VoiceID, c.Rate,
		); err != nil {
			return fmt.Errorf("sqlite store: insert character %q: %w", c.NormalizedName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite store: commit import: %w", err)
	}
	return nil
}

// Script implements [store.Scripts].
func (s *Store) Script(ctx context.Context, scriptID string) (types.Script, error) {
	sc := types.Script{ID: scriptID}
	err := s.db.QueryRowContext(ctx, `SELECT title FROM scripts WHERE id = ?`, scriptID).Scan(&sc.Title)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Script{}, store.ErrNotFound
	}
	if err != nil {
		return types.Script{}, fmt.Errorf("sqlite store: get script: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, kind, speaker, text, scene_number, scene_heading
		FROM   script_lines
		WHERE  script_id = ?
		ORDER  BY idx`, scriptID)
	if err != nil {
		return types.Script{}, fmt.Errorf("sqlite store: get lines: %w", err)
	}
	for rows.Next() {
		var (
			l    types.ScriptLine
			kind string
		)
		if err := rows.Scan(&l.Idx, &kind, &l.Speaker, &l.Text, &l.SceneNumber, &l.SceneHeading); err != nil {
			rows.Close()
			return types.Script{}, fmt.Errorf("sqlite store: scan line: %w", err)
		}
		l.Kind = types.LineKind(kind)
		sc.Lines = append(sc.Lines, l)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return types.Script{}, fmt.Errorf("sqlite store: iterate lines: %w", err)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT normalized_name, display_name, voice_id, rate
		FROM   characters
		WHERE  script_id = ?
		ORDER  BY normalized_name`, scriptID)
	if err != nil {
		return types.Script{}, fmt.Errorf("sqlite store: get characters: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c types.Character
		if err := rows.Scan(&c.NormalizedName, &c.DisplayName, &c.VoiceID, &c.Rate); err != nil {
			return types.Script{}, fmt.Errorf("sqlite store: scan character: %w", err)
		}
		sc.Characters = append(sc.Characters, c)
	}
	if err := rows.Err(); err != nil {
		return types.Script{}, fmt.Errorf("sqlite store: iterate characters: %w", err)
	}
	return sc, nil
}

// LastIdx implements [store.Progress].
func (s *Store) LastIdx(ctx context.Context, scriptID, role string) (int, bool, error) {
	var idx int
	err := s.db.QueryRowContext(ctx,
		`SELECT last_idx FROM progress WHERE script_id = ? AND self_role = ?`,
		scriptID, role,
	).Scan(&idx)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("sqlite store: get progress: %w", err)
	}
	return idx, true, nil
}

// SaveProgress implements [store.Progress].
func (s *Store) SaveProgress(ctx context.Context, rec store.ProgressRecord) error {
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO progress (script_id, self_role, last_idx, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (script_id, self_role)
		DO UPDATE SET last_idx = excluded.last_idx, updated_at = excluded.updated_at`,
		rec.ScriptID, rec.SelfRole, rec.LastIdx, toMillis(updated),
	)
	if err != nil {
		return fmt.Errorf("sqlite store: save progress: %w", err)
	}
	return nil
}

// RecordRun implements [store.History].
func (s *Store) RecordRun(ctx context.Context, rec store.RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (session_id, script_id, self_role, mode, from_idx, to_idx, last_idx,
		                  completed, read_all, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.ScriptID, rec.SelfRole, rec.Mode, rec.From, rec.To, rec.LastIdx,
		boolToInt(rec.Completed), boolToInt(rec.ReadAll), toMillis(rec.StartedAt), toMillis(rec.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite store: record run: %w", err)
	}
	return nil
}

// Runs implements [store.History].
func (s *Store) Runs(ctx context.Context, scriptID string, limit int) ([]store.RunRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, script_id, self_role, mode, from_idx, to_idx, last_idx,
		       completed, read_all, started_at, ended_at
		FROM   runs
		WHERE  script_id = ?
		ORDER  BY id DESC
		LIMIT  ?`, scriptID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list runs: %w", err)
	}
	defer rows.Close()

	var out []store.RunRecord
	for rows.Next() {
		var (
			r                  store.RunRecord
			completed, readAll int
			started, ended     int64
		)
		if err := rows.Scan(&r.SessionID, &r.ScriptID, &r.SelfRole, &r.Mode, &r.From, &r.To, &r.LastIdx,
			&completed, &readAll, &started, &ended); err != nil {
			return nil, fmt.Errorf("sqlite store: scan run: %w", err)
		}
		r.Completed = completed != 0
		r.ReadAll = readAll != 0
		r.StartedAt = fromMillis(started)
		r.EndedAt = fromMillis(ended)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: iterate runs: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
