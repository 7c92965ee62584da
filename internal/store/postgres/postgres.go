// Package postgres provides a PostgreSQL-backed implementation of
// [store.Store] on a single [pgxpool.Pool].
//
// Usage:
//
//	st, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer st.Close()
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/store"
	"github.com/mr-ryan-james/circuit-breaker-sub001/pkg/types"
)

var _ store.Store = (*Store)(nil)

// Store is the PostgreSQL-backed store. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a connection pool to the database at dsn and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases all connections held by the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ImportScript implements [store.Importer]. Lines are written with a single
// COPY; an existing script with the same ID is replaced.
func (s *Store) ImportScript(ctx context.Context, sc types.Script) error {
	if err := store.ValidateScript(sc); err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM scripts WHERE id = $1`, sc.ID); err != nil {
			return fmt.Errorf("postgres store: replace script: %w", err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO scripts (id, title) VALUES ($1, $2)`, sc.ID, sc.Title); err != nil {
			return fmt.Errorf("postgres store: insert script: %w", err)
		}

		rows := make([][]any, len(sc.Lines))
		for i, l := range sc.Lines {
			rows[i] = []any{sc.ID, l.Idx, string(l.Kind), l.Speaker, l.Text, l.SceneNumber, l.SceneHeading}
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"script_lines"},
			[]string{"script_id", "idx", "kind", "speaker", "text", "scene_number", "scene_heading"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return fmt.Errorf("postgres store: copy lines: %w", err)
		}

		batch := &pgx.Batch{}
		for _, c := range sc.Characters {
			batch.Queue(`
				INSERT INTO characters (script_id, normalized_name, display_name, voice_id, rate)
				VALUES ($1, $2, $3, $4, $5)`,
				sc.ID, c.NormalizedName, c.DisplayName, c.VoiceID, c.Rate)
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("postgres store: insert characters: %w", err)
		}
		return nil
	})
}

// Script implements [store.Scripts].
func (s *Store) Script(ctx context.Context, scriptID string) (types.Script, error) {
	sc := types.Script{ID: scriptID}
	err := s.pool.QueryRow(ctx, `SELECT title FROM scripts WHERE id = $1`, scriptID).Scan(&sc.Title)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Script{}, store.ErrNotFound
	}
	if err != nil {
		return types.Script{}, fmt.Errorf("postgres store: get script: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT idx, kind, speaker, text, scene_number, scene_heading
		FROM   script_lines
		WHERE  script_id = $1
		ORDER  BY idx`, scriptID)
	if err != nil {
		return types.Script{}, fmt.Errorf("postgres store: get lines: %w", err)
	}
	sc.Lines, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.ScriptLine, error) {
		var (
			l    types.ScriptLine
			kind string
		)
		err := row.Scan(&l.Idx, &kind, &l.Speaker, &l.Text, &l.SceneNumber, &l.SceneHeading)
		l.Kind = types.LineKind(kind)
		return l, err
	})
	if err != nil {
		return types.Script{}, fmt.Errorf("postgres store: scan lines: %w", err)
	}

	rows, err = s.pool.Query(ctx, `
		SELECT normalized_name, display_name, voice_id, rate
		FROM   characters
		WHERE  script_id = $1
		ORDER  BY normalized_name`, scriptID)
	if err != nil {
		return types.Script{}, fmt.Errorf("postgres store: get characters: %w", err)
	}
	sc.Characters, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Character, error) {
		var c types.Character
		err := row.Scan(&c.NormalizedName, &c.DisplayName, &c.VoiceID, &c.Rate)
		return c, err
	})
	if err != nil {
		return types.Script{}, fmt.Errorf("postgres store: scan characters: %w", err)
	}
	return sc, nil
}

// LastIdx implements [store.Progress].
func (s *Store) LastIdx(ctx context.Context, scriptID, role string) (int, bool, error) {
	var idx int
	err := s.pool.QueryRow(ctx,
		`SELECT last_idx FROM progress WHERE script_id = $1 AND self_role = $2`,
		scriptID, role,
	).Scan(&idx)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("postgres store: get progress: %w", err)
	}
	return idx, true, nil
}

// SaveProgress implements [store.Progress].
func (s *Store) SaveProgress(ctx context.Context, rec store.ProgressRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO progress (script_id, self_role, last_idx, updated_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
		ON CONFLICT (script_id, self_role)
		DO UPDATE SET last_idx = EXCLUDED.last_idx, updated_at = EXCLUDED.updated_at`,
		rec.ScriptID, rec.SelfRole, rec.LastIdx, nullTime(rec),
	)
	if err != nil {
		return fmt.Errorf("postgres store: save progress: %w", err)
	}
	return nil
}

func nullTime(rec store.ProgressRecord) any {
	if rec.UpdatedAt.IsZero() {
		return nil
	}
	return rec.UpdatedAt
}

// RecordRun implements [store.History].
func (s *Store) RecordRun(ctx context.Context, rec store.RunRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO runs (session_id, script_id, self_role, mode, from_idx, to_idx, last_idx,
		                  completed, read_all, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.SessionID, rec.ScriptID, rec.SelfRole, rec.Mode, rec.From, rec.To, rec.LastIdx,
		rec.Completed, rec.ReadAll, rec.StartedAt, rec.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: record run: %w", err)
	}
	return nil
}

// Runs implements [store.History].
func (s *Store) Runs(ctx context.Context, scriptID string, limit int) ([]store.RunRecord, error) {
	q := `
		SELECT session_id, script_id, self_role, mode, from_idx, to_idx, last_idx,
		       completed, read_all, started_at, ended_at
		FROM   runs
		WHERE  script_id = $1
		ORDER  BY id DESC`
	args := []any{scriptID}
	if limit > 0 {
		q += "\nLIMIT $2"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list runs: %w", err)
	}
	runs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.RunRecord, error) {
		var r store.RunRecord
		err := row.Scan(&r.SessionID, &r.ScriptID, &r.SelfRole, &r.Mode, &r.From, &r.To, &r.LastIdx,
			&r.Completed, &r.ReadAll, &r.StartedAt, &r.EndedAt)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan runs: %w", err)
	}
	return runs, nil
}
