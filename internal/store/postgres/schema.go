package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlScripts = `
CREATE TABLE IF NOT EXISTS scripts (
    id          TEXT         PRIMARY KEY,
    title       TEXT         NOT NULL DEFAULT '',
    imported_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS script_lines (
    script_id     TEXT     NOT NULL REFERENCES scripts (id) ON DELETE CASCADE,
    idx           INTEGER  NOT NULL,
    kind          TEXT     NOT NULL,
    speaker       TEXT     NOT NULL DEFAULT '',
    text          TEXT     NOT NULL,
    scene_number  INTEGER  NOT NULL DEFAULT 0,
    scene_heading TEXT     NOT NULL DEFAULT '',
    PRIMARY KEY (script_id, idx)
);

CREATE TABLE IF NOT EXISTS characters (
    script_id       TEXT              NOT NULL REFERENCES scripts (id) ON DELETE CASCADE,
    normalized_name TEXT              NOT NULL,
    display_name    TEXT              NOT NULL,
    voice_id        TEXT              NOT NULL DEFAULT '',
    rate            DOUBLE PRECISION  NOT NULL DEFAULT 0,
    PRIMARY KEY (script_id, normalized_name)
);
`

const ddlProgress = `
CREATE TABLE IF NOT EXISTS progress (
    script_id  TEXT         NOT NULL,
    self_role  TEXT         NOT NULL,
    last_idx   INTEGER      NOT NULL,
    updated_at TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (script_id, self_role)
);

CREATE TABLE IF NOT EXISTS runs (
    id         BIGSERIAL    PRIMARY KEY,
    session_id TEXT         NOT NULL,
    script_id  TEXT         NOT NULL,
    self_role  TEXT         NOT NULL,
    mode       TEXT         NOT NULL,
    from_idx   INTEGER      NOT NULL,
    to_idx     INTEGER      NOT NULL,
    last_idx   INTEGER      NOT NULL,
    completed  BOOLEAN      NOT NULL,
    read_all   BOOLEAN      NOT NULL,
    started_at TIMESTAMPTZ  NOT NULL,
    ended_at   TIMESTAMPTZ  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_script_id
    ON runs (script_id, id DESC);
`

// Migrate creates or ensures all required tables exist. It is idempotent
// (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS) and safe to call
// on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlScripts, ddlProgress} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
