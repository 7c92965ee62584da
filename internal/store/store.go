// Package store defines the persistence boundary of the rehearsal engine:
// script lookup, per-role progress and run history.
//
// Three backends implement [Store]: memstore (process memory, used by tests
// and fixture-driven demos), sqlite (the default single-node backend) and
// postgres. All implementations must be safe for concurrent use.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/mr-ryan-james/circuit-breaker-sub001/pkg/types"
)

// ErrNotFound is returned when the requested script does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrInvalidScript is returned by [Importer.ImportScript] when a script fails
// [ValidateScript].
var ErrInvalidScript = errors.New("store: invalid script")

// Scripts provides read access to loaded scripts.
type Scripts interface {
	// Script returns the script with the given ID, lines sorted by idx.
	// Returns [ErrNotFound] when no such script exists.
	Script(ctx context.Context, scriptID string) (types.Script, error)
}

// ProgressRecord is the furthest line a role has completed in a script.
type ProgressRecord struct {
	ScriptID  string
	SelfRole  string
	LastIdx   int
	UpdatedAt time.Time
}

// Progress tracks how far each role has rehearsed each script.
type Progress interface {
	// LastIdx returns the last completed idx for (scriptID, role). The bool
	// is false when the role has no recorded progress.
	LastIdx(ctx context.Context, scriptID, role string) (int, bool, error)

	// SaveProgress upserts rec.
	SaveProgress(ctx context.Context, rec ProgressRecord) error
}

// RunRecord summarises one finished session.
type RunRecord struct {
	SessionID string
	ScriptID  string
	SelfRole  string
	Mode      string
	From      int
	To        int

	// LastIdx is the highest idx whose event completed, or 0 if none did.
	LastIdx int

	// Completed is true when the session ran to the end of its range.
	Completed bool
	ReadAll   bool
	StartedAt time.Time
	EndedAt   time.Time
}

// History records finished sessions.
type History interface {
	// RecordRun appends rec.
	RecordRun(ctx context.Context, rec RunRecord) error

	// Runs returns the most recent runs for scriptID, newest first. A
	// non-positive limit returns all runs.
	Runs(ctx context.Context, scriptID string, limit int) ([]RunRecord, error)
}

// Importer loads scripts into a backend.
type Importer interface {
	// ImportScript inserts or replaces the script with script.ID.
	ImportScript(ctx context.Context, script types.Script) error
}

// Store is the full persistence surface used by the server.
type Store interface {
	Scripts
	Progress
	History
	Importer

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error
}
