package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/store"
	"github.com/mr-ryan-james/circuit-breaker-sub001/pkg/types"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "rehearse.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func fixture() types.Script {
	return types.Script{
		ID:    "s1",
		Title: "Scene",
		Lines: []types.ScriptLine{
			{Idx: 1, Kind: types.KindScene, Text: "A heath.", SceneNumber: 1, SceneHeading: "A heath."},
			{Idx: 2, Kind: types.KindDialogue, Speaker: "FIRST WITCH", Text: "When shall we three meet again?", SceneNumber: 1},
			{Idx: 3, Kind: types.KindAction, Text: "Thunder."},
		},
		Characters: []types.Character{
			{NormalizedName: "FIRST WITCH", DisplayName: "First Witch", VoiceID: "v1", Rate: 0.9},
		},
	}
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()
	if _, err := Open(context.Background(), " "); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestImportAndGetScript(t *testing.T) {
	t.Parallel()
	s := openTempStore(t)
	ctx := context.Background()

	if err := s.ImportScript(ctx, fixture()); err != nil {
		t.Fatalf("import: %v", err)
	}
	got, err := s.Script(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Scene" || len(got.Lines) != 3 || len(got.Characters) != 1 {
		t.Fatalf("script = %+v", got)
	}
	if l := got.Lines[1]; l.Kind != types.KindDialogue || l.Speaker != "FIRST WITCH" || l.SceneNumber != 1 {
		t.Errorf("line 2 = %+v", l)
	}
	if c := got.Characters[0]; c.VoiceID != "v1" || c.Rate != 0.9 {
		t.Errorf("character = %+v", c)
	}
}

func TestImportReplacesScript(t *testing.T) {
	t.Parallel()
	s := openTempStore(t)
	ctx := context.Background()

	if err := s.ImportScript(ctx, fixture()); err != nil {
		t.Fatalf("import: %v", err)
	}
	shorter := fixture()
	shorter.Lines = shorter.Lines[:1]
	shorter.Characters = nil
	if err := s.ImportScript(ctx, shorter); err != nil {
		t.Fatalf("re-import: %v", err)
	}
	got, err := s.Script(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Lines) != 1 || len(got.Characters) != 0 {
		t.Fatalf("script after replace = %+v", got)
	}
}

func TestImportRejectsInvalid(t *testing.T) {
	t.Parallel()
	s := openTempStore(t)
	if err := s.ImportScript(context.Background(), types.Script{ID: "x"}); !errors.Is(err, store.ErrInvalidScript) {
		t.Fatalf("err = %v, want ErrInvalidScript", err)
	}
}

func TestScriptNotFound(t *testing.T) {
	t.Parallel()
	s := openTempStore(t)
	if _, err := s.Script(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestProgressUpsert(t *testing.T) {
	t.Parallel()
	s := openTempStore(t)
	ctx := context.Background()

	if _, ok, err := s.LastIdx(ctx, "s1", "FIRST WITCH"); err != nil || ok {
		t.Fatalf("LastIdx before save = %v, %v", ok, err)
	}
	for _, idx := range []int{3, 9} {
		if err := s.SaveProgress(ctx, store.ProgressRecord{ScriptID: "s1", SelfRole: "FIRST WITCH", LastIdx: idx}); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	idx, ok, err := s.LastIdx(ctx, "s1", "FIRST WITCH")
	if err != nil || !ok || idx != 9 {
		t.Fatalf("LastIdx = %d, %v, %v; want 9, true, nil", idx, ok, err)
	}
}

func TestRunsRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTempStore(t)
	ctx := context.Background()
	start := time.Date(2026, time.March, 3, 19, 30, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		rec := store.RunRecord{
			SessionID: id, ScriptID: "s1", SelfRole: "FIRST WITCH", Mode: "learn",
			From: 1, To: 3, LastIdx: i + 1, Completed: i == 2, ReadAll: false,
			StartedAt: start, EndedAt: start.Add(time.Minute),
		}
		if err := s.RecordRun(ctx, rec); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	runs, err := s.Runs(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 2 || runs[0].SessionID != "c" || !runs[0].Completed || runs[1].SessionID != "b" {
		t.Fatalf("runs = %+v", runs)
	}
	if !runs[0].StartedAt.Equal(start) || !runs[0].EndedAt.Equal(start.Add(time.Minute)) {
		t.Errorf("timestamps = %v / %v", runs[0].StartedAt, runs[0].EndedAt)
	}

	all, err := s.Runs(ctx, "s1", 0)
	if err != nil || len(all) != 3 {
		t.Fatalf("all runs = %d, %v", len(all), err)
	}
}

func TestMigrationsApplyOnce(t *testing.T) {
	t.Parallel()
	s := openTempStore(t)
	ctx := context.Background()

	fsys := fstest.MapFS{
		"002_extra.sql": {Data: []byte("-- +migrate Up\nCREATE TABLE extra (id INTEGER);\n-- +migrate Down\nDROP TABLE extra;\n")},
	}
	for range 2 {
		if err := applyMigrations(ctx, s.db, fsys); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+migrationTable).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("applied migrations = %d, want 2", n)
	}
}

func TestUpSection(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"CREATE x;", "CREATE x;"},
		{"-- +migrate Up\nA;\n-- +migrate Down\nB;", "\nA;\n"},
		{"-- +migrate Up\nA;", "\nA;"},
	}
	for _, tt := range tests {
		if got := upSection(tt.in); got != tt.want {
			t.Errorf("upSection(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
