package memstore_test

import (
	"context"
	"errors"
	"testing"

	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/store"
	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/store/memstore"
	"github.com/mr-ryan-james/circuit-breaker-sub001/pkg/types"
)

func testScript() types.Script {
	return types.Script{
		ID: "s1",
		Lines: []types.ScriptLine{
			{Idx: 2, Kind: types.KindDialogue, Speaker: "A", Text: "two"},
			{Idx: 1, Kind: types.KindScene, Text: "one"},
		},
		Characters: []types.Character{{NormalizedName: "A", DisplayName: "A"}},
	}
}

func TestScript_SortsAndCopies(t *testing.T) {
	t.Parallel()
	src := testScript()
	s := memstore.New(src)

	got, err := s.Script(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Script: %v", err)
	}
	if got.Lines[0].Idx != 1 || got.Lines[1].Idx != 2 {
		t.Errorf("lines not sorted: %+v", got.Lines)
	}
	if src.Lines[0].Idx != 2 {
		t.Error("store sorted the caller's slice in place")
	}
}

func TestScript_NotFound(t *testing.T) {
	t.Parallel()
	var s memstore.Store
	if _, err := s.Script(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestImportScript_Validates(t *testing.T) {
	t.Parallel()
	var s memstore.Store
	bad := types.Script{ID: "bad", Lines: []types.ScriptLine{{Idx: 1, Kind: types.KindDialogue, Text: "who?"}}}
	if err := s.ImportScript(context.Background(), bad); !errors.Is(err, store.ErrInvalidScript) {
		t.Fatalf("err = %v, want ErrInvalidScript", err)
	}
}

func TestProgress_Upsert(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var s memstore.Store

	if _, ok, _ := s.LastIdx(ctx, "s1", "A"); ok {
		t.Fatal("expected no progress")
	}
	_ = s.SaveProgress(ctx, store.ProgressRecord{ScriptID: "s1", SelfRole: "A", LastIdx: 4})
	_ = s.SaveProgress(ctx, store.ProgressRecord{ScriptID: "s1", SelfRole: "A", LastIdx: 7})
	_ = s.SaveProgress(ctx, store.ProgressRecord{ScriptID: "s1", SelfRole: "B", LastIdx: 2})

	idx, ok, err := s.LastIdx(ctx, "s1", "A")
	if err != nil || !ok || idx != 7 {
		t.Fatalf("LastIdx = %d, %v, %v; want 7, true, nil", idx, ok, err)
	}
}

func TestRuns_NewestFirstWithLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var s memstore.Store
	for _, id := range []string{"a", "b", "c"} {
		_ = s.RecordRun(ctx, store.RunRecord{SessionID: id, ScriptID: "s1"})
	}
	_ = s.RecordRun(ctx, store.RunRecord{SessionID: "other", ScriptID: "s2"})

	runs, err := s.Runs(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 2 || runs[0].SessionID != "c" || runs[1].SessionID != "b" {
		t.Fatalf("runs = %+v", runs)
	}
}
