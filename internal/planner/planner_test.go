package planner_test

import (
	"errors"
	"testing"

	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/planner"
	"github.com/mr-ryan-james/circuit-breaker-sub001/pkg/types"
)

// fiveLine is [1:direction, 2:self, 3:other, 4:self, 5:direction].
func fiveLine() *types.Script {
	return &types.Script{
		ID: "s1",
		Lines: []types.ScriptLine{
			{Idx: 1, Kind: types.KindScene, Text: "INT. HALL - NIGHT"},
			{Idx: 2, Kind: types.KindDialogue, Speaker: "X", Text: "Who goes there in the dark"},
			{Idx: 3, Kind: types.KindDialogue, Speaker: "Y", Text: "Nay, answer me."},
			{Idx: 4, Kind: types.KindDialogue, Speaker: "X", Text: "Long live the king!"},
			{Idx: 5, Kind: types.KindAction, Text: "They embrace."},
		},
		Characters: []types.Character{{NormalizedName: "X"}, {NormalizedName: "Y"}},
	}
}

func kinds(steps []planner.Step) []planner.Kind {
	out := make([]planner.Kind, len(steps))
	for i, s := range steps {
		out[i] = s.Kind
	}
	return out
}

func equalKinds(t *testing.T, got, want []planner.Kind) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d steps %v, want %d %v", len(got), got, len(want), want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("step %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestPlan_SpeedThrough(t *testing.T) {
	t.Parallel()
	p, err := planner.New(fiveLine(), 1, 5, planner.Options{Mode: planner.ModeSpeedThrough, SelfRole: "x"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	steps := p.Steps()
	equalKinds(t, kinds(steps), []planner.Kind{
		planner.KindDirection, planner.KindPause, planner.KindLine, planner.KindPause, planner.KindDirection,
	})
	for i, s := range steps {
		if s.Idx != i+1 {
			t.Errorf("step %d idx = %d, want %d", i, s.Idx, i+1)
		}
		if s.Cue != "" {
			t.Errorf("step %d: speed-through must not carry cues, got %q", i, s.Cue)
		}
	}
}

func TestPlan_ReadAllAndTableRead(t *testing.T) {
	t.Parallel()
	want := []planner.Kind{
		planner.KindDirection, planner.KindLine, planner.KindLine, planner.KindLine, planner.KindDirection,
	}
	for _, opts := range []planner.Options{
		{Mode: planner.ModeSpeedThrough, SelfRole: "X", ReadAll: true},
		{Mode: planner.ModeTableRead, SelfRole: "X"},
	} {
		p, err := planner.New(fiveLine(), 1, 5, opts)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		equalKinds(t, kinds(p.Steps()), want)
		if !p.Options().ReadAll {
			t.Errorf("mode %s: ReadAll not set on normalized options", opts.Mode)
		}
	}
}

func TestPlan_LearnCuesAndReveal(t *testing.T) {
	t.Parallel()
	p, err := planner.New(fiveLine(), 1, 5, planner.Options{
		Mode: planner.ModeLearn, SelfRole: "X", CueWords: 3, RevealAfter: true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s, ok := p.At(2)
	if !ok {
		t.Fatal("At(2) not found")
	}
	if s.Kind != planner.KindPause || s.Cue != "Who goes there" || !s.RevealAfter {
		t.Errorf("At(2) = %+v", s)
	}
	if other, _ := p.At(3); other.RevealAfter || other.Cue != "" {
		t.Errorf("non-self line must not carry cue/reveal: %+v", other)
	}
}

func TestPlan_RevealOnlyInLearn(t *testing.T) {
	t.Parallel()
	p, _ := planner.New(fiveLine(), 1, 5, planner.Options{Mode: planner.ModeSpeedThrough, SelfRole: "X", RevealAfter: true})
	if s, _ := p.At(2); s.RevealAfter {
		t.Error("reveal_after must be ignored outside learn mode")
	}
}

func TestPlan_Deterministic(t *testing.T) {
	t.Parallel()
	script := fiveLine()
	opts := planner.Options{Mode: planner.ModeLearn, SelfRole: "X", CueWords: 2}
	a, _ := planner.New(script, 2, 4, opts)
	b, _ := planner.New(script, 2, 4, opts)
	sa, sb := a.Steps(), b.Steps()
	if len(sa) != 3 || len(sa) != len(sb) {
		t.Fatalf("lengths %d, %d", len(sa), len(sb))
	}
	for i := range sa {
		if sa[i] != sb[i] {
			t.Errorf("step %d differs: %+v vs %+v", i, sa[i], sb[i])
		}
		if byAt, _ := a.At(sa[i].Idx); byAt != sa[i] {
			t.Errorf("At(%d) disagrees with Steps: %+v vs %+v", sa[i].Idx, byAt, sa[i])
		}
	}
	if script.Lines[1].Text != "Who goes there in the dark" {
		t.Error("planner mutated the script")
	}
}

func TestPlan_SingleLineRange(t *testing.T) {
	t.Parallel()
	p, err := planner.New(fiveLine(), 3, 3, planner.Options{Mode: planner.ModeSpeedThrough, SelfRole: "X"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", p.Len())
	}
	if _, ok := p.Next(3); ok {
		t.Error("Next(3) should report end of plan")
	}
	if _, ok := p.At(2); ok {
		t.Error("At(2) outside range should fail")
	}
}

func TestPlan_Clamp(t *testing.T) {
	t.Parallel()
	p, _ := planner.New(fiveLine(), 2, 4, planner.Options{Mode: planner.ModeSpeedThrough})
	for in, want := range map[int]int{0: 2, 2: 2, 3: 3, 9: 4} {
		if got := p.Clamp(in); got != want {
			t.Errorf("Clamp(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestNew_InvalidRange(t *testing.T) {
	t.Parallel()
	tests := []struct{ from, to int }{
		{4, 2},
		{0, 3},
		{1, 6},
	}
	for _, tc := range tests {
		_, err := planner.New(fiveLine(), tc.from, tc.to, planner.Options{Mode: planner.ModeSpeedThrough})
		if !errors.Is(err, planner.ErrInvalidRange) {
			t.Errorf("New(%d, %d) err = %v, want ErrInvalidRange", tc.from, tc.to, err)
		}
	}
	if _, err := planner.New(&types.Script{ID: "empty"}, 1, 1, planner.Options{Mode: planner.ModeLearn}); !errors.Is(err, planner.ErrInvalidRange) {
		t.Errorf("empty script err = %v", err)
	}
}

func TestNew_UnknownMode(t *testing.T) {
	t.Parallel()
	if _, err := planner.New(fiveLine(), 1, 5, planner.Options{Mode: "karaoke"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
