// Package planner turns a script range, a practice mode and a self role into
// the ordered sequence of playback steps a session walks through.
//
// A [Plan] is pure with respect to its script: it never mutates lines or
// characters, and for a fixed input it always yields the same steps in idx
// order. Steps are computed on demand by [Plan.At]; [Plan.Steps] materialises
// the whole range for small scripts and tests.
package planner

import (
	"errors"
	"fmt"

	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/pause"
	"github.com/mr-ryan-james/circuit-breaker-sub001/pkg/types"
)

// ErrInvalidRange is returned when from > to or either bound lies outside the
// script's idx domain.
var ErrInvalidRange = errors.New("planner: invalid range")

// Mode is a practice mode.
type Mode string

const (
	// ModeSpeedThrough runs lines back to back with no cues.
	ModeSpeedThrough Mode = "speed_through"

	// ModeLearn shows cues and can reveal the self role's line after its pause.
	ModeLearn Mode = "learn"

	// ModeTableRead speaks every line, including the self role's.
	ModeTableRead Mode = "table_read"
)

// IsValid reports whether m is a known mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeSpeedThrough, ModeLearn, ModeTableRead:
		return true
	}
	return false
}

// DefaultCueWords returns the cue length used when the client does not send one.
func (m Mode) DefaultCueWords() int {
	if m == ModeLearn {
		return 3
	}
	return 0
}

// Kind classifies a step.
type Kind string

const (
	// KindDirection is non-spoken text: a scene heading, action or parenthetical.
	KindDirection Kind = "direction"

	// KindPause is the self role's turn.
	KindPause Kind = "pause"

	// KindLine is a line that needs synthesised audio.
	KindLine Kind = "line"
)

// Step is one planned playback step.
type Step struct {
	Idx  int
	Kind Kind
	Line types.ScriptLine

	// Cue holds the leading words of a pause step's line, or "".
	Cue string

	// RevealAfter marks a pause step whose line is played once the pause
	// elapses.
	RevealAfter bool
}

// Options selects how lines become steps.
type Options struct {
	Mode        Mode
	SelfRole    string
	ReadAll     bool
	CueWords    int
	RevealAfter bool
}

// normalize applies the mode's constraints: table reads speak every line and
// reveal-after only applies to learn mode.
func (o Options) normalize() Options {
	if o.Mode == ModeTableRead {
		o.ReadAll = true
	}
	if o.Mode != ModeLearn || o.ReadAll {
		o.RevealAfter = false
	}
	if o.CueWords < 0 {
		o.CueWords = 0
	}
	o.SelfRole = types.NormalizeName(o.SelfRole)
	return o
}

// Plan is the step sequence for the lines in [From, To].
type Plan struct {
	lines []types.ScriptLine
	opts  Options
	from  int
	to    int
}

// New plans lines [from, to] of script.
func New(script *types.Script, from, to int, opts Options) (*Plan, error) {
	if err := CheckRange(script, from, to); err != nil {
		return nil, err
	}
	if !opts.Mode.IsValid() {
		return nil, fmt.Errorf("planner: unknown mode %q", opts.Mode)
	}
	return &Plan{
		lines: script.Range(from, to),
		opts:  opts.normalize(),
		from:  from,
		to:    to,
	}, nil
}

// CheckRange validates [from, to] against script's idx domain.
func CheckRange(script *types.Script, from, to int) error {
	first, last := script.FirstIdx(), script.LastIdx()
	switch {
	case len(script.Lines) == 0:
		return fmt.Errorf("%w: script %q has no lines", ErrInvalidRange, script.ID)
	case from > to:
		return fmt.Errorf("%w: from %d > to %d", ErrInvalidRange, from, to)
	case from < first || to > last:
		return fmt.Errorf("%w: [%d, %d] outside script bounds [%d, %d]", ErrInvalidRange, from, to, first, last)
	}
	return nil
}

// From returns the first idx of the plan.
func (p *Plan) From() int { return p.from }

// To returns the last idx of the plan.
func (p *Plan) To() int { return p.to }

// Options returns the normalized options the plan was built with.
func (p *Plan) Options() Options { return p.opts }

// Len returns the number of steps.
func (p *Plan) Len() int { return len(p.lines) }

// Clamp returns idx clamped into [From, To].
func (p *Plan) Clamp(idx int) int {
	return min(max(idx, p.from), p.to)
}

// At returns the step for idx, or false if idx is outside the plan.
func (p *Plan) At(idx int) (Step, bool) {
	pos := idx - p.from
	if pos < 0 || pos >= len(p.lines) || p.lines[pos].Idx != idx {
		return Step{}, false
	}
	return p.step(p.lines[pos]), true
}

// Next returns the idx following idx, or false when idx is the last step.
func (p *Plan) Next(idx int) (int, bool) {
	if idx >= p.to {
		return 0, false
	}
	return idx + 1, true
}

// Steps returns every step of the plan in idx order.
func (p *Plan) Steps() []Step {
	out := make([]Step, 0, len(p.lines))
	for _, l := range p.lines {
		out = append(out, p.step(l))
	}
	return out
}

func (p *Plan) step(l types.ScriptLine) Step {
	s := Step{Idx: l.Idx, Line: l}
	switch {
	case !l.Kind.Spoken():
		s.Kind = KindDirection
	case p.isSelf(l) && !p.opts.ReadAll:
		s.Kind = KindPause
		s.Cue = pause.Cue(l.Text, p.opts.CueWords)
		s.RevealAfter = p.opts.RevealAfter
	default:
		s.Kind = KindLine
	}
	return s
}

func (p *Plan) isSelf(l types.ScriptLine) bool {
	return p.opts.SelfRole != "" && types.NormalizeName(l.Speaker) == p.opts.SelfRole
}
