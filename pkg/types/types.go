// Package types defines the shared script and voice types used across the
// rehearsal engine.
//
// These types are the common vocabulary between the store, the planner, the
// audio resolver and the session engine. Each package defines its own domain
// types, but data structures crossing package boundaries live here to avoid
// circular imports.
package types

import (
	"sort"
	"strings"
)

// LineKind classifies a script line.
type LineKind string

const (
	// KindScene is a scene heading ("INT. KITCHEN - NIGHT").
	KindScene LineKind = "scene"

	// KindAction is a stage direction.
	KindAction LineKind = "action"

	// KindParenthetical is an actor direction attached to dialogue ("(beat)").
	KindParenthetical LineKind = "parenthetical"

	// KindDialogue is a spoken line attributed to a speaker.
	KindDialogue LineKind = "dialogue"
)

// IsValid reports whether k is a known line kind.
func (k LineKind) IsValid() bool {
	switch k {
	case KindScene, KindAction, KindParenthetical, KindDialogue:
		return true
	}
	return false
}

// Spoken reports whether lines of this kind are voiced by a character.
func (k LineKind) Spoken() bool { return k == KindDialogue }

// ScriptLine is one parsed line of a stage script. Lines are immutable once
// loaded into a session.
type ScriptLine struct {
	// Idx is the 1-based dense position of the line within its script.
	Idx int `yaml:"idx" json:"idx"`

	// Kind classifies the line.
	Kind LineKind `yaml:"kind" json:"kind"`

	// Speaker is the normalized character name for dialogue lines. Empty for
	// non-dialogue lines.
	Speaker string `yaml:"speaker,omitempty" json:"speaker,omitempty"`

	// Text is the line content.
	Text string `yaml:"text" json:"text"`

	// SceneNumber is the 1-based scene the line belongs to (0 if unknown).
	SceneNumber int `yaml:"scene_number,omitempty" json:"scene_number,omitempty"`

	// SceneHeading is the heading text of the line's scene.
	SceneHeading string `yaml:"scene_heading,omitempty" json:"scene_heading,omitempty"`
}

// Character is a speaking role in a script together with its voice settings.
type Character struct {
	// NormalizedName is the lookup key used by [ScriptLine.Speaker].
	NormalizedName string `yaml:"normalized_name" json:"normalized_name"`

	// DisplayName is the human-readable name.
	DisplayName string `yaml:"display_name" json:"display_name"`

	// VoiceID is the provider voice used for this character's lines.
	VoiceID string `yaml:"voice_id,omitempty" json:"voice_id,omitempty"`

	// Rate is the synthesis speaking rate (1.0 = provider default).
	Rate float64 `yaml:"rate,omitempty" json:"rate,omitempty"`
}

// Script is a loaded script: its lines ordered by Idx and its character table.
type Script struct {
	ID         string       `yaml:"id" json:"id"`
	Title      string       `yaml:"title,omitempty" json:"title,omitempty"`
	Lines      []ScriptLine `yaml:"lines" json:"lines"`
	Characters []Character  `yaml:"characters" json:"characters"`
}

// FirstIdx returns the idx of the first line, or 0 for an empty script.
func (s *Script) FirstIdx() int {
	if len(s.Lines) == 0 {
		return 0
	}
	return s.Lines[0].Idx
}

// LastIdx returns the idx of the last line, or 0 for an empty script.
func (s *Script) LastIdx() int {
	if len(s.Lines) == 0 {
		return 0
	}
	return s.Lines[len(s.Lines)-1].Idx
}

// Line returns the line with the given idx. Lines are dense, so the lookup is
// positional with a search fallback for scripts that do not start at 1.
func (s *Script) Line(idx int) (ScriptLine, bool) {
	first := s.FirstIdx()
	if pos := idx - first; pos >= 0 && pos < len(s.Lines) && s.Lines[pos].Idx == idx {
		return s.Lines[pos], true
	}
	i := sort.Search(len(s.Lines), func(i int) bool { return s.Lines[i].Idx >= idx })
	if i < len(s.Lines) && s.Lines[i].Idx == idx {
		return s.Lines[i], true
	}
	return ScriptLine{}, false
}

// Range returns the lines with idx in [from, to], in idx order. The returned
// slice aliases the script's storage and must not be modified.
func (s *Script) Range(from, to int) []ScriptLine {
	lo := sort.Search(len(s.Lines), func(i int) bool { return s.Lines[i].Idx >= from })
	hi := sort.Search(len(s.Lines), func(i int) bool { return s.Lines[i].Idx > to })
	if lo >= hi {
		return nil
	}
	return s.Lines[lo:hi:hi]
}

// Character returns the character with the given normalized name.
func (s *Script) Character(name string) (Character, bool) {
	for _, c := range s.Characters {
		if c.NormalizedName == name {
			return c, true
		}
	}
	return Character{}, false
}

// SortLines orders the script's lines by idx.
func (s *Script) SortLines() {
	sort.SliceStable(s.Lines, func(i, j int) bool { return s.Lines[i].Idx < s.Lines[j].Idx })
}

// NormalizeName folds a character name to its lookup form: trimmed, upper
// case, inner whitespace collapsed.
func NormalizeName(name string) string {
	return strings.ToUpper(strings.Join(strings.Fields(name), " "))
}

// VoiceProfile describes a TTS voice configuration for a character.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default). Zero means
	// the provider default.
	SpeedFactor float64

	// Metadata holds provider-specific voice attributes (gender, accent, etc.).
	Metadata map[string]string
}

// Voice returns the voice profile for c.
func (c Character) Voice() VoiceProfile {
	return VoiceProfile{ID: c.VoiceID, Name: c.DisplayName, SpeedFactor: c.Rate}
}
