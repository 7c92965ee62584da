package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mr-ryan-james/circuit-breaker-sub001/pkg/types"
)

// LoadScriptFile reads and parses a pre-parsed script fixture from disk.
//
// Example:
//
//	id: macbeth-1-7
//	title: "Macbeth, Act I Scene 7"
//	characters:
//	  - normalized_name: MACBETH
//	    display_name: Macbeth
//	    voice_id: onyx
//	lines:
//	  - idx: 1
//	    kind: scene
//	    text: "Macbeth's castle."
//	  - idx: 2
//	    kind: dialogue
//	    speaker: MACBETH
//	    text: "If it were done when 'tis done..."
func LoadScriptFile(path string) (types.Script, error) {
	f, err := os.Open(path)
	if err != nil {
		return types.Script{}, fmt.Errorf("store: open script file %q: %w", path, err)
	}
	defer f.Close()

	s, err := LoadScriptYAML(f)
	if err != nil {
		return types.Script{}, fmt.Errorf("store: parse script file %q: %w", path, err)
	}
	return s, nil
}

// LoadScriptYAML parses a script from r, normalizes speaker and character
// names, sorts lines by idx and validates the result.
func LoadScriptYAML(r io.Reader) (types.Script, error) {
	var s types.Script
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return types.Script{}, fmt.Errorf("store: decode script yaml: %w", err)
	}
	for i := range s.Lines {
		if s.Lines[i].Speaker != "" {
			s.Lines[i].Speaker = types.NormalizeName(s.Lines[i].Speaker)
		}
	}
	for i := range s.Characters {
		c := &s.Characters[i]
		if c.NormalizedName == "" {
			c.NormalizedName = c.DisplayName
		}
		c.NormalizedName = types.NormalizeName(c.NormalizedName)
		if c.DisplayName == "" {
			c.DisplayName = c.NormalizedName
		}
	}
	s.SortLines()
	if err := ValidateScript(s); err != nil {
		return types.Script{}, err
	}
	return s, nil
}

// ValidateScript checks that s has an ID, that its idx values are dense and
// unique, that every line kind is known and that every dialogue line names
// a speaker. Lines must already be sorted.
func ValidateScript(s types.Script) error {
	var errs []error
	if s.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if len(s.Lines) == 0 {
		errs = append(errs, errors.New("script has no lines"))
	}
	for i, l := range s.Lines {
		if i > 0 && l.Idx != s.Lines[i-1].Idx+1 {
			errs = append(errs, fmt.Errorf("lines[%d]: idx %d does not follow %d", i, l.Idx, s.Lines[i-1].Idx))
		}
		if !l.Kind.IsValid() {
			errs = append(errs, fmt.Errorf("lines[%d]: unknown kind %q", i, l.Kind))
		}
		if l.Kind == types.KindDialogue && l.Speaker == "" {
			errs = append(errs, fmt.Errorf("lines[%d]: dialogue without speaker", i))
		}
	}
	seen := make(map[string]bool, len(s.Characters))
	for i, c := range s.Characters {
		if c.NormalizedName == "" {
			errs = append(errs, fmt.Errorf("characters[%d]: name is required", i))
			continue
		}
		if seen[c.NormalizedName] {
			errs = append(errs, fmt.Errorf("characters[%d]: duplicate %q", i, c.NormalizedName))
		}
		seen[c.NormalizedName] = true
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidScript, err)
	}
	return nil
}

// ImportFile loads the script fixture at path into dst and returns its ID.
func ImportFile(ctx context.Context, dst Importer, path string) (string, error) {
	s, err := LoadScriptFile(path)
	if err != nil {
		return "", err
	}
	if err := dst.ImportScript(ctx, s); err != nil {
		return "", fmt.Errorf("store: import %q: %w", s.ID, err)
	}
	return s.ID, nil
}
