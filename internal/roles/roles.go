// Package roles resolves the self role a client asks for against a script's
// character table.
//
// Clients type role names by hand ("lady macbeth", "Lady Macbeth ", "LADY
// MACBET"), so resolution runs in three stages:
//
//  1. Exact match on the normalized name or the display name.
//  2. Phonetic candidates: Double Metaphone codes of the input overlap the
//     character's codes and the Jaro-Winkler score clears the phonetic
//     threshold.
//  3. Fuzzy fallback: pure Jaro-Winkler above a stricter threshold.
//
// Scores are computed on whole names only. Per-token scoring would let
// "MACBETH" match "LADY MACBETH" perfectly, which picks the wrong role.
package roles

import (
	"errors"
	"fmt"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/mr-ryan-james/circuit-breaker-sub001/pkg/types"
)

const (
	defaultPhoneticThreshold = 0.80
	defaultFuzzyThreshold    = 0.90

	// Candidates closer than this are ambiguous.
	tieMargin = 0.02
)

// ErrUnknownRole is returned when no character matches the requested role.
var ErrUnknownRole = errors.New("roles: unknown role")

// ErrAmbiguousRole is returned when two characters match equally well.
var ErrAmbiguousRole = errors.New("roles: ambiguous role")

// Match describes how a role was resolved.
type Match struct {
	Character  types.Character
	Confidence float64
	Exact      bool
}

// Option is a functional option for configuring a [Resolver].
type Option func(*Resolver)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a
// phonetically matched character. Default: 0.80.
func WithPhoneticThreshold(threshold float64) Option {
	return func(r *Resolver) {
		r.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score when no phonetic
// candidate exists. Default: 0.90.
func WithFuzzyThreshold(threshold float64) Option {
	return func(r *Resolver) {
		r.fuzzyThreshold = threshold
	}
}

// Resolver matches requested role names to characters. It is read-only after
// construction and safe for concurrent use.
type Resolver struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a Resolver configured with opts.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve returns the character best matching name.
func (r *Resolver) Resolve(name string, characters []types.Character) (Match, error) {
	want := types.NormalizeName(name)
	if want == "" {
		return Match{}, fmt.Errorf("%w: empty role", ErrUnknownRole)
	}
	for _, c := range characters {
		if c.NormalizedName == want || types.NormalizeName(c.DisplayName) == want {
			return Match{Character: c, Confidence: 1, Exact: true}, nil
		}
	}

	wantLower := strings.ToLower(want)
	inputCodes := codesForTokens(strings.Fields(wantLower))

	type candidate struct {
		idx      int
		score    float64
		phonetic bool
	}
	best, second := candidate{idx: -1}, candidate{idx: -1}
	better := func(a, b candidate) bool {
		if a.phonetic != b.phonetic {
			return a.phonetic
		}
		return a.score > b.score
	}

	for i, c := range characters {
		nameLower := strings.ToLower(c.NormalizedName)
		if nameLower == "" {
			continue
		}
		tokens := strings.Fields(nameLower)
		score := jwScore(wantLower, nameLower, strings.Fields(wantLower), tokens)
		phonetic := codesEqual(inputCodes, codesForTokens(tokens))

		threshold := r.fuzzyThreshold
		if phonetic {
			threshold = r.phoneticThreshold
		}
		if score < threshold {
			continue
		}
		cand := candidate{idx: i, score: score, phonetic: phonetic}
		switch {
		case best.idx < 0 || better(cand, best):
			second, best = best, cand
		case second.idx < 0 || better(cand, second):
			second = cand
		}
	}

	if best.idx < 0 {
		return Match{}, fmt.Errorf("%w: %q", ErrUnknownRole, name)
	}
	if second.idx >= 0 && second.phonetic == best.phonetic && best.score-second.score < tieMargin {
		return Match{}, fmt.Errorf("%w: %q matches %q and %q", ErrAmbiguousRole, name,
			characters[best.idx].NormalizedName, characters[second.idx].NormalizedName)
	}
	return Match{Character: characters[best.idx], Confidence: best.score}, nil
}

// codesForTokens returns the Double Metaphone codes for each token, primary
// code first. Empty codes are skipped.
func codesForTokens(tokens []string) []string {
	codes := make([]string, 0, len(tokens))
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		switch {
		case p != "":
			codes = append(codes, p)
		case s != "":
			codes = append(codes, s)
		}
	}
	return codes
}

// codesEqual reports whether both names have the same per-token phonetic
// shape. Whole-name equality keeps one shared word from qualifying.
func codesEqual(a, b []string) bool {
	if len(a) == 0 || len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// jwScore compares full strings and their space-stripped forms, returning the
// higher Jaro-Winkler similarity.
func jwScore(a, b string, aTokens, bTokens []string) float64 {
	score := matchr.JaroWinkler(a, b, false)
	if len(aTokens) > 1 || len(bTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(aTokens, ""), strings.Join(bTokens, ""), false); s > score {
			score = s
		}
	}
	return score
}
