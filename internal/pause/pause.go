// Package pause sizes the silent gaps left for the self role to speak.
//
// Estimates are text-only so that practising one's own lines never needs a
// network round-trip to a TTS backend.
package pause

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds the estimator's tuning. The zero value is not usable; start
// from [DefaultConfig].
type Config struct {
	// WordsPerSecond is the assumed speaking rate.
	WordsPerSecond float64

	// Floor is added to every estimate to cover reaction time.
	Floor time.Duration

	// Min and Max bound the estimate before the caller's multipliers apply.
	Min time.Duration
	Max time.Duration
}

// DefaultConfig returns a 150 words/minute rate, a 0.6 s floor and a
// [1 s, 12 s] band.
func DefaultConfig() Config {
	return Config{
		WordsPerSecond: 2.5,
		Floor:          600 * time.Millisecond,
		Min:            time.Second,
		Max:            12 * time.Second,
	}
}

// Validate reports an error for a config that would produce nonsensical
// durations.
func (c Config) Validate() error {
	var errs []error
	if c.WordsPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("pause: words_per_second must be positive, got %v", c.WordsPerSecond))
	}
	if c.Floor < 0 {
		errs = append(errs, fmt.Errorf("pause: floor must not be negative, got %v", c.Floor))
	}
	if c.Min < 0 || c.Max <= 0 || c.Min > c.Max {
		errs = append(errs, fmt.Errorf("pause: invalid band [%v, %v]", c.Min, c.Max))
	}
	return errors.Join(errs...)
}

// Estimator converts line text into a pause duration. It is immutable and
// safe for concurrent use.
type Estimator struct {
	cfg Config
}

// New returns an Estimator for cfg.
func New(cfg Config) (*Estimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Estimator{cfg: cfg}, nil
}

// Config returns the estimator's configuration.
func (e *Estimator) Config() Config { return e.cfg }

// Speaking returns the clamped speaking time for text at normal speed, before
// any caller multipliers. Whitespace-only text yields the floor, clamped.
func (e *Estimator) Speaking(text string) time.Duration {
	words := len(strings.Fields(text))
	d := e.cfg.Floor + time.Duration(float64(words)/e.cfg.WordsPerSecond*float64(time.Second))
	return min(max(d, e.cfg.Min), e.cfg.Max)
}

// Estimate returns the pause for text scaled by pauseMult and divided by
// speedMult. Non-positive multipliers are treated as 1.
func (e *Estimator) Estimate(text string, pauseMult, speedMult float64) time.Duration {
	if pauseMult <= 0 {
		pauseMult = 1
	}
	if speedMult <= 0 {
		speedMult = 1
	}
	return time.Duration(float64(e.Speaking(text)) * pauseMult / speedMult)
}

// WordCount returns the number of whitespace-separated words in text.
func WordCount(text string) int { return len(strings.Fields(text)) }

// Cue returns at most the first n words of text, or "" when n <= 0. The cue
// always stops short of the last word, so a line of one word gets no cue.
func Cue(text string, n int) string {
	if n <= 0 {
		return ""
	}
	words := strings.Fields(text)
	words = words[:min(n, max(len(words)-1, 0))]
	return strings.Join(words, " ")
}
