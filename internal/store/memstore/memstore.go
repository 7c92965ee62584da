// Package memstore is a thread-safe, in-memory implementation of
// [store.Store]. It is suitable for tests and for running the server from
// YAML fixtures without a database. The zero value is ready to use.
package memstore

import (
	"context"
	"slices"
	"sync"

	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/store"
	"github.com/mr-ryan-james/circuit-breaker-sub001/pkg/types"
)

// Compile-time assertion that Store satisfies the store.Store interface.
var _ store.Store = (*Store)(nil)

type progressKey struct {
	scriptID string
	role     string
}

// Store keeps scripts, progress and run history in maps.
type Store struct {
	mu       sync.RWMutex
	scripts  map[string]types.Script
	progress map[progressKey]store.ProgressRecord
	runs     []store.RunRecord
}

// New returns an initialised [Store] holding the given scripts.
func New(scripts ...types.Script) *Store {
	s := &Store{}
	for _, sc := range scripts {
		s.put(sc)
	}
	return s
}

func (s *Store) put(sc types.Script) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scripts == nil {
		s.scripts = make(map[string]types.Script)
	}
	sc.Lines = slices.Clone(sc.Lines)
	sc.Characters = slices.Clone(sc.Characters)
	sc.SortLines()
	s.scripts[sc.ID] = sc
}

// Script implements [store.Scripts].
func (s *Store) Script(_ context.Context, scriptID string) (types.Script, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scripts[scriptID]
	if !ok {
		return types.Script{}, store.ErrNotFound
	}
	return sc, nil
}

// ImportScript implements [store.Importer].
func (s *Store) ImportScript(_ context.Context, sc types.Script) error {
	if err := store.ValidateScript(sc); err != nil {
		return err
	}
	s.put(sc)
	return nil
}

// LastIdx implements [store.Progress].
func (s *Store) LastIdx(_ context.Context, scriptID, role string) (int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.progress[progressKey{scriptID, role}]
	return rec.LastIdx, ok, nil
}

// SaveProgress implements [store.Progress].
func (s *Store) SaveProgress(_ context.Context, rec store.ProgressRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.progress == nil {
		s.progress = make(map[progressKey]store.ProgressRecord)
	}
	s.progress[progressKey{rec.ScriptID, rec.SelfRole}] = rec
	return nil
}

// RecordRun implements [store.History].
func (s *Store) RecordRun(_ context.Context, rec store.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, rec)
	return nil
}

// Runs implements [store.History].
func (s *Store) Runs(_ context.Context, scriptID string, limit int) ([]store.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.RunRecord
	for i := len(s.runs) - 1; i >= 0; i-- {
		if s.runs[i].ScriptID != scriptID {
			continue
		}
		out = append(out, s.runs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Ping implements [store.Store]. It always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close implements [store.Store]. It is a no-op.
func (s *Store) Close() error { return nil }
