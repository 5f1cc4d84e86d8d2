// Package memory provides an in-process ledger store used in tests and
// single-node development mode. Upserts are atomic per key via a per-entry
// mutex; distinct keys never contend.
package memory

import (
	"context"
	"sync"

	walleterrors "github.com/c360/walletvault/errors"
	"github.com/c360/walletvault/ledger"
)

// Store implements ledger.Store in process memory.
type Store struct {
	mu      sync.Mutex
	entries map[ledger.Key]*entry
}

type entry struct {
	mu      sync.Mutex
	rec     ledger.Record
	exists  bool
	removed bool
}

// New creates an empty store.
func New() *Store {
	return &Store{entries: make(map[ledger.Key]*entry)}
}

func (s *Store) entryFor(key ledger.Key) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	return e
}

func (s *Store) lookup(key ledger.Key) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return e, ok
}

// remove drops e from the map. Callers hold e.mu; marking removed first makes
// goroutines already waiting on the entry re-fetch from the map instead of
// committing into a detached entry.
func (s *Store) remove(key ledger.Key, e *entry) {
	e.removed = true
	s.mu.Lock()
	if s.entries[key] == e {
		delete(s.entries, key)
	}
	s.mu.Unlock()
}

// Get returns the record for key. Reads never allocate map entries, so
// probing absent keys leaves the store unchanged.
func (s *Store) Get(ctx context.Context, key ledger.Key) (ledger.Record, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Record{}, err
	}
	e, ok := s.lookup(key)
	if !ok {
		return ledger.Record{}, walleterrors.ErrRecordNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.exists {
		return ledger.Record{}, walleterrors.ErrRecordNotFound
	}
	return e.rec, nil
}

// Upsert applies mutate under the entry's lock. A mutator error leaves the
// stored record untouched; when the error aborts a creating upsert, the
// entry allocated for it is discarded rather than left behind as an empty
// placeholder.
func (s *Store) Upsert(ctx context.Context, key ledger.Key, mutate ledger.Mutator) (ledger.Record, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Record{}, err
	}
	for {
		e := s.entryFor(key)
		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}

		candidate := e.rec
		if !e.exists {
			candidate = ledger.Record{Key: key}
		}
		if err := mutate(&candidate, e.exists); err != nil {
			if !e.exists {
				s.remove(key, e)
			}
			e.mu.Unlock()
			return ledger.Record{}, err
		}
		e.rec = candidate
		e.exists = true
		e.mu.Unlock()
		return candidate, nil
	}
}

// Find returns all records matching the filter.
func (s *Store) Find(ctx context.Context, filter ledger.Filter) ([]ledger.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	snapshot := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		snapshot = append(snapshot, e)
	}
	s.mu.Unlock()

	var out []ledger.Record
	for _, e := range snapshot {
		e.mu.Lock()
		if e.exists && filter.Matches(e.rec) {
			out = append(out, e.rec)
		}
		e.mu.Unlock()
	}
	return out, nil
}

// Healthy always succeeds for the in-memory store.
func (s *Store) Healthy(ctx context.Context) error {
	return ctx.Err()
}
