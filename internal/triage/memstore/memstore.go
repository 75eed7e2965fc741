// Package memstore provides an in-memory implementation of triage.Store.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/linnemanlabs/aria/internal/triage"
)

// Store holds incident records in process memory. Contents are lost on restart.
type Store struct {
	mu      sync.RWMutex
	records map[string]*triage.Record // incident ID -> record
	seen    map[string]string         // report fingerprint -> latest incident ID (dedup)
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		records: make(map[string]*triage.Record),
		seen:    make(map[string]string),
	}
}

// Get retrieves a record by its ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*triage.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

// GetByFingerprint retrieves the most recent record for a report fingerprint, for deduplication. Returns a copy.
func (s *Store) GetByFingerprint(_ context.Context, fp string) (*triage.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.seen[fp]
	if !ok {
		return nil, false, nil
	}
	return s.records[id].Clone(), true, nil
}

// Put stores a copy of the record.
func (s *Store) Put(_ context.Context, r *triage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.ID] = r.Clone()
	// updates to an older record must not steal the fingerprint from a newer one
	if prev, ok := s.seen[r.Fingerprint]; ok && prev != r.ID {
		if cur := s.records[prev]; cur != nil && cur.CreatedAt.After(r.CreatedAt) {
			return nil
		}
	}
	s.seen[r.Fingerprint] = r.ID
	return nil
}

// List returns copies of the records matching filter, newest first.
func (s *Store) List(_ context.Context, filter triage.ListFilter) ([]*triage.Record, error) {
	s.mu.RLock()
	out := make([]*triage.Record, 0, len(s.records))
	for _, r := range s.records {
		if filter.Match(r) {
			out = append(out, r.Clone())
		}
	}
	s.mu.RUnlock()

	// ULIDs sort by creation time; break timestamp ties with the ID.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
