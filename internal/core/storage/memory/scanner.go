package memory

import (
	"context"
	"sync"
)

// SourceTable is an in-memory base relation used by reconciliation and
// rescan tests: a mutable set of rows keyed by a caller-supplied row id.
type SourceTable struct {
	mu   sync.RWMutex
	rows map[string]map[string]map[string]any // sourceID → rowID → row
}

func NewSourceTable() *SourceTable {
	return &SourceTable{rows: make(map[string]map[string]map[string]any)}
}

func (s *SourceTable) Upsert(sourceID, rowID string, row map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.rows[sourceID]
	if !ok {
		t = make(map[string]map[string]any)
		s.rows[sourceID] = t
	}
	t[rowID] = row
}

func (s *SourceTable) Delete(sourceID, rowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows[sourceID], rowID)
}

// Scan implements storage.SourceScanner over the current rows.
func (s *SourceTable) Scan(_ context.Context, sourceID string, fn func(row map[string]any) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, row := range s.rows[sourceID] {
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}
