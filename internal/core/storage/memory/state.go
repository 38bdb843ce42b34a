package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/deltaview-lab/deltaview/internal/core/stream"
)

// StateStore is the in-memory storage.StateStore: stream table definitions
// with compare-and-swap on schema_version.
type StateStore struct {
	mu   sync.RWMutex
	defs map[string]stream.StreamTableDefinition
}

func NewStateStore() *StateStore {
	return &StateStore{defs: make(map[string]stream.StreamTableDefinition)}
}

func (s *StateStore) Get(_ context.Context, id string) (stream.StreamTableDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[id]
	if !ok {
		return stream.StreamTableDefinition{}, fmt.Errorf("%w: %s", stream.ErrNotFound, id)
	}
	return def, nil
}

func (s *StateStore) Put(_ context.Context, def stream.StreamTableDefinition, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.defs[def.ID]
	if exists && current.SchemaVersion != expectedVersion {
		return fmt.Errorf("%w: %s expected v%d, stored v%d",
			stream.ErrVersionConflict, def.ID, expectedVersion, current.SchemaVersion)
	}
	if !exists && expectedVersion != 0 && expectedVersion != def.SchemaVersion {
		return fmt.Errorf("%w: %s is not registered", stream.ErrVersionConflict, def.ID)
	}
	s.defs[def.ID] = def
	return nil
}

func (s *StateStore) List(_ context.Context) ([]stream.StreamTableDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]stream.StreamTableDefinition, 0, len(s.defs))
	for _, def := range s.defs {
		out = append(out, def)
	}
	return out, nil
}
