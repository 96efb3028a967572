package mirror

import (
	"fmt"
	"sync"
)

// SharedManifest is the run's private copy of the current manifest. Version
// processors patch it concurrently; the publisher reads it once at the end.
// Every access holds mu for the mutation only, never across I/O.
type SharedManifest struct {
	mu       sync.Mutex
	manifest Manifest
	index    map[string]int
}

// NewSharedManifest clones m so the caller's copy is never aliased.
func NewSharedManifest(m *Manifest) *SharedManifest {
	clone := m.Clone()
	index := make(map[string]int, len(clone.Versions))
	for i, v := range clone.Versions {
		index[v.ID] = i
	}
	return &SharedManifest{manifest: clone, index: index}
}

// Update runs fn on the entry with id inside the critical section. fn must
// not block. The id cannot be changed through fn.
func (s *SharedManifest) Update(id string, fn func(entry *VersionEntry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrVersionNotFound, id)
	}
	entry := &s.manifest.Versions[pos]
	fn(entry)
	entry.ID = id
	return nil
}

// Get returns a copy of the entry with id.
func (s *SharedManifest) Get(id string) (VersionEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.index[id]
	if !ok {
		return VersionEntry{}, false
	}
	return s.manifest.Versions[pos], true
}

// Snapshot returns a deep copy of the current state.
func (s *SharedManifest) Snapshot() Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manifest.Clone()
}
