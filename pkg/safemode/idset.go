package safemode

import (
    "sync"

    "github.com/amirimatin/go-safemode/pkg/membership"
)

// IdentitySet is a concurrency-safe set of node identities.
type IdentitySet struct {
    mu  sync.RWMutex
    ids map[membership.NodeID]struct{}
}

// NewIdentitySet returns a set pre-sized for about expected entries.
func NewIdentitySet(expected int) *IdentitySet {
    if expected < 0 { expected = 0 }
    return &IdentitySet{ids: make(map[membership.NodeID]struct{}, expected)}
}

// Add inserts id and reports whether it was not already present.
func (s *IdentitySet) Add(id membership.NodeID) bool {
    s.mu.Lock()
    defer s.mu.Unlock()
    if _, ok := s.ids[id]; ok { return false }
    s.ids[id] = struct{}{}
    return true
}

func (s *IdentitySet) Contains(id membership.NodeID) bool {
    s.mu.RLock()
    defer s.mu.RUnlock()
    _, ok := s.ids[id]
    return ok
}

func (s *IdentitySet) Len() int {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return len(s.ids)
}

// Clear empties the set, keeping its capacity hint.
func (s *IdentitySet) Clear() {
    s.mu.Lock()
    defer s.mu.Unlock()
    clear(s.ids)
}
