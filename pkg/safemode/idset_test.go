package safemode

import (
    "sync"
    "testing"

    "github.com/google/uuid"
)

func TestIdentitySet_AddIsIdempotent(t *testing.T) {
    s := NewIdentitySet(4)
    id := uuid.New()
    if !s.Add(id) { t.Fatalf("first add should insert") }
    for i := 0; i < 5; i++ {
        if s.Add(id) { t.Fatalf("duplicate add %d reported insert", i) }
    }
    if s.Len() != 1 { t.Fatalf("len = %d, want 1", s.Len()) }
    if !s.Contains(id) { t.Fatalf("contains = false") }

    s.Clear()
    if s.Len() != 0 || s.Contains(id) { t.Fatalf("clear left entries behind") }
    if !s.Add(id) { t.Fatalf("add after clear should insert") }
}

func TestIdentitySet_ConcurrentAdd(t *testing.T) {
    s := NewIdentitySet(0)
    ids := make([]uuid.UUID, 50)
    for i := range ids { ids[i] = uuid.New() }

    var wg sync.WaitGroup
    var mu sync.Mutex
    inserted := 0
    for w := 0; w < 8; w++ {
        wg.Add(1)
        go func() {
            defer wg.Done()
            for _, id := range ids {
                if s.Add(id) {
                    mu.Lock(); inserted++; mu.Unlock()
                }
            }
        }()
    }
    wg.Wait()
    if inserted != len(ids) { t.Fatalf("inserted = %d, want %d", inserted, len(ids)) }
    if s.Len() != len(ids) { t.Fatalf("len = %d, want %d", s.Len(), len(ids)) }
}
