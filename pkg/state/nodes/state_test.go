package nodes

import (
    "errors"
    "testing"

    "github.com/google/uuid"

    m "github.com/amirimatin/go-safemode/pkg/membership"
)

func TestTable_RegisterRemoveSnapshotRestore(t *testing.T) {
    s := New()

    id1, id2 := uuid.New(), uuid.New()
    if added, err := s.ApplyRegister(m.RegistrationReport{ID: id1, Hostname: "dn1", Addr: "10.0.0.1:9858"}); err != nil || !added {
        t.Fatalf("register n1: added=%v err=%v", added, err)
    }
    if _, err := s.ApplyRegister(m.RegistrationReport{ID: id2}); err != nil {
        t.Fatalf("register n2: %v", err)
    }
    if added, _ := s.ApplyRegister(m.RegistrationReport{ID: id1}); added {
        t.Fatalf("re-register should not report a new node")
    }

    snap, err := s.Snapshot()
    if err != nil {
        t.Fatalf("snapshot: %v", err)
    }
    if len(snap) == 0 { t.Fatalf("empty snapshot") }

    if err := s.ApplyRemove(id1); err != nil {
        t.Fatalf("remove n1: %v", err)
    }
    if _, ok := s.Get(id1); ok { t.Fatalf("n1 still present after remove") }

    // Restore from the first snapshot and ensure n1 returns.
    s2 := New()
    if err := s2.Restore(snap); err != nil {
        t.Fatalf("restore: %v", err)
    }
    n1, ok := s2.Get(id1)
    if !ok || n1.Hostname != "dn1" { t.Fatalf("restored n1 = %+v ok=%v", n1, ok) }
    snap2, err := s2.Snapshot()
    if err != nil {
        t.Fatalf("snapshot2: %v", err)
    }
    if string(snap2) != string(snap) {
        t.Fatalf("round-trip mismatch:\n got: %s\nwant: %s", string(snap2), string(snap))
    }
}

func TestTable_CountNodesWithStatus(t *testing.T) {
    s := New()
    ids := []m.NodeID{uuid.New(), uuid.New(), uuid.New(), uuid.New()}
    for _, id := range ids {
        if _, err := s.ApplyRegister(m.RegistrationReport{ID: id}); err != nil { t.Fatalf("register: %v", err) }
    }
    if err := s.ApplyHealth(ids[0], m.Dead); err != nil { t.Fatalf("health: %v", err) }
    if err := s.ApplyHealth(ids[1], m.Stale); err != nil { t.Fatalf("health: %v", err) }
    if err := s.ApplyOperational(ids[2], m.Decommissioning); err != nil { t.Fatalf("op: %v", err) }

    got, err := s.CountNodesWithStatus(m.InServiceHealthy())
    if err != nil { t.Fatalf("count: %v", err) }
    if got != 1 { t.Fatalf("in-service healthy = %d, want 1", got) }

    byHealth := s.CountByHealth()
    if byHealth[m.Healthy] != 2 || byHealth[m.Dead] != 1 || byHealth[m.Stale] != 1 {
        t.Fatalf("unexpected health counts: %v", byHealth)
    }

    // A dead node that re-registers is healthy again.
    if _, err := s.ApplyRegister(m.RegistrationReport{ID: ids[0]}); err != nil { t.Fatalf("re-register: %v", err) }
    if got, _ := s.CountNodesWithStatus(m.InServiceHealthy()); got != 2 {
        t.Fatalf("in-service healthy after re-register = %d, want 2", got)
    }
}

func TestTable_ErrorsOnEmptyOrUnknownID(t *testing.T) {
    s := New()
    if _, err := s.ApplyRegister(m.RegistrationReport{}); err == nil {
        t.Fatalf("expected error on empty id")
    }
    if err := s.ApplyRemove(uuid.Nil); err == nil {
        t.Fatalf("expected error on empty id for remove")
    }
    if err := s.ApplyHealth(uuid.New(), m.Dead); !errors.Is(err, ErrUnknownNode) {
        t.Fatalf("health on unknown node: got %v, want ErrUnknownNode", err)
    }
}
