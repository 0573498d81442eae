package raftcons

import (
    "bytes"
    "encoding/json"
    "io"
    "testing"

    r "github.com/hashicorp/raft"

    c "github.com/amirimatin/go-safemode/pkg/consensus"
    m "github.com/amirimatin/go-safemode/pkg/membership"
    "github.com/amirimatin/go-safemode/pkg/state/nodes"
)

func applyCmd(t *testing.T, fsm *nodeFSM, op string, payload interface{}) error {
    t.Helper()
    raw, err := json.Marshal(payload)
    if err != nil { t.Fatalf("json: %v", err) }
    data, _ := json.Marshal(c.Command{Op: op, Payload: raw})
    if v := fsm.Apply(&r.Log{Data: data}); v != nil {
        if err, ok := v.(error); ok { return err }
    }
    return nil
}

func TestNodeFSM_Apply_RegisterHealthRemove(t *testing.T) {
    st := nodes.New()
    var hooked []m.NodeID
    fsm := newNodeFSM(st, func(rr m.RegistrationReport) { hooked = append(hooked, rr.ID) })

    id := m.NewNodeID()
    if err := applyCmd(t, fsm, c.OpRegisterNode, m.RegistrationReport{ID: id, Hostname: "dn1"}); err != nil {
        t.Fatalf("apply register: %v", err)
    }
    if len(hooked) != 1 || hooked[0] != id { t.Fatalf("register hook not called: %v", hooked) }
    if n, _ := st.CountNodesWithStatus(m.InServiceHealthy()); n != 1 {
        t.Fatalf("in-service healthy = %d, want 1", n)
    }

    if err := applyCmd(t, fsm, c.OpUpdateHealth, c.HealthChange{ID: id, Health: m.Stale}); err != nil {
        t.Fatalf("apply health: %v", err)
    }
    if n, _ := st.CountNodesWithStatus(m.InServiceHealthy()); n != 0 {
        t.Fatalf("stale node still counted")
    }

    if err := applyCmd(t, fsm, c.OpRemoveNode, c.NodeRef{ID: id}); err != nil {
        t.Fatalf("apply remove: %v", err)
    }
    if _, ok := st.Get(id); ok { t.Fatalf("node still present after remove") }
}

func TestNodeFSM_AddNodeDoesNotFireHook(t *testing.T) {
    called := false
    fsm := newNodeFSM(nodes.New(), func(m.RegistrationReport) { called = true })
    if err := applyCmd(t, fsm, c.OpAddNode, m.RegistrationReport{ID: m.NewNodeID()}); err != nil {
        t.Fatalf("apply add: %v", err)
    }
    if called { t.Fatalf("AddNode must not publish a registration") }
}

func TestNodeFSM_Errors(t *testing.T) {
    fsm := newNodeFSM(nodes.New(), nil)
    if err := applyCmd(t, fsm, "Bogus", struct{}{}); err == nil {
        t.Fatalf("expected error for unknown op")
    }
    if err := applyCmd(t, fsm, c.OpUpdateHealth, c.HealthChange{ID: m.NewNodeID(), Health: m.Dead}); err == nil {
        t.Fatalf("expected error for unknown node")
    }
    if v := fsm.Apply(&r.Log{Data: []byte("{")}); v == nil {
        t.Fatalf("expected decode error")
    }
}

func TestNodeFSM_SnapshotRestore(t *testing.T) {
    src := nodes.New()
    fsm := newNodeFSM(src, nil)
    id := m.NewNodeID()
    if err := applyCmd(t, fsm, c.OpRegisterNode, m.RegistrationReport{ID: id}); err != nil { t.Fatal(err) }
    snap, err := fsm.Snapshot()
    if err != nil { t.Fatalf("snapshot: %v", err) }
    blob := snap.(*snapshot).blob

    dst := nodes.New()
    if err := newNodeFSM(dst, nil).Restore(io.NopCloser(bytes.NewReader(blob))); err != nil {
        t.Fatalf("restore: %v", err)
    }
    if _, ok := dst.Get(id); !ok { t.Fatalf("restored table missing node") }
}
