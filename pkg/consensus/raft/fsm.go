package raftcons

import (
    "encoding/json"
    "fmt"
    "io"
    "time"

    "github.com/hashicorp/raft"

    c "github.com/amirimatin/go-safemode/pkg/consensus"
    m "github.com/amirimatin/go-safemode/pkg/membership"
    base "github.com/amirimatin/go-safemode/pkg/state"
)

// nodeFSM bridges Raft Apply/Snapshot to the node table.
type nodeFSM struct {
    st         base.NodeState
    onRegister func(r m.RegistrationReport)
}

func newNodeFSM(st base.NodeState, onRegister func(m.RegistrationReport)) *nodeFSM {
    return &nodeFSM{st: st, onRegister: onRegister}
}

func (f *nodeFSM) Apply(l *raft.Log) interface{} {
    var cmd c.Command
    if err := json.Unmarshal(l.Data, &cmd); err != nil {
        return err
    }
    switch cmd.Op {
    case c.OpRegisterNode, c.OpAddNode:
        var r m.RegistrationReport
        if err := json.Unmarshal(cmd.Payload, &r); err != nil { return err }
        if _, err := f.st.ApplyRegister(r); err != nil { return err }
        if cmd.Op == c.OpRegisterNode && f.onRegister != nil { f.onRegister(r) }
        return nil
    case c.OpUpdateHealth:
        var req c.HealthChange
        if err := json.Unmarshal(cmd.Payload, &req); err != nil { return err }
        return f.st.ApplyHealth(req.ID, req.Health)
    case c.OpSetOperational:
        var req c.OperationalChange
        if err := json.Unmarshal(cmd.Payload, &req); err != nil { return err }
        return f.st.ApplyOperational(req.ID, req.Operational)
    case c.OpRemoveNode:
        var req c.NodeRef
        if err := json.Unmarshal(cmd.Payload, &req); err != nil { return err }
        return f.st.ApplyRemove(req.ID)
    default:
        return fmt.Errorf("raftcons: unknown op %q", cmd.Op)
    }
}

func (f *nodeFSM) Snapshot() (raft.FSMSnapshot, error) {
    blob, err := f.st.Snapshot()
    if err != nil { return nil, err }
    return &snapshot{blob: blob, at: time.Now()}, nil
}

func (f *nodeFSM) Restore(rc io.ReadCloser) error {
    defer rc.Close()
    data, err := io.ReadAll(rc)
    if err != nil { return err }
    return f.st.Restore(data)
}

type snapshot struct {
    blob []byte
    at   time.Time
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
    if _, err := sink.Write(s.blob); err != nil { _ = sink.Cancel(); return err }
    return sink.Close()
}

func (s *snapshot) Release() {}

var _ raft.FSM = (*nodeFSM)(nil)
