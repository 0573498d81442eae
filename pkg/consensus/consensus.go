package consensus

import (
    "context"
    "time"
)

// Command represents a replicated log command. Op selects the FSM operation,
// Payload is its JSON-encoded argument.
type Command struct {
    Op      string
    Payload []byte
}

// Command ops understood by the node-table FSM.
const (
    // OpRegisterNode records a registration report and emits a registration event.
    OpRegisterNode = "RegisterNode"
    // OpAddNode records a node learned from gossip, without a registration event.
    OpAddNode = "AddNode"
    // OpUpdateHealth changes a node's health.
    OpUpdateHealth = "UpdateHealth"
    // OpSetOperational changes a node's operational state.
    OpSetOperational = "SetOperational"
    // OpRemoveNode deletes a node from the table.
    OpRemoveNode = "RemoveNode"
)

// Consensus replicates node-table commands between coordinators. Apply only
// succeeds on the leader.
type Consensus interface {
    Start(ctx context.Context) error
    Apply(cmd Command, timeout time.Duration) error
    IsLeader() bool
    Leader() (id string, addr string, ok bool)
    Term() uint64
    Stop() error
}

// Replayer is implemented by engines that re-apply a persisted log on start.
// Replaying is true until the entries found at startup have been applied.
type Replayer interface {
    Replaying() bool
}

// LeaderInfo identifies the coordinator currently holding leadership.
type LeaderInfo struct {
    ID   string
    Addr string
    Term uint64
}

// LeaderNotifier streams leadership changes. Updates are dropped while the
// buffer is full, so readers should re-query Leader() when they matter.
type LeaderNotifier interface {
    LeaderCh() <-chan LeaderInfo
}

// Reconfigurer adds and removes coordinators from the voter set. Only the
// leader can reconfigure.
type Reconfigurer interface {
    AddVoter(id, addr string, timeout time.Duration) error
    RemoveServer(id string, timeout time.Duration) error
}
