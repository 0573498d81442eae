package raftcons

import (
    "fmt"
    "log"
    "time"

    m "github.com/amirimatin/go-safemode/pkg/membership"
    base "github.com/amirimatin/go-safemode/pkg/state"
)

// Options configure the Raft-based Consensus implementation.
type Options struct {
    NodeID   string
    Logger   *log.Logger

    // Bootstrap forms a single-node cluster on Start when true.
    Bootstrap bool

    // Timeouts (optional). Zero means defaults.
    HeartbeatTimeout time.Duration
    ElectionTimeout  time.Duration
    CommitTimeout    time.Duration
    ApplyTimeout     time.Duration // client-side apply wait

    // If BindAddr is non-empty, a TCP transport is used bound to this address
    // (e.g., "127.0.0.1:0"). Otherwise, an in-memory transport is used.
    BindAddr string

    // DataDir selects on-disk stores when non-empty (bolt store for log/stable,
    // file snapshot store). When empty, in-memory stores are used and nothing
    // is replayed on restart.
    DataDir string

    // SnapshotsRetained controls how many snapshots to retain on disk.
    SnapshotsRetained int

    // State is the node table the FSM applies commands to. A fresh
    // nodes.Table is used when nil.
    State base.NodeState

    // OnRegister is called from the FSM for every applied RegisterNode
    // command, including replayed ones.
    OnRegister func(r m.RegistrationReport)
}

func (o Options) Validate() error {
    if o.NodeID == "" { return fmt.Errorf("raftcons: empty NodeID") }
    if o.SnapshotsRetained < 0 { return fmt.Errorf("raftcons: negative SnapshotsRetained") }
    return nil
}
