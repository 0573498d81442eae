package coordinator

import (
    "errors"
    "log"
    "time"

    "github.com/amirimatin/go-safemode/pkg/consensus"
    "github.com/amirimatin/go-safemode/pkg/discovery"
    "github.com/amirimatin/go-safemode/pkg/events"
    "github.com/amirimatin/go-safemode/pkg/membership"
    "github.com/amirimatin/go-safemode/pkg/safemode"
    "github.com/amirimatin/go-safemode/pkg/transport"
)

// Options carries the components assembled by bootstrap. Consensus, Queue,
// SafeMode and Nodes are required; the rest may be nil in embedded or test
// setups.
type Options struct {
    // NodeID is this coordinator's raft server ID and gossip name.
    NodeID string
    Logger *log.Logger

    Consensus consensus.Consensus
    // RaftAddr is advertised to the leader on Join.
    RaftAddr string

    Membership membership.Membership
    Discovery  discovery.Discovery

    // Queue carries registration, health and safe-mode events. The
    // coordinator starts and closes it.
    Queue    *events.Queue
    SafeMode *safemode.Manager
    // Nodes is the replicated node table.
    Nodes membership.NodeCounter

    RPCServer transport.RPCServer
    RPCClient transport.RPCClient

    // ApplyTimeout bounds raft writes (default 2s).
    ApplyTimeout time.Duration
    // MetricsInterval controls node gauge refresh (default 2s).
    MetricsInterval time.Duration

    OnLeaderChange func(info consensus.LeaderInfo)
}

// Validate performs a minimal validation of Options. It does not start any
// network activity and is safe to call before New.
func (o Options) Validate() error {
    if o.NodeID == "" {
        return errors.New("coordinator: empty NodeID")
    }
    if o.Consensus == nil {
        return errors.New("coordinator: nil Consensus")
    }
    if o.Queue == nil {
        return errors.New("coordinator: nil Queue")
    }
    if o.SafeMode == nil {
        return errors.New("coordinator: nil SafeMode manager")
    }
    if o.Nodes == nil {
        return errors.New("coordinator: nil Nodes")
    }
    return nil
}
