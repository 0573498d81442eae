package raftcons

import (
    "context"
    "encoding/json"
    "fmt"
    "log"
    "os"
    "path/filepath"
    "strconv"
    "sync/atomic"
    "time"

    "github.com/hashicorp/raft"
    raftboltdb "github.com/hashicorp/raft-boltdb"

    c "github.com/amirimatin/go-safemode/pkg/consensus"
    "github.com/amirimatin/go-safemode/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-safemode/pkg/observability/metrics"
    base "github.com/amirimatin/go-safemode/pkg/state"
    "github.com/amirimatin/go-safemode/pkg/state/nodes"
)

// Node implements consensus.Consensus using HashiCorp Raft. The replicated
// log holds data node registrations and health transitions.
type Node struct {
    opts  Options
    log   *log.Logger
    r     *raft.Raft
    lch   chan c.LeaderInfo
    addr  raft.ServerAddress
    trans raft.Transport
    lb    raft.LoopbackTransport
    st    base.NodeState
    store *raftboltdb.BoltStore
    // replayUntil is the last log index found on disk at Start.
    replayUntil atomic.Uint64
}

func New(opts Options) (*Node, error) {
    if err := opts.Validate(); err != nil {
        return nil, err
    }
    if opts.Logger == nil {
        opts.Logger = log.Default()
    }
    if opts.State == nil {
        opts.State = nodes.New()
    }
    return &Node{opts: opts, log: opts.Logger, lch: make(chan c.LeaderInfo, 16), st: opts.State}, nil
}

func (n *Node) Start(ctx context.Context) error {
    if n.r != nil {
        return nil
    }

    cfg := raft.DefaultConfig()
    cfg.LocalID = raft.ServerID(n.opts.NodeID)
    if n.opts.HeartbeatTimeout > 0 {
        cfg.HeartbeatTimeout = n.opts.HeartbeatTimeout
        // Keep lease <= heartbeat to satisfy invariants
        if cfg.LeaderLeaseTimeout > cfg.HeartbeatTimeout {
            cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout / 2
            if cfg.LeaderLeaseTimeout == 0 { cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout }
        }
    }
    if n.opts.ElectionTimeout > 0 { cfg.ElectionTimeout = n.opts.ElectionTimeout }
    if n.opts.CommitTimeout > 0 { cfg.CommitTimeout = n.opts.CommitTimeout }

    var (
        logs   raft.LogStore
        stable raft.StableStore
        snaps  raft.SnapshotStore
        addr   raft.ServerAddress
        trans  raft.Transport
        err    error
    )

    if n.opts.DataDir != "" {
        if n.opts.SnapshotsRetained == 0 { n.opts.SnapshotsRetained = 2 }
        if err := os.MkdirAll(n.opts.DataDir, 0o755); err != nil { return err }
        bstore, err := raftboltdb.NewBoltStore(filepath.Join(n.opts.DataDir, "raft.db"))
        if err != nil { return err }
        logs = bstore
        n.store = bstore
        stable = bstore
        snaps, err = raft.NewFileSnapshotStore(n.opts.DataDir, n.opts.SnapshotsRetained, os.Stderr)
        if err != nil { return err }
    } else {
        logs = raft.NewInmemStore()
        stable = raft.NewInmemStore()
        snaps = raft.NewInmemSnapshotStore()
    }

    last, err := logs.LastIndex()
    if err != nil { return err }
    n.replayUntil.Store(last)
    if last > 0 {
        logutil.Infof(n.log, "raftcons: replaying persisted log up to index %d", last)
    }

    if n.opts.BindAddr != "" {
        nt, err := raft.NewTCPTransport(n.opts.BindAddr, nil, 3, 1*time.Second, os.Stderr)
        if err != nil { return err }
        trans = nt
        addr = nt.LocalAddr()
    } else {
        addr, trans = raft.NewInmemTransport(raft.ServerAddress(n.opts.NodeID))
    }

    fsm := newNodeFSM(n.st, n.opts.OnRegister)

    r, err := raft.NewRaft(cfg, fsm, logs, stable, snaps, trans)
    if err != nil {
        return err
    }
    n.r = r
    n.addr = addr
    n.trans = trans
    if lb, ok := n.trans.(raft.LoopbackTransport); ok { n.lb = lb }

    // Observe leadership changes and forward to LeaderCh.
    obsCh := make(chan raft.Observation, 32)
    observer := raft.NewObserver(obsCh, false, func(o *raft.Observation) bool {
        _, ok := o.Data.(raft.LeaderObservation)
        return ok
    })
    n.r.RegisterObserver(observer)
    go func() {
        for range obsCh {
            if id, addr, ok := n.Leader(); ok {
                n.emitLeader(c.LeaderInfo{ID: id, Addr: addr, Term: n.Term()})
            }
        }
    }()

    go func() {
        // Small delay to allow Raft to settle, then emit if leader.
        time.Sleep(50 * time.Millisecond)
        if id, addr, ok := n.Leader(); ok {
            n.emitLeader(c.LeaderInfo{ID: id, Addr: addr, Term: n.Term()})
        }
    }()

    if n.opts.Bootstrap {
        // A node restarting from disk already has a configuration.
        hasState, err := raft.HasExistingState(logs, stable, snaps)
        if err != nil { return err }
        if !hasState {
            cfgs := raft.Configuration{Servers: []raft.Server{{ID: cfg.LocalID, Address: addr}}}
            if err := n.r.BootstrapCluster(cfgs).Error(); err != nil {
                return err
            }
        }
    }

    go func() {
        <-ctx.Done()
        _ = n.Stop()
    }()
    return nil
}

func (n *Node) Apply(cmd c.Command, timeout time.Duration) error {
    r := n.r
    if r == nil {
        return fmt.Errorf("raftcons: not started")
    }
    if r.State() != raft.Leader {
        return fmt.Errorf("raftcons: not leader")
    }
    data, err := json.Marshal(cmd)
    if err != nil { return err }
    t := timeout
    if t <= 0 && n.opts.ApplyTimeout > 0 { t = n.opts.ApplyTimeout }
    af := r.Apply(data, t)
    if err := af.Error(); err != nil { return err }
    if v := af.Response(); v != nil {
        if e, ok := v.(error); ok && e != nil { return e }
    }
    return nil
}

// Replaying reports whether entries persisted before Start are still being
// applied.
func (n *Node) Replaying() bool {
    r := n.r
    if r == nil { return false }
    replaying := r.AppliedIndex() < n.replayUntil.Load()
    if replaying {
        obsmetrics.Replaying.Set(1)
    } else {
        obsmetrics.Replaying.Set(0)
    }
    return replaying
}

func (n *Node) IsLeader() bool {
    r := n.r
    if r == nil { return false }
    return r.State() == raft.Leader
}

func (n *Node) Leader() (id string, addr string, ok bool) {
    r := n.r
    if r == nil { return "", "", false }
    a, sid := r.LeaderWithID()
    if sid == "" { return "", "", false }
    return string(sid), string(a), true
}

func (n *Node) Term() uint64 {
    r := n.r
    if r == nil { return 0 }
    if v := r.Stats()["current_term"]; v != "" {
        if u, err := strconv.ParseUint(v, 10, 64); err == nil { return u }
    }
    return 0
}

// Addr returns the raft transport address once started.
func (n *Node) Addr() string { return string(n.addr) }

func (n *Node) Stop() error {
    r := n.r
    if r == nil { return nil }
    n.r = nil
    err := r.Shutdown().Error()
    if n.store != nil {
        // The bolt file lock must be released so a restart can reopen it.
        if cerr := n.store.Close(); err == nil { err = cerr }
        n.store = nil
    }
    return err
}

var _ c.Consensus = (*Node)(nil)
var _ c.Replayer = (*Node)(nil)

// LeaderCh implements consensus.LeaderNotifier.
func (n *Node) LeaderCh() <-chan c.LeaderInfo { return n.lch }

func (n *Node) emitLeader(li c.LeaderInfo) {
    select {
    case n.lch <- li:
    default:
        // drop to avoid blocking; last-writer-wins semantics are ok for leadership
    }
}

// State returns the node table driven by this FSM.
func (n *Node) State() base.NodeState { return n.st }

// StateSnapshot returns the current node table snapshot (for testing/inspection).
func (n *Node) StateSnapshot() ([]byte, error) {
    return n.st.Snapshot()
}

// AddVoter adds a voting server to the Raft cluster if not already present.
func (n *Node) AddVoter(id, addr string, timeout time.Duration) error {
    r := n.r
    if r == nil {
        return fmt.Errorf("raftcons: not started")
    }
    cfg := r.GetConfiguration()
    if err := cfg.Error(); err == nil {
        for _, srv := range cfg.Configuration().Servers {
            if string(srv.ID) == id {
                if string(srv.Address) == addr {
                    return nil
                }
                // Remove stale entry with different address before adding
                if err := r.RemoveServer(srv.ID, 0, timeout).Error(); err != nil { return err }
                break
            }
        }
    }
    return r.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, timeout).Error()
}

// RemoveServer removes a server from the Raft cluster if present.
func (n *Node) RemoveServer(id string, timeout time.Duration) error {
    r := n.r
    if r == nil {
        return fmt.Errorf("raftcons: not started")
    }
    return r.RemoveServer(raft.ServerID(id), 0, timeout).Error()
}
