// Package datanode is the data node side of registration: it announces the
// node over gossip and reports it to a coordinator until accepted.
package datanode

import (
    "context"
    "errors"
    "fmt"
    "log"
    "os"
    "sync"
    "time"

    "github.com/amirimatin/go-safemode/pkg/config"
    "github.com/amirimatin/go-safemode/pkg/discovery"
    "github.com/amirimatin/go-safemode/pkg/internal/logutil"
    "github.com/amirimatin/go-safemode/pkg/membership"
    ml "github.com/amirimatin/go-safemode/pkg/membership/memberlist"
    "github.com/amirimatin/go-safemode/pkg/transport"
)

// ErrRejected is returned when the coordinator answers without accepting.
var ErrRejected = errors.New("datanode: registration rejected")

type Options struct {
    Config config.DataNode
    // Client talks to the coordinator management endpoint. Required.
    Client transport.RPCClient
    Logger *log.Logger
    // RetryInterval between failed registration attempts (default 1s).
    RetryInterval time.Duration
    // Discovery provides gossip seeds. Built from Config.Discovery when nil.
    Discovery discovery.Discovery
}

// Agent registers one data node identity with the coordinators.
type Agent struct {
    opts   Options
    log    *log.Logger
    id     membership.NodeID
    host   string
    mu     sync.Mutex
    gossip *ml.Gossip
}

// New resolves the node identity (generated when not configured) and
// hostname. Nothing is started.
func New(opts Options) (*Agent, error) {
    if opts.Client == nil { return nil, errors.New("datanode: nil client") }
    if err := opts.Config.Validate(); err != nil { return nil, err }
    if opts.Logger == nil { opts.Logger = log.Default() }
    if opts.RetryInterval <= 0 { opts.RetryInterval = time.Second }
    if opts.Discovery == nil { opts.Discovery = opts.Config.Discovery.Source(opts.Config.Seeds, opts.Logger) }
    id := membership.NewNodeID()
    if opts.Config.NodeID != "" {
        var err error
        id, err = membership.ParseNodeID(opts.Config.NodeID)
        if err != nil { return nil, err }
    }
    host := opts.Config.Hostname
    if host == "" { host, _ = os.Hostname() }
    return &Agent{opts: opts, log: opts.Logger, id: id, host: host}, nil
}

func (a *Agent) ID() membership.NodeID { return a.id }

// Report builds the registration report sent to the coordinator.
func (a *Agent) Report() membership.RegistrationReport {
    r := membership.RegistrationReport{ID: a.id, Hostname: a.host, Containers: a.opts.Config.Containers, At: time.Now()}
    a.mu.Lock()
    if a.gossip != nil { r.Addr = a.gossip.Local().Addr }
    a.mu.Unlock()
    return r
}

// Register sends one registration report.
func (a *Agent) Register(ctx context.Context) (transport.RegisterResponse, error) {
    resp, err := a.opts.Client.PostRegister(ctx, a.opts.Config.Coordinator, transport.RegisterRequest{Report: a.Report()})
    if err != nil { return resp, err }
    if !resp.Accepted { return resp, fmt.Errorf("%w: %s", ErrRejected, resp.Error) }
    return resp, nil
}

// Run joins gossip (when a bind address is configured), registers until the
// coordinator accepts, then re-registers every Heartbeat until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
    if err := a.startGossip(ctx); err != nil { return err }
    defer a.stopGossip()

    if err := a.registerUntilAccepted(ctx); err != nil { return err }
    if a.opts.Config.Heartbeat <= 0 {
        <-ctx.Done()
        return nil
    }
    t := time.NewTicker(a.opts.Config.Heartbeat)
    defer t.Stop()
    for {
        select {
        case <-ctx.Done():
            return nil
        case <-t.C:
            if _, err := a.Register(ctx); err != nil && ctx.Err() == nil {
                logutil.Warnf(a.log, "datanode %s: heartbeat registration: %v", a.id, err)
            }
        }
    }
}

func (a *Agent) registerUntilAccepted(ctx context.Context) error {
    for {
        resp, err := a.Register(ctx)
        if err == nil {
            logutil.Infof(a.log, "datanode %s registered (coordinator safe mode=%v)", a.id, resp.InSafeMode)
            return nil
        }
        logutil.Warnf(a.log, "datanode %s: register with %s: %v", a.id, a.opts.Config.Coordinator, err)
        select {
        case <-ctx.Done():
            return ctx.Err()
        case <-time.After(a.opts.RetryInterval):
        }
    }
}

func (a *Agent) startGossip(ctx context.Context) error {
    cfg := a.opts.Config
    if cfg.GossipBind == "" { return nil }
    g, err := ml.New(ml.Options{
        Name:      a.id.String(),
        Bind:      cfg.GossipBind,
        Advertise: cfg.GossipAdvertise,
        Logger:    a.log,
        Meta:      map[string]string{membership.MetaNodeID: a.id.String(), membership.MetaRole: membership.RoleDataNode},
    })
    if err != nil { return err }
    if err := g.Start(ctx); err != nil { return err }
    if seeds := a.opts.Discovery.Seeds(); len(seeds) > 0 {
        if err := g.Join(seeds); err != nil { logutil.Warnf(a.log, "datanode %s: gossip join: %v", a.id, err) }
    }
    a.mu.Lock()
    a.gossip = g
    a.mu.Unlock()
    return nil
}

func (a *Agent) stopGossip() {
    a.mu.Lock()
    g := a.gossip
    a.gossip = nil
    a.mu.Unlock()
    if g == nil { return }
    _ = g.Leave()
    _ = g.Stop()
}
