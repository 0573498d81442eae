package memberlist

import (
    "context"
    "encoding/json"
    "fmt"
    "log"
    "net"
    "strconv"
    "sync"
    "time"

    "github.com/hashicorp/memberlist"

    "github.com/amirimatin/go-safemode/pkg/internal/logutil"
    base "github.com/amirimatin/go-safemode/pkg/membership"
)

// Options configures the memberlist-based gossip layer. Data nodes advertise
// their identity through Meta (node_id, role=datanode); coordinators advertise
// their management address (mgmt).
type Options struct {
    // Name is the unique gossip member name.
    Name string

    // Bind is the bind address in host:port form (e.g. ":7946").
    Bind string

    // Advertise is the address peers use to reach this member. Derived from
    // Bind when empty.
    Advertise string

    Meta map[string]string

    Logger *log.Logger

    // Tuning parameters (optional). Zero means use defaults.
    ProbeInterval time.Duration
    ProbeTimeout  time.Duration
    SuspicionMult int

    // EventBuffer sizes the Events channel. Defaults to 64.
    EventBuffer int
}

func (o Options) Validate() error {
    if o.Name == "" { return fmt.Errorf("memberlist: empty Name") }
    if o.Bind == "" { return fmt.Errorf("memberlist: empty Bind address") }
    if role := o.Meta[base.MetaRole]; role == base.RoleDataNode {
        if _, err := base.ParseNodeID(o.Meta[base.MetaNodeID]); err != nil {
            return fmt.Errorf("memberlist: datanode meta: %w", err)
        }
    }
    return nil
}

// Gossip implements base.Membership using HashiCorp memberlist.
type Gossip struct {
    mu     sync.RWMutex
    opts   Options
    ml     *memberlist.Memberlist
    evts   chan base.Event
    closed bool
}

func New(opts Options) (*Gossip, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    if opts.Logger == nil { opts.Logger = log.Default() }
    if opts.EventBuffer <= 0 { opts.EventBuffer = 64 }
    return &Gossip{opts: opts, evts: make(chan base.Event, opts.EventBuffer)}, nil
}

func (g *Gossip) Start(ctx context.Context) error {
    g.mu.Lock()
    defer g.mu.Unlock()
    if g.ml != nil { return nil }
    if g.closed { return fmt.Errorf("memberlist: stopped") }

    cfg := memberlist.DefaultLANConfig()
    cfg.Name = g.opts.Name
    host, port, err := splitHostPort(g.opts.Bind)
    if err != nil { return fmt.Errorf("memberlist: bind %q: %w", g.opts.Bind, err) }
    cfg.BindAddr, cfg.BindPort = host, port
    if g.opts.Advertise != "" {
        host, port, err := splitHostPort(g.opts.Advertise)
        if err != nil { return fmt.Errorf("memberlist: advertise %q: %w", g.opts.Advertise, err) }
        cfg.AdvertiseAddr, cfg.AdvertisePort = host, port
    }
    if g.opts.ProbeInterval > 0 { cfg.ProbeInterval = g.opts.ProbeInterval }
    if g.opts.ProbeTimeout > 0 { cfg.ProbeTimeout = g.opts.ProbeTimeout }
    if g.opts.SuspicionMult > 0 { cfg.SuspicionMult = g.opts.SuspicionMult }
    cfg.Logger = g.opts.Logger

    meta, err := json.Marshal(g.opts.Meta)
    if err != nil { return err }
    if len(meta) > memberlist.MetaMaxSize {
        return fmt.Errorf("memberlist: meta exceeds %d bytes", memberlist.MetaMaxSize)
    }
    cfg.Events = &eventDelegate{emit: g.emit}
    cfg.Delegate = &metaDelegate{meta: meta}

    ml, err := memberlist.Create(cfg)
    if err != nil { return err }
    g.ml = ml
    logutil.Infof(g.opts.Logger, "memberlist: %s listening on %s", g.opts.Name, g.localAddrLocked())

    go func() {
        <-ctx.Done()
        _ = g.Stop()
    }()
    return nil
}

func (g *Gossip) Join(seeds []string) error {
    g.mu.RLock()
    ml := g.ml
    g.mu.RUnlock()
    if ml == nil { return fmt.Errorf("memberlist: not started") }
    if len(seeds) == 0 { return nil }
    n, err := ml.Join(seeds)
    if err != nil { return err }
    logutil.Debugf(g.opts.Logger, "memberlist: joined %d/%d seeds", n, len(seeds))
    return nil
}

func (g *Gossip) Local() base.MemberInfo {
    g.mu.RLock()
    defer g.mu.RUnlock()
    if g.ml == nil { return base.MemberInfo{} }
    mi := toMember(g.ml.LocalNode())
    if len(mi.Meta) == 0 && g.opts.Meta != nil { mi.Meta = g.opts.Meta }
    return mi
}

func (g *Gossip) localAddrLocked() string {
    n := g.ml.LocalNode()
    return net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port)))
}

func (g *Gossip) Members() []base.MemberInfo {
    g.mu.RLock()
    defer g.mu.RUnlock()
    if g.ml == nil { return nil }
    nodes := g.ml.Members()
    out := make([]base.MemberInfo, 0, len(nodes))
    for _, n := range nodes { out = append(out, toMember(n)) }
    return out
}

// DataNodes returns the identities of live members advertising the datanode role.
func (g *Gossip) DataNodes() []base.NodeID {
    var out []base.NodeID
    for _, mi := range g.Members() {
        if id, ok := mi.NodeID(); ok { out = append(out, id) }
    }
    return out
}

func (g *Gossip) Events() <-chan base.Event { return g.evts }

// Leave broadcasts an intent to leave and waits up to a second for it to
// propagate.
func (g *Gossip) Leave() error {
    g.mu.RLock()
    ml := g.ml
    g.mu.RUnlock()
    if ml == nil { return nil }
    return ml.Leave(time.Second)
}

func (g *Gossip) Stop() error {
    g.mu.Lock()
    defer g.mu.Unlock()
    if g.closed { return nil }
    g.closed = true
    var err error
    if g.ml != nil {
        err = g.ml.Shutdown()
        g.ml = nil
    }
    close(g.evts)
    return err
}

// HealthScore implements membership.HealthReporter. Lower is healthier; -1
// means not started.
func (g *Gossip) HealthScore() int {
    g.mu.RLock()
    defer g.mu.RUnlock()
    if g.ml == nil { return -1 }
    return g.ml.GetHealthScore()
}

func (g *Gossip) emit(e base.Event) {
    g.mu.RLock()
    defer g.mu.RUnlock()
    if g.closed { return }
    select {
    case g.evts <- e:
    default:
        logutil.Warnf(g.opts.Logger, "memberlist: dropping %s event for %s: channel full", e.Type, e.Member.ID)
    }
}

func toMember(n *memberlist.Node) base.MemberInfo {
    meta := map[string]string{}
    if len(n.Meta) > 0 { _ = json.Unmarshal(n.Meta, &meta) }
    return base.MemberInfo{ID: n.Name, Addr: net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port))), Meta: meta}
}

// eventDelegate translates memberlist callbacks. A graceful leave is reported
// as EventLeave, anything else that removes a member as EventFailed.
type eventDelegate struct {
    emit func(e base.Event)
}

func (d *eventDelegate) NotifyJoin(n *memberlist.Node) {
    d.emit(base.Event{Type: base.EventJoin, Member: toMember(n), At: time.Now()})
}

func (d *eventDelegate) NotifyLeave(n *memberlist.Node) {
    typ := base.EventFailed
    if n.State == memberlist.StateLeft { typ = base.EventLeave }
    d.emit(base.Event{Type: typ, Member: toMember(n), At: time.Now()})
}

func (d *eventDelegate) NotifyUpdate(n *memberlist.Node) {
    d.emit(base.Event{Type: base.EventJoin, Member: toMember(n), At: time.Now()})
}

func splitHostPort(hp string) (string, int, error) {
    host, ps, err := net.SplitHostPort(hp)
    if err != nil { return "", 0, err }
    p, err := strconv.Atoi(ps)
    if err != nil || p < 0 || p > 65535 { return "", 0, fmt.Errorf("invalid port %q", ps) }
    return host, p, nil
}

// metaDelegate serves the static node metadata; the remaining hooks are unused.
type metaDelegate struct{ meta []byte }

func (d *metaDelegate) NodeMeta(limit int) []byte {
    if len(d.meta) <= limit { return d.meta }
    return nil
}
func (d *metaDelegate) NotifyMsg([]byte)                       {}
func (d *metaDelegate) GetBroadcasts(int, int) [][]byte        { return nil }
func (d *metaDelegate) LocalState(join bool) []byte            { return nil }
func (d *metaDelegate) MergeRemoteState(buf []byte, join bool) {}

var (
    _ base.Membership     = (*Gossip)(nil)
    _ base.HealthReporter = (*Gossip)(nil)
)
