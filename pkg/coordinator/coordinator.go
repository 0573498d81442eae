package coordinator

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "log"
    "sync"
    "time"

    "github.com/google/uuid"

    "github.com/amirimatin/go-safemode/pkg/consensus"
    "github.com/amirimatin/go-safemode/pkg/events"
    "github.com/amirimatin/go-safemode/pkg/internal/logutil"
    "github.com/amirimatin/go-safemode/pkg/membership"
    obsmetrics "github.com/amirimatin/go-safemode/pkg/observability/metrics"
    "github.com/amirimatin/go-safemode/pkg/observability/tracing"
    "github.com/amirimatin/go-safemode/pkg/safemode"
    "github.com/amirimatin/go-safemode/pkg/transport"
)

// Coordinator runs the safe-mode manager on top of the replicated node table.
// Data node registrations are committed through raft on the leader; followers
// forward them. Gossip membership feeds node health on the leader.
type Coordinator struct {
    opts Options
    log  *log.Logger
    mu   sync.Mutex
    run  struct {
        started bool
        closed  bool
        cancel  context.CancelFunc
    }
    cons consensus.Consensus
    mem  membership.Membership
    sm   *safemode.Manager
    q    *events.Queue
    eb   eventBus
}

// New constructs a Coordinator from validated options. It performs no network
// activity; call Start to launch the node.
func New(opts Options) (*Coordinator, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    if opts.Logger == nil { opts.Logger = log.Default() }
    if opts.ApplyTimeout <= 0 { opts.ApplyTimeout = 2 * time.Second }
    if opts.MetricsInterval <= 0 { opts.MetricsInterval = 2 * time.Second }
    return &Coordinator{opts: opts, log: opts.Logger, cons: opts.Consensus, mem: opts.Membership, sm: opts.SafeMode, q: opts.Queue}, nil
}

// ModeFrom derives the safe-mode validation mode from a replaying consensus
// engine: replaying while the persisted log is re-applied, live afterwards.
func ModeFrom(r consensus.Replayer) func() safemode.ValidationMode {
    return func() safemode.ValidationMode {
        if r.Replaying() { return safemode.ModeReplaying }
        return safemode.ModeLive
    }
}

// Start launches the event queue, gossip, consensus, the safe-mode evaluation
// loop and the management endpoint.
func (c *Coordinator) Start(ctx context.Context) error {
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.run.started { return nil }
    c.run.started = true
    obsmetrics.Register()

    ctx, cancel := context.WithCancel(ctx)
    c.run.cancel = cancel

    c.q.Subscribe(events.KindSafeModeStatus, func(ev events.Event) {
        if st, ok := ev.Payload.(safemode.StatusEvent); ok {
            c.eb.publish(Event{Type: EventSafeModeChanged, At: ev.At, SafeMode: &st})
        }
    })
    c.q.Subscribe(events.KindNodeHealth, func(events.Event) { c.refreshNodeMetrics() })
    c.q.Start(ctx)

    if c.mem != nil {
        if err := c.mem.Start(ctx); err != nil { return err }
        if c.opts.Discovery != nil {
            if seeds := c.opts.Discovery.Seeds(); len(seeds) > 0 {
                logutil.Infof(c.log, "joining gossip seeds: %v", seeds)
                if err := c.mem.Join(seeds); err != nil {
                    logutil.Warnf(c.log, "gossip join failed: %v", err)
                }
            }
        }
    }
    if err := c.cons.Start(ctx); err != nil { return err }
    if ln, ok := c.cons.(consensus.LeaderNotifier); ok {
        go c.leaderLoop(ctx, ln.LeaderCh())
    }
    go c.membershipEventsLoop(ctx)
    go c.metricsLoop(ctx)
    go c.sm.Run(ctx)

    if c.opts.RPCServer != nil {
        h := transport.Handlers{
            Status:    c.statusJSON,
            SafeMode:  c.safeModeJSON,
            Register:  c.handleRegister,
            ForceExit: c.handleForceExit,
            Enter:     c.handleEnter,
            Join:      c.handleJoin,
            Leave:     c.handleLeave,
        }
        if err := c.opts.RPCServer.Start(ctx, h); err != nil { return err }
        logutil.Infof(c.log, "management endpoint listening at %s", c.opts.RPCServer.Addr())
    }
    logutil.Infof(c.log, "coordinator %s started (safe mode=%v)", c.opts.NodeID, c.sm.InSafeMode())
    return nil
}

// Stop shuts down the management server, consensus, gossip and the queue.
func (c *Coordinator) Stop(ctx context.Context) error {
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.run.closed { return nil }
    c.run.closed = true
    if c.opts.RPCServer != nil { _ = c.opts.RPCServer.Stop(ctx) }
    if c.mem != nil {
        _ = c.mem.Leave()
        _ = c.mem.Stop()
    }
    err := c.cons.Stop()
    if c.run.cancel != nil { c.run.cancel() }
    _ = c.q.Close()
    return err
}

// Close is Stop with a background context.
func (c *Coordinator) Close() error { return c.Stop(context.Background()) }

// SafeMode exposes the safe-mode manager.
func (c *Coordinator) SafeMode() *safemode.Manager { return c.sm }

// Register commits a data node registration. On a follower the report is
// forwarded to the leader's management endpoint.
func (c *Coordinator) Register(ctx context.Context, r membership.RegistrationReport) (transport.RegisterResponse, error) {
    ctx, end := tracing.StartSpan(ctx, "coordinator.register", "node_id", r.ID.String())
    defer end()
    if r.ID == uuid.Nil {
        obsmetrics.RegisterRequests.WithLabelValues("invalid").Inc()
        return transport.RegisterResponse{Error: ErrInvalidNodeID.Error()}, ErrInvalidNodeID
    }
    if r.At.IsZero() { r.At = time.Now() }
    if c.cons.IsLeader() {
        b, err := json.Marshal(r)
        if err != nil { return transport.RegisterResponse{}, err }
        if err := c.cons.Apply(consensus.Command{Op: consensus.OpRegisterNode, Payload: b}, c.opts.ApplyTimeout); err != nil {
            obsmetrics.RegisterRequests.WithLabelValues("failed").Inc()
            tracing.RecordError(ctx, err)
            logutil.Errorf(c.log, "register %s: %v", r.ID, err)
            return transport.RegisterResponse{Error: err.Error()}, err
        }
        obsmetrics.RegisterRequests.WithLabelValues("accepted").Inc()
        logutil.Debugf(c.log, "registered data node %s (%s)", r.ID, r.Hostname)
        return transport.RegisterResponse{Accepted: true, InSafeMode: c.sm.InSafeMode(), Leader: c.localMgmt()}, nil
    }

    leader := c.leaderMgmt()
    if leader == "" {
        obsmetrics.RegisterRequests.WithLabelValues("no_leader").Inc()
        return transport.RegisterResponse{Error: ErrNoLeader.Error()}, ErrNoLeader
    }
    if c.opts.RPCClient == nil {
        return transport.RegisterResponse{Leader: leader, Error: ErrNotLeader.Error()}, ErrNotLeader
    }
    obsmetrics.RegisterRequests.WithLabelValues("forwarded").Inc()
    resp, err := c.opts.RPCClient.PostRegister(ctx, leader, transport.RegisterRequest{Report: r})
    if err != nil { return resp, fmt.Errorf("forward to %s: %w", leader, err) }
    return resp, nil
}

// ForceExitSafeMode is the operator override. It acts on this coordinator's
// manager only and reports whether safe mode was left.
func (c *Coordinator) ForceExitSafeMode(ctx context.Context, reason string) bool {
    _, end := tracing.StartSpan(ctx, "coordinator.forceExit")
    defer end()
    exited := c.sm.ForceExit()
    if exited {
        logutil.Warnf(c.log, "safe mode exit forced by operator: %s", reason)
    }
    return exited
}

// EnterSafeMode restarts the safe-mode epoch on this coordinator: safe mode is
// re-entered and registrations collected so far are discarded, so data nodes
// must report again. Live validation reads the node table, so a coordinator
// that still sees enough healthy nodes leaves again on the next poll. It
// reports false when safe mode is disabled.
func (c *Coordinator) EnterSafeMode(ctx context.Context, reason string) bool {
    _, end := tracing.StartSpan(ctx, "coordinator.enterSafeMode")
    defer end()
    entered := c.sm.Restart()
    if entered {
        logutil.Warnf(c.log, "safe mode entered by operator: %s", reason)
    }
    return entered
}

// Join asks the leader to add this coordinator as a raft voter. seedLeader is
// any coordinator's management address; it is resolved to the leader via its
// /status.
func (c *Coordinator) Join(ctx context.Context, seedLeader string) error {
    if c.opts.RPCClient == nil { return ErrNoRPCClient }
    target := seedLeader
    if target == "" {
        target = c.leaderMgmt()
    } else if data, err := c.opts.RPCClient.GetStatus(ctx, target); err == nil {
        var st Status
        if json.Unmarshal(data, &st) == nil && st.LeaderAddr != "" { target = st.LeaderAddr }
    }
    if target == "" { return ErrNoLeader }
    resp, err := c.opts.RPCClient.PostJoin(ctx, target, transport.JoinRequest{ID: c.opts.NodeID, RaftAddr: c.opts.RaftAddr})
    if err != nil {
        if err.Error() == ErrNotLeader.Error() { return ErrNotLeader }
        return err
    }
    if !resp.Accepted { return errors.New("coordinator: join rejected") }
    return nil
}

// Status synthesizes raft, gossip, node table and safe-mode state. A follower
// reports the leader's management address when it can resolve it.
func (c *Coordinator) Status(ctx context.Context) (*Status, error) {
    _, end := tracing.StartSpan(ctx, "coordinator.status")
    defer end()
    s := &Status{Term: c.cons.Term(), SafeMode: c.sm.Status()}
    if id, _, ok := c.cons.Leader(); ok {
        s.LeaderID = id
        s.Healthy = true
        if c.cons.IsLeader() {
            s.LeaderAddr = c.localMgmt()
        } else {
            s.LeaderAddr = c.lookupMgmt(id)
        }
    } else {
        s.Warnings = append(s.Warnings, "no leader")
    }
    if r, ok := c.cons.(consensus.Replayer); ok { s.Replaying = r.Replaying() }
    if hc, ok := c.opts.Nodes.(healthCounter); ok { s.Nodes = hc.CountByHealth() }
    if c.mem != nil { s.Members = c.mem.Members() }
    if s.SafeMode.InSafeMode {
        for _, rs := range s.SafeMode.Rules {
            if !rs.Validated { s.Warnings = append(s.Warnings, rs.Name+": "+rs.StatusText) }
        }
    }
    obsmetrics.IsLeader.Set(b2f(c.cons.IsLeader()))
    return s, nil
}

type healthCounter interface {
    CountByHealth() map[membership.Health]int
}

func (c *Coordinator) statusJSON(ctx context.Context) ([]byte, error) {
    st, err := c.Status(ctx)
    if err != nil { return nil, err }
    return json.Marshal(st)
}

func (c *Coordinator) safeModeJSON(context.Context) ([]byte, error) {
    return json.Marshal(c.sm.Status())
}

func (c *Coordinator) handleRegister(ctx context.Context, req transport.RegisterRequest) (transport.RegisterResponse, error) {
    return c.Register(ctx, req.Report)
}

func (c *Coordinator) handleForceExit(ctx context.Context, req transport.ForceExitRequest) (transport.ForceExitResponse, error) {
    return transport.ForceExitResponse{Exited: c.ForceExitSafeMode(ctx, req.Reason)}, nil
}

func (c *Coordinator) handleEnter(ctx context.Context, req transport.EnterRequest) (transport.EnterResponse, error) {
    return transport.EnterResponse{Entered: c.EnterSafeMode(ctx, req.Reason)}, nil
}

func (c *Coordinator) handleJoin(ctx context.Context, req transport.JoinRequest) (transport.JoinResponse, error) {
    _, end := tracing.StartSpan(ctx, "coordinator.handleJoin")
    defer end()
    if !c.cons.IsLeader() {
        obsmetrics.JoinRequests.WithLabelValues("rejected").Inc()
        logutil.Warnf(c.log, "join rejected (not leader): id=%s", req.ID)
        return transport.JoinResponse{Leader: c.leaderMgmt(), Error: ErrNotLeader.Error()}, nil
    }
    if rc, ok := c.cons.(consensus.Reconfigurer); ok {
        if err := rc.AddVoter(req.ID, req.RaftAddr, 3*time.Second); err != nil {
            obsmetrics.JoinRequests.WithLabelValues("failed").Inc()
            logutil.Errorf(c.log, "add voter failed: id=%s addr=%s err=%v", req.ID, req.RaftAddr, err)
            return transport.JoinResponse{Error: err.Error()}, nil
        }
    }
    obsmetrics.JoinRequests.WithLabelValues("accepted").Inc()
    logutil.Infof(c.log, "join accepted: id=%s addr=%s", req.ID, req.RaftAddr)
    return transport.JoinResponse{Accepted: true}, nil
}

func (c *Coordinator) handleLeave(ctx context.Context, req transport.LeaveRequest) (transport.LeaveResponse, error) {
    _, end := tracing.StartSpan(ctx, "coordinator.handleLeave")
    defer end()
    if !c.cons.IsLeader() {
        logutil.Warnf(c.log, "leave rejected (not leader): id=%s", req.ID)
        return transport.LeaveResponse{Error: ErrNotLeader.Error()}, nil
    }
    c.removeServer(req.ID)
    logutil.Infof(c.log, "leave accepted: id=%s", req.ID)
    return transport.LeaveResponse{Accepted: true}, nil
}

func (c *Coordinator) removeServer(id string) {
    rc, ok := c.cons.(consensus.Reconfigurer)
    if !ok || !c.cons.IsLeader() { return }
    if err := rc.RemoveServer(id, 3*time.Second); err != nil {
        logutil.Warnf(c.log, "remove voter failed: id=%s err=%v", id, err)
        return
    }
    logutil.Infof(c.log, "removed voter: id=%s", id)
}

func (c *Coordinator) leaderLoop(ctx context.Context, ch <-chan consensus.LeaderInfo) {
    for {
        select {
        case <-ctx.Done():
            return
        case li, ok := <-ch:
            if !ok { return }
            obsmetrics.LeaderChanges.Inc()
            obsmetrics.IsLeader.Set(b2f(c.cons.IsLeader()))
            logutil.Infof(c.log, "leader change observed: id=%s term=%d", li.ID, li.Term)
            liCopy := li
            c.eb.publish(Event{Type: EventLeaderChanged, At: time.Now(), Leader: &liCopy})
            if c.opts.OnLeaderChange != nil { c.opts.OnLeaderChange(liCopy) }
            if c.cons.IsLeader() {
                go c.reconcileDataNodes()
                go c.refreshSafeMode(ctx)
            }
        }
    }
}

// refreshSafeMode re-derives rule state after this node gains leadership, so
// evidence committed under the previous leader is evaluated right away.
func (c *Coordinator) refreshSafeMode(ctx context.Context) {
    if _, err := c.sm.Refresh(ctx, false); err != nil && ctx.Err() == nil {
        logutil.Warnf(c.log, "safe mode refresh after leadership change: %v", err)
    }
}

// membershipEventsLoop turns gossip transitions of data nodes into raft
// writes on the leader: a join records the node as healthy, a leave or
// failure marks it dead.
func (c *Coordinator) membershipEventsLoop(ctx context.Context) {
    if c.mem == nil { return }
    evch := c.mem.Events()
    for {
        select {
        case <-ctx.Done():
            return
        case e, ok := <-evch:
            if !ok { return }
            c.handleMemberEvent(e)
        }
    }
}

func (c *Coordinator) handleMemberEvent(e membership.Event) {
    mi := e.Member
    switch e.Type {
    case membership.EventJoin:
        c.eb.publish(Event{Type: EventMemberJoin, At: e.At, Member: &mi})
    case membership.EventLeave:
        c.eb.publish(Event{Type: EventMemberLeave, At: e.At, Member: &mi})
    case membership.EventFailed:
        c.eb.publish(Event{Type: EventMemberFailed, At: e.At, Member: &mi})
    }
    if !c.cons.IsLeader() { return }
    id, isData := mi.NodeID()
    if !isData {
        if e.Type == membership.EventLeave && mi.Meta[membership.MetaRole] == membership.RoleCoordinator {
            c.removeServer(mi.ID)
        }
        return
    }
    switch e.Type {
    case membership.EventJoin:
        c.applyAddNode(id, mi)
    case membership.EventLeave, membership.EventFailed:
        c.applyHealth(id, membership.Dead)
    }
}

// reconcileDataNodes records every gossip-visible data node after this node
// becomes leader.
func (c *Coordinator) reconcileDataNodes() {
    if c.mem == nil { return }
    for _, mi := range c.mem.Members() {
        if id, ok := mi.NodeID(); ok { c.applyAddNode(id, mi) }
    }
}

func (c *Coordinator) applyAddNode(id membership.NodeID, mi membership.MemberInfo) {
    b, _ := json.Marshal(membership.RegistrationReport{ID: id, Hostname: mi.ID, Addr: mi.Addr, At: time.Now()})
    if err := c.cons.Apply(consensus.Command{Op: consensus.OpAddNode, Payload: b}, c.opts.ApplyTimeout); err != nil {
        logutil.Warnf(c.log, "add node %s: %v", id, err)
        return
    }
    c.publishHealth(id, membership.Healthy)
}

func (c *Coordinator) applyHealth(id membership.NodeID, h membership.Health) {
    b, _ := json.Marshal(consensus.HealthChange{ID: id, Health: h})
    if err := c.cons.Apply(consensus.Command{Op: consensus.OpUpdateHealth, Payload: b}, c.opts.ApplyTimeout); err != nil {
        logutil.Warnf(c.log, "update health %s=%s: %v", id, h, err)
        return
    }
    c.publishHealth(id, h)
}

func (c *Coordinator) publishHealth(id membership.NodeID, h membership.Health) {
    ev := events.Event{Kind: events.KindNodeHealth, Payload: consensus.HealthChange{ID: id, Health: h}, At: time.Now()}
    if err := c.q.Publish(ev); err != nil && !errors.Is(err, events.ErrClosed) {
        logutil.Warnf(c.log, "publish health: %v", err)
    }
}

func (c *Coordinator) metricsLoop(ctx context.Context) {
    ticker := time.NewTicker(c.opts.MetricsInterval)
    defer ticker.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-ticker.C:
            c.refreshNodeMetrics()
            obsmetrics.IsLeader.Set(b2f(c.cons.IsLeader()))
        }
    }
}

func (c *Coordinator) refreshNodeMetrics() {
    hc, ok := c.opts.Nodes.(healthCounter)
    if !ok { return }
    for h, n := range hc.CountByHealth() {
        obsmetrics.Nodes.WithLabelValues(string(h)).Set(float64(n))
    }
}

func (c *Coordinator) localMgmt() string {
    if c.opts.RPCServer != nil { return c.opts.RPCServer.Addr() }
    return ""
}

func (c *Coordinator) leaderMgmt() string {
    id, _, ok := c.cons.Leader()
    if !ok { return "" }
    if c.cons.IsLeader() { return c.localMgmt() }
    return c.lookupMgmt(id)
}

// lookupMgmt returns the management address advertised in gossip meta by the
// coordinator named id.
func (c *Coordinator) lookupMgmt(id string) string {
    if c.mem == nil { return "" }
    for _, mi := range c.mem.Members() {
        if mi.ID == id { return mi.Meta[membership.MetaMgmt] }
    }
    return ""
}

func b2f(b bool) float64 {
    if b { return 1 }
    return 0
}
