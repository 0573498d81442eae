package coordinator

import (
    "context"
    "encoding/json"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-safemode/pkg/consensus"
    raftcons "github.com/amirimatin/go-safemode/pkg/consensus/raft"
    "github.com/amirimatin/go-safemode/pkg/events"
    "github.com/amirimatin/go-safemode/pkg/membership"
    "github.com/amirimatin/go-safemode/pkg/safemode"
    "github.com/amirimatin/go-safemode/pkg/state/nodes"
    "github.com/amirimatin/go-safemode/pkg/transport"
)

type fixture struct {
    c     *Coordinator
    table *nodes.Table
    sm    *safemode.Manager
}

func newFixture(t *testing.T, required int) *fixture {
    t.Helper()
    table := nodes.New()
    q := events.NewQueue(events.Options{Workers: 2})
    publish := func(r membership.RegistrationReport) {
        _ = q.PublishWait(context.Background(), events.Event{Kind: events.KindNodeRegistration, Payload: r, At: r.At})
    }
    rn, err := raftcons.New(raftcons.Options{NodeID: "c1", Bootstrap: true, State: table, OnRegister: publish, ApplyTimeout: 2 * time.Second})
    require.NoError(t, err)

    sm := safemode.NewManager(safemode.ManagerOptions{Queue: q, Mode: ModeFrom(rn), PollInterval: 50 * time.Millisecond})
    rule, err := safemode.NewDataNodeRule(safemode.DataNodeRuleOptions{Required: required, Nodes: table, InSafeMode: sm.InSafeMode})
    require.NoError(t, err)
    require.NoError(t, sm.Register(rule, safemode.WithPreCheck()))

    c, err := New(Options{NodeID: "c1", Consensus: rn, Queue: q, SafeMode: sm, Nodes: table, MetricsInterval: 50 * time.Millisecond})
    require.NoError(t, err)

    ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    t.Cleanup(cancel)
    require.NoError(t, c.Start(ctx))
    t.Cleanup(func() { _ = c.Close() })
    require.Eventually(t, rn.IsLeader, 3*time.Second, 20*time.Millisecond)
    return &fixture{c: c, table: table, sm: sm}
}

func TestOptions_Validate(t *testing.T) {
    _, err := New(Options{})
    assert.Error(t, err)
    _, err = New(Options{NodeID: "c1"})
    assert.Error(t, err)
}

func TestCoordinator_RegisterExitsSafeMode(t *testing.T) {
    f := newFixture(t, 2)
    ctx := context.Background()
    sub := f.c.Subscribe(ctx)

    a, b := membership.NewNodeID(), membership.NewNodeID()
    resp, err := f.c.Register(ctx, membership.RegistrationReport{ID: a, Hostname: "dn-a"})
    require.NoError(t, err)
    assert.True(t, resp.Accepted)
    // A repeated registration must not count twice.
    _, err = f.c.Register(ctx, membership.RegistrationReport{ID: a})
    require.NoError(t, err)
    assert.True(t, f.sm.InSafeMode())

    _, err = f.c.Register(ctx, membership.RegistrationReport{ID: b, Hostname: "dn-b"})
    require.NoError(t, err)
    require.Eventually(t, func() bool { return !f.sm.InSafeMode() }, 3*time.Second, 20*time.Millisecond)

    require.Eventually(t, func() bool {
        for {
            select {
            case ev := <-sub:
                if ev.Type == EventSafeModeChanged && !ev.SafeMode.InSafeMode { return true }
            default:
                return false
            }
        }
    }, 3*time.Second, 20*time.Millisecond)

    st, err := f.c.Status(ctx)
    require.NoError(t, err)
    assert.True(t, st.Healthy)
    assert.Equal(t, "c1", st.LeaderID)
    assert.False(t, st.Replaying)
    assert.Equal(t, safemode.ModeLive, st.SafeMode.Mode)
    assert.Equal(t, 2, st.Nodes[membership.Healthy])
}

func TestCoordinator_RegisterRejectsNilID(t *testing.T) {
    f := newFixture(t, 1)
    _, err := f.c.Register(context.Background(), membership.RegistrationReport{})
    assert.ErrorIs(t, err, ErrInvalidNodeID)
}

func TestCoordinator_GossipDrivesHealth(t *testing.T) {
    f := newFixture(t, 5)
    id := membership.NewNodeID()
    mi := membership.MemberInfo{ID: "dn1", Addr: "127.0.0.1:7946", Meta: map[string]string{
        membership.MetaRole: membership.RoleDataNode, membership.MetaNodeID: id.String()}}

    f.c.handleMemberEvent(membership.Event{Type: membership.EventJoin, Member: mi, At: time.Now()})
    n, ok := f.table.Get(id)
    require.True(t, ok)
    assert.Equal(t, membership.InServiceHealthy(), n.Status)

    f.c.handleMemberEvent(membership.Event{Type: membership.EventFailed, Member: mi, At: time.Now()})
    n, _ = f.table.Get(id)
    assert.Equal(t, membership.Dead, n.Status.Health)

    // Gossip-learned nodes are not registrations.
    assert.Equal(t, "registered (=0) >= required (=5)", f.sm.Status().Rules[0].StatusText)

    // Members without a datanode identity are ignored.
    f.c.handleMemberEvent(membership.Event{Type: membership.EventJoin, Member: membership.MemberInfo{ID: "c2"}})
    assert.Len(t, f.table.List(), 1)
}

func TestCoordinator_ForceExitAndJSON(t *testing.T) {
    f := newFixture(t, 3)
    ctx := context.Background()

    b, err := f.c.safeModeJSON(ctx)
    require.NoError(t, err)
    var st safemode.Status
    require.NoError(t, json.Unmarshal(b, &st))
    assert.True(t, st.InSafeMode)
    require.Len(t, st.Rules, 1)
    assert.Equal(t, safemode.DataNodeRuleName, st.Rules[0].Name)

    assert.True(t, f.c.ForceExitSafeMode(ctx, "test"))
    assert.False(t, f.c.ForceExitSafeMode(ctx, "test"))

    b, err = f.c.statusJSON(ctx)
    require.NoError(t, err)
    var cs Status
    require.NoError(t, json.Unmarshal(b, &cs))
    assert.False(t, cs.SafeMode.InSafeMode)
}

// stubConsensus is a follower that never learns a leader.
type stubConsensus struct{}

func (stubConsensus) Start(context.Context) error                    { return nil }
func (stubConsensus) Apply(consensus.Command, time.Duration) error   { return nil }
func (stubConsensus) IsLeader() bool                                 { return false }
func (stubConsensus) Leader() (string, string, bool)                 { return "", "", false }
func (stubConsensus) Term() uint64                                   { return 0 }
func (stubConsensus) Stop() error                                    { return nil }

func TestCoordinator_EnterSafeModeRestartsEpoch(t *testing.T) {
    f := newFixture(t, 1)
    ctx := context.Background()
    _, err := f.c.Register(ctx, membership.RegistrationReport{ID: membership.NewNodeID()})
    require.NoError(t, err)
    require.Eventually(t, func() bool { return !f.sm.InSafeMode() }, 3*time.Second, 20*time.Millisecond)

    sub := f.sm.Subscribe(ctx)
    resp, err := f.c.handleEnter(ctx, transport.EnterRequest{Reason: "maintenance"})
    require.NoError(t, err)
    assert.True(t, resp.Entered)
    assert.Equal(t, "registered (=0) >= required (=1)", f.sm.Status().Rules[0].StatusText)

    select {
    case ev := <-sub:
        assert.True(t, ev.InSafeMode)
        assert.Equal(t, safemode.ReasonRestart, ev.Reason)
    case <-time.After(time.Second):
        t.Fatal("no restart event")
    }

    // The node table still holds a healthy node, so live evaluation exits again.
    require.Eventually(t, func() bool { return !f.sm.InSafeMode() }, 3*time.Second, 20*time.Millisecond)
}

func TestCoordinator_EnterSafeModeDisabled(t *testing.T) {
    sm := safemode.NewManager(safemode.ManagerOptions{Disabled: true})
    c, err := New(Options{NodeID: "c2", Consensus: stubConsensus{}, Queue: events.NewQueue(events.Options{}), SafeMode: sm, Nodes: nodes.New()})
    require.NoError(t, err)
    assert.False(t, c.EnterSafeMode(context.Background(), "test"))
}

// leaderStub is a consensus that is always the leader.
type leaderStub struct{ stubConsensus }

func (leaderStub) IsLeader() bool                 { return true }
func (leaderStub) Leader() (string, string, bool) { return "c1", "c1", true }

// refreshRule counts Refresh calls and never validates.
type refreshRule struct{ refreshed chan struct{} }

func (r *refreshRule) Name() string                                   { return "refresh" }
func (r *refreshRule) EventType() events.Kind                         { return events.KindNodeHealth }
func (r *refreshRule) Process(events.Event)                           {}
func (r *refreshRule) Validate(safemode.ValidationMode) (bool, error) { return false, nil }
func (r *refreshRule) StatusText() string                             { return "" }
func (r *refreshRule) Cleanup()                                       {}
func (r *refreshRule) Refresh(bool)                                   { r.refreshed <- struct{}{} }

func TestCoordinator_LeadershipGainRefreshesRules(t *testing.T) {
    rule := &refreshRule{refreshed: make(chan struct{}, 1)}
    sm := safemode.NewManager(safemode.ManagerOptions{})
    require.NoError(t, sm.Register(rule))
    c, err := New(Options{NodeID: "c1", Consensus: leaderStub{}, Queue: events.NewQueue(events.Options{}), SafeMode: sm, Nodes: nodes.New()})
    require.NoError(t, err)

    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    ch := make(chan consensus.LeaderInfo, 1)
    go c.leaderLoop(ctx, ch)
    ch <- consensus.LeaderInfo{ID: "c1", Term: 2}

    select {
    case <-rule.refreshed:
    case <-time.After(2 * time.Second):
        t.Fatal("rules were not refreshed after leadership gain")
    }
}

func TestCoordinator_FollowerWithoutLeader(t *testing.T) {
    sm := safemode.NewManager(safemode.ManagerOptions{})
    c, err := New(Options{NodeID: "c2", Consensus: stubConsensus{}, Queue: events.NewQueue(events.Options{}), SafeMode: sm, Nodes: nodes.New()})
    require.NoError(t, err)

    _, err = c.Register(context.Background(), membership.RegistrationReport{ID: membership.NewNodeID()})
    assert.ErrorIs(t, err, ErrNoLeader)

    resp, err := c.handleJoin(context.Background(), transportJoin("c3"))
    require.NoError(t, err)
    assert.False(t, resp.Accepted)
    assert.Equal(t, ErrNotLeader.Error(), resp.Error)

    st, err := c.Status(context.Background())
    require.NoError(t, err)
    assert.False(t, st.Healthy)
    assert.Contains(t, st.Warnings, "no leader")
    assert.Equal(t, ErrNoRPCClient, c.Join(context.Background(), ""))
}

func transportJoin(id string) transport.JoinRequest { return transport.JoinRequest{ID: id, RaftAddr: id + ":0"} }
