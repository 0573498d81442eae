package memberlist

import (
    "context"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    base "github.com/amirimatin/go-safemode/pkg/membership"
)

func startNode(t *testing.T, ctx context.Context, name string, meta map[string]string) *Gossip {
    t.Helper()
    g, err := New(Options{Name: name, Bind: "127.0.0.1:0", Meta: meta, ProbeInterval: 100 * time.Millisecond, SuspicionMult: 2})
    require.NoError(t, err)
    require.NoError(t, g.Start(ctx))
    require.NotEmpty(t, g.Local().Addr)
    t.Cleanup(func() { _ = g.Stop() })
    return g
}

func awaitMembers(t *testing.T, m base.Membership, want int) {
    t.Helper()
    require.Eventually(t, func() bool { return len(m.Members()) == want }, 5*time.Second, 100*time.Millisecond,
        "members did not converge to %d", want)
}

func TestOptions_Validate(t *testing.T) {
    assert.Error(t, Options{Bind: ":0"}.Validate())
    assert.Error(t, Options{Name: "a"}.Validate())
    assert.Error(t, Options{Name: "a", Bind: ":0", Meta: map[string]string{base.MetaRole: base.RoleDataNode, base.MetaNodeID: "nope"}}.Validate())
    assert.NoError(t, Options{Name: "a", Bind: ":0", Meta: map[string]string{base.MetaRole: base.RoleDataNode, base.MetaNodeID: base.NewNodeID().String()}}.Validate())
}

func TestGossip_StartLocal(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    g := startNode(t, ctx, "t1", map[string]string{base.MetaRole: base.RoleCoordinator})

    assert.Equal(t, "t1", g.Local().ID)
    assert.Equal(t, base.RoleCoordinator, g.Local().Meta[base.MetaRole])
    assert.GreaterOrEqual(t, g.HealthScore(), 0)
    assert.Error(t, (&Gossip{}).Join([]string{"x"}))
}

func TestGossip_DataNodeJoinLeave(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
    defer cancel()

    coord := startNode(t, ctx, "coord", map[string]string{base.MetaRole: base.RoleCoordinator})
    id := base.NewNodeID()
    dn := startNode(t, ctx, "dn1", map[string]string{base.MetaRole: base.RoleDataNode, base.MetaNodeID: id.String()})
    require.NoError(t, dn.Join([]string{coord.Local().Addr}))

    awaitMembers(t, coord, 2)
    awaitMembers(t, dn, 2)
    assert.Equal(t, []base.NodeID{id}, coord.DataNodes())

    // The coordinator sees a join carrying the data node identity.
    require.Eventually(t, func() bool {
        for {
            select {
            case ev := <-coord.Events():
                if got, ok := ev.Member.NodeID(); ok && got == id && ev.Type == base.EventJoin { return true }
            default:
                return false
            }
        }
    }, 5*time.Second, 50*time.Millisecond)

    require.NoError(t, dn.Leave())
    require.NoError(t, dn.Stop())
    awaitMembers(t, coord, 1)

    var sawLeave bool
    require.Eventually(t, func() bool {
        for {
            select {
            case ev := <-coord.Events():
                if ev.Member.ID == "dn1" && ev.Type == base.EventLeave { sawLeave = true }
            default:
                return sawLeave
            }
        }
    }, 5*time.Second, 50*time.Millisecond)
}
