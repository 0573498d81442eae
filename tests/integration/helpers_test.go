//go:build integration

package integration

import (
    "context"
    "encoding/json"
    "errors"
    "testing"
    "time"

    "github.com/amirimatin/go-safemode/pkg/bootstrap"
    "github.com/amirimatin/go-safemode/pkg/config"
    "github.com/amirimatin/go-safemode/pkg/coordinator"
    "github.com/amirimatin/go-safemode/pkg/transport"
    httpjson "github.com/amirimatin/go-safemode/pkg/transport/httpjson"
)

const (
    mgmt1 = "127.0.0.1:17946"
    mgmt2 = "127.0.0.1:18946"
    mgmt3 = "127.0.0.1:19946"
)

type node struct {
    id, raft, gossip, mgmt string
}

var (
    node1 = node{"n1", "127.0.0.1:9521", "127.0.0.1:7946", mgmt1}
    node2 = node{"n2", "127.0.0.1:9522", "127.0.0.1:8946", mgmt2}
    node3 = node{"n3", "127.0.0.1:9523", "127.0.0.1:9946", mgmt3}
)

func coordConfig(n node, bootstrapRaft bool, dataDir string, seeds ...string) bootstrap.Config {
    return bootstrap.Config{Coordinator: config.Coordinator{
        NodeID:               n.id,
        RaftAddr:             n.raft,
        GossipBind:           n.gossip,
        Seeds:                seeds,
        MgmtAddr:             n.mgmt,
        MgmtProto:            config.ProtoHTTP,
        DataDir:              dataDir,
        Bootstrap:            bootstrapRaft,
        ApplyTimeout:         2 * time.Second,
        Enabled:              true,
        MinRequiredNodeCount: 1,
        PollInterval:         100 * time.Millisecond,
        EventWorkers:         2,
        EventBuffer:          128,
    }}
}

func mustStart(t *testing.T, ctx context.Context, cfg bootstrap.Config) *coordinator.Coordinator {
    t.Helper()
    c, err := bootstrap.Run(ctx, cfg)
    if err != nil { t.Fatalf("%s: %v", cfg.NodeID, err) }
    return c
}

// mustStartThreeNodes starts n1 as the bootstrap leader, gossips n2/n3 into
// it and adds them as raft voters.
func mustStartThreeNodes(t *testing.T, ctx context.Context) (n1, n2, n3 *coordinator.Coordinator) {
    t.Helper()
    n1 = mustStart(t, ctx, coordConfig(node1, true, ""))
    waitUntil(t, 10*time.Second, func() error {
        s, err := fetchStatus(ctx, mgmt1)
        if err != nil { return err }
        if s.LeaderID != "n1" { return errNotYet }
        return nil
    })
    n2 = mustStart(t, ctx, coordConfig(node2, false, "", node1.gossip))
    n3 = mustStart(t, ctx, coordConfig(node3, false, "", node1.gossip))

    cli := httpjson.NewClient(3 * time.Second)
    joinCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
    defer cancel()
    for _, n := range []node{node2, node3} {
        if _, err := cli.PostJoin(joinCtx, mgmt1, transport.JoinRequest{ID: n.id, RaftAddr: n.raft}); err != nil {
            t.Fatalf("join %s: %v", n.id, err)
        }
    }
    return n1, n2, n3
}

var errNotYet = errors.New("not yet")

func waitUntil(t *testing.T, timeout time.Duration, fn func() error) {
    t.Helper()
    deadline := time.Now().Add(timeout)
    var last error
    for time.Now().Before(deadline) {
        if last = fn(); last == nil { return }
        time.Sleep(200 * time.Millisecond)
    }
    t.Fatalf("timeout waiting for condition: %v", last)
}

func fetchStatus(ctx context.Context, addr string) (coordinator.Status, error) {
    var s coordinator.Status
    b, err := httpjson.NewClient(time.Second).GetStatus(ctx, addr)
    if err != nil { return s, err }
    err = json.Unmarshal(b, &s)
    return s, err
}

func waitSafeModeExit(t *testing.T, ctx context.Context, addrs ...string) {
    t.Helper()
    waitUntil(t, 15*time.Second, func() error {
        for _, a := range addrs {
            s, err := fetchStatus(ctx, a)
            if err != nil { return err }
            if s.SafeMode.InSafeMode { return errNotYet }
        }
        return nil
    })
}
