package cli

import (
    "bytes"
    "context"
    "encoding/json"
    "net/http/httptest"
    "strings"
    "testing"

    "github.com/spf13/cobra"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-safemode/pkg/config"
    m "github.com/amirimatin/go-safemode/pkg/membership"
    "github.com/amirimatin/go-safemode/pkg/security/tlsconfig"
    "github.com/amirimatin/go-safemode/pkg/security/tlsconfig/tlstest"
    "github.com/amirimatin/go-safemode/pkg/transport"
    httpjson "github.com/amirimatin/go-safemode/pkg/transport/httpjson"
)

type recorder struct {
    report m.RegistrationReport
    reason string
    enter  string
    join   transport.JoinRequest
}

func startCoordinator(t *testing.T, rec *recorder) string {
    t.Helper()
    ts := httptest.NewServer(httpjson.Handler(transport.Handlers{
        Status:   func(context.Context) ([]byte, error) { return []byte(`{"healthy":true}`), nil },
        SafeMode: func(context.Context) ([]byte, error) { return []byte(`{"inSafeMode":true}`), nil },
        Register: func(_ context.Context, req transport.RegisterRequest) (transport.RegisterResponse, error) {
            rec.report = req.Report
            return transport.RegisterResponse{Accepted: true, InSafeMode: true}, nil
        },
        ForceExit: func(_ context.Context, req transport.ForceExitRequest) (transport.ForceExitResponse, error) {
            rec.reason = req.Reason
            return transport.ForceExitResponse{Exited: true}, nil
        },
        Enter: func(_ context.Context, req transport.EnterRequest) (transport.EnterResponse, error) {
            rec.enter = req.Reason
            return transport.EnterResponse{Entered: true}, nil
        },
        Join: func(_ context.Context, req transport.JoinRequest) (transport.JoinResponse, error) {
            rec.join = req
            return transport.JoinResponse{Accepted: true, Leader: "c1"}, nil
        },
    }))
    t.Cleanup(ts.Close)
    return strings.TrimPrefix(ts.URL, "http://")
}

func execute(t *testing.T, args ...string) (string, error) {
    t.Helper()
    root := &cobra.Command{Use: "safemodectl", SilenceUsage: true, SilenceErrors: true}
    AddAll(root)
    var out bytes.Buffer
    root.SetOut(&out)
    root.SetErr(&out)
    root.SetArgs(args)
    err := root.Execute()
    return out.String(), err
}

func TestStatusAndSafeMode(t *testing.T) {
    addr := startCoordinator(t, &recorder{})
    out, err := execute(t, "status", "--addr", addr)
    require.NoError(t, err)
    assert.JSONEq(t, `{"healthy":true}`, out)

    out, err = execute(t, "safemode", "--addr", addr)
    require.NoError(t, err)
    assert.JSONEq(t, `{"inSafeMode":true}`, out)
}

func TestRegister(t *testing.T) {
    rec := &recorder{}
    addr := startCoordinator(t, rec)
    id := m.NewNodeID()
    out, err := execute(t, "register", "--addr", addr, "--id", id.String(), "--hostname", "dn1", "--containers", "4")
    require.NoError(t, err)
    var resp transport.RegisterResponse
    require.NoError(t, json.Unmarshal([]byte(out), &resp))
    assert.True(t, resp.Accepted)
    assert.Equal(t, id, rec.report.ID)
    assert.Equal(t, "dn1", rec.report.Hostname)
    assert.Equal(t, 4, rec.report.Containers)

    _, err = execute(t, "register", "--addr", addr, "--id", "bogus")
    assert.Error(t, err)
}

func TestExitSafeMode(t *testing.T) {
    rec := &recorder{}
    addr := startCoordinator(t, rec)
    out, err := execute(t, "exit-safemode", "--addr", addr, "--reason", "maintenance")
    require.NoError(t, err)
    assert.Contains(t, out, `"exited":true`)
    assert.Equal(t, "maintenance", rec.reason)
}

func TestEnterSafeMode(t *testing.T) {
    rec := &recorder{}
    addr := startCoordinator(t, rec)
    out, err := execute(t, "enter-safemode", "--addr", addr, "--reason", "disk swap")
    require.NoError(t, err)
    assert.Contains(t, out, `"entered":true`)
    assert.Equal(t, "disk swap", rec.enter)
}

func TestJoinLeave(t *testing.T) {
    rec := &recorder{}
    addr := startCoordinator(t, rec)
    _, err := execute(t, "join", "--addr", addr)
    assert.Error(t, err)

    _, err = execute(t, "join", "--addr", addr, "--id", "c2", "--raft-addr", "127.0.0.1:9522")
    require.NoError(t, err)
    assert.Equal(t, "c2", rec.join.ID)

    _, err = execute(t, "leave", "--addr", addr)
    assert.Error(t, err)
    // Leave is not served by this stub.
    _, err = execute(t, "leave", "--addr", addr, "--id", "c2")
    assert.Error(t, err)
}

func TestRun_RequiresID(t *testing.T) {
    t.Setenv("SAFEMODE_NODE_ID", "")
    _, err := execute(t, "run")
    assert.ErrorContains(t, err, "missing --id")

    _, err = execute(t, "run", "--id", "c1", "--min-nodes", "-1")
    assert.Error(t, err)
}

func TestStatus_MutualTLS(t *testing.T) {
    f := tlstest.Generate(t, t.TempDir())
    srvTLS, err := tlsconfig.Options{Enable: true, CAFile: f.CA, CertFile: f.NodeCert, KeyFile: f.NodeKey}.Server()
    require.NoError(t, err)
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    s := httpjson.NewServer("127.0.0.1:0", nil).UseTLS(srvTLS)
    require.NoError(t, s.Start(ctx, transport.Handlers{
        Status: func(context.Context) ([]byte, error) { return []byte(`{"healthy":true}`), nil },
    }))

    out, err := execute(t, "status", "--addr", s.Addr(),
        "--tls-enable", "--tls-ca", f.CA, "--tls-cert", f.ClientCert, "--tls-key", f.ClientKey)
    require.NoError(t, err)
    assert.JSONEq(t, `{"healthy":true}`, out)

    _, err = execute(t, "status", "--addr", s.Addr(), "--timeout", "500ms")
    assert.Error(t, err)

    _, err = execute(t, "status", "--addr", s.Addr(), "--tls-enable", "--tls-ca", f.NodeKey)
    assert.ErrorContains(t, err, "tls client config")
}

func TestRun_RejectsIncompleteDiscovery(t *testing.T) {
    _, err := execute(t, "run", "--id", "c1", "--discovery", config.DiscoveryDNS)
    assert.ErrorIs(t, err, config.ErrInvalid)

    dn := NewDataNodeCmd()
    dn.SetArgs([]string{"--discovery", config.DiscoveryFile})
    dn.SetOut(&bytes.Buffer{})
    assert.ErrorIs(t, dn.Execute(), config.ErrInvalid)
}

func TestNewCoordinatorCommand(t *testing.T) {
    c := NewCoordinatorCommand()
    names := map[string]bool{}
    for _, sc := range c.Commands() { names[sc.Name()] = true }
    for _, want := range []string{"run", "status", "safemode", "register", "exit-safemode", "enter-safemode", "join", "leave"} {
        assert.True(t, names[want], want)
    }
}
