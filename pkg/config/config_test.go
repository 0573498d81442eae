package config

import (
    "errors"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-safemode/pkg/safemode"
)

func TestLoadCoordinator_Defaults(t *testing.T) {
    c, err := LoadCoordinator()
    require.NoError(t, err)
    assert.True(t, c.Enabled)
    assert.Equal(t, safemode.DefaultMinRequiredNodeCount, c.MinRequiredNodeCount)
    assert.Equal(t, time.Second, c.PollInterval)
    assert.Equal(t, ProtoHTTP, c.MgmtProto)
    assert.Equal(t, 4, c.EventWorkers)
    assert.Empty(t, c.Seeds)
}

func TestLoadCoordinator_FromEnv(t *testing.T) {
    t.Setenv("SAFEMODE_MIN_REQUIRED_NODE_COUNT", "3")
    t.Setenv("SAFEMODE_ENABLED", "false")
    t.Setenv("SAFEMODE_POLL_INTERVAL", "250ms")
    t.Setenv("SAFEMODE_SEEDS", "a:1,b:2")
    t.Setenv("SAFEMODE_MGMT_PROTO", "grpc")

    c, err := LoadCoordinator()
    require.NoError(t, err)
    assert.Equal(t, 3, c.MinRequiredNodeCount)
    assert.False(t, c.Enabled)
    assert.Equal(t, 250*time.Millisecond, c.PollInterval)
    assert.Equal(t, []string{"a:1", "b:2"}, c.Seeds)
    assert.Equal(t, ProtoGRPC, c.MgmtProto)
}

func TestLoadCoordinator_Invalid(t *testing.T) {
    t.Setenv("SAFEMODE_MIN_REQUIRED_NODE_COUNT", "-1")
    _, err := LoadCoordinator()
    require.Error(t, err)
    assert.True(t, errors.Is(err, ErrInvalid))
    assert.True(t, errors.Is(err, safemode.ErrNegativeThreshold))

    t.Setenv("SAFEMODE_MIN_REQUIRED_NODE_COUNT", "many")
    _, err = LoadCoordinator()
    assert.ErrorContains(t, err, "parse env")
}

func TestCoordinator_ValidateProto(t *testing.T) {
    c, err := LoadCoordinator()
    require.NoError(t, err)
    c.MgmtProto = "udp"
    assert.ErrorIs(t, c.Validate(), ErrInvalid)
}

func TestLoadDataNode(t *testing.T) {
    t.Setenv("SAFEMODE_DATANODE_COORDINATOR", "10.0.0.1:17946")
    t.Setenv("SAFEMODE_DATANODE_HEARTBEAT", "5s")
    d, err := LoadDataNode()
    require.NoError(t, err)
    assert.Equal(t, "10.0.0.1:17946", d.Coordinator)
    assert.Equal(t, 5*time.Second, d.Heartbeat)

    d.Containers = -1
    assert.ErrorIs(t, d.Validate(), ErrInvalid)
}

func TestDiscovery_FromEnv(t *testing.T) {
    t.Setenv("SAFEMODE_DISCOVERY", "dns")
    t.Setenv("SAFEMODE_DISCOVERY_DNS_NAMES", "_gossip._tcp.example.com,10.0.0.1:7946")
    t.Setenv("SAFEMODE_DISCOVERY_DNS_PORT", "8946")
    c, err := LoadCoordinator()
    require.NoError(t, err)
    assert.Equal(t, DiscoveryDNS, c.Discovery.Kind)
    assert.Equal(t, []string{"_gossip._tcp.example.com", "10.0.0.1:7946"}, c.Discovery.DNSNames)
    assert.Equal(t, 8946, c.Discovery.DNSPort)
    assert.Equal(t, 5*time.Second, c.Discovery.Refresh)

    t.Setenv("SAFEMODE_DISCOVERY_DNS_NAMES", "")
    _, err = LoadCoordinator()
    assert.ErrorIs(t, err, ErrInvalid)

    t.Setenv("SAFEMODE_DISCOVERY", "consul")
    _, err = LoadDataNode()
    assert.ErrorIs(t, err, ErrInvalid)
}

func TestDiscovery_Source(t *testing.T) {
    assert.Equal(t, []string{"a:1"}, Discovery{Kind: DiscoveryStatic}.Source([]string{"a:1", " "}, nil).Seeds())
    assert.Equal(t, []string{"b:2"}, Discovery{}.Source([]string{"b:2"}, nil).Seeds())

    t.Setenv("SAFEMODE_TEST_SEEDS", "c:3,d:4")
    d := Discovery{Kind: DiscoveryFile, FileEnv: "SAFEMODE_TEST_SEEDS"}
    require.NoError(t, d.Validate())
    assert.Equal(t, []string{"c:3", "d:4"}, d.Source([]string{"ignored:1"}, nil).Seeds())

    dns := Discovery{Kind: DiscoveryDNS, DNSNames: []string{"10.0.0.1:7946"}}
    assert.Equal(t, []string{"10.0.0.1:7946"}, dns.Source(nil, nil).Seeds())

    assert.ErrorIs(t, Discovery{Kind: DiscoveryFile}.Validate(), ErrInvalid)
}

func TestTLS_FromEnv(t *testing.T) {
    t.Setenv("SAFEMODE_TLS_ENABLE", "true")
    t.Setenv("SAFEMODE_TLS_CA_FILE", "/etc/safemode/ca.crt")
    t.Setenv("SAFEMODE_TLS_CERT_FILE", "/etc/safemode/node.crt")
    t.Setenv("SAFEMODE_TLS_KEY_FILE", "/etc/safemode/node.key")
    c, err := LoadCoordinator()
    require.NoError(t, err)
    assert.True(t, c.TLS.Enable)
    assert.Equal(t, "/etc/safemode/ca.crt", c.TLS.CAFile)

    d, err := LoadDataNode()
    require.NoError(t, err)
    assert.Equal(t, "/etc/safemode/node.key", d.TLS.KeyFile)

    t.Setenv("SAFEMODE_TLS_KEY_FILE", "")
    _, err = LoadCoordinator()
    assert.ErrorIs(t, err, ErrInvalid)
}
