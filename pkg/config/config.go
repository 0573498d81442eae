// Package config loads coordinator and data node settings from SAFEMODE_*
// environment variables.
package config

import (
    "errors"
    "fmt"
    "log"
    "time"

    "github.com/caarlos0/env/v11"

    "github.com/amirimatin/go-safemode/pkg/discovery"
    dDNS "github.com/amirimatin/go-safemode/pkg/discovery/dns"
    dFile "github.com/amirimatin/go-safemode/pkg/discovery/file"
    dStatic "github.com/amirimatin/go-safemode/pkg/discovery/static"
    "github.com/amirimatin/go-safemode/pkg/safemode"
    "github.com/amirimatin/go-safemode/pkg/security/tlsconfig"
)

// Prefix applies to every variable read by this package.
const Prefix = "SAFEMODE_"

// Management protocols.
const (
    ProtoHTTP = "http"
    ProtoGRPC = "grpc"
)

// Gossip seed sources.
const (
    DiscoveryStatic = "static"
    DiscoveryDNS    = "dns"
    DiscoveryFile   = "file"
)

var ErrInvalid = errors.New("config: invalid")

// Discovery selects where gossip seeds come from. static uses SEEDS as is.
type Discovery struct {
    Kind     string        `env:"DISCOVERY"           envDefault:"static"`
    DNSNames []string      `env:"DISCOVERY_DNS_NAMES" envSeparator:","`
    DNSPort  int           `env:"DISCOVERY_DNS_PORT"  envDefault:"7946"`
    File     string        `env:"DISCOVERY_FILE"`
    FileEnv  string        `env:"DISCOVERY_FILE_ENV"`
    Refresh  time.Duration `env:"DISCOVERY_REFRESH"   envDefault:"5s"`
}

func (d Discovery) Validate() error {
    switch d.Kind {
    case "", DiscoveryStatic:
    case DiscoveryDNS:
        if len(d.DNSNames) == 0 { return fmt.Errorf("%w: dns discovery needs %sDISCOVERY_DNS_NAMES", ErrInvalid, Prefix) }
    case DiscoveryFile:
        if d.File == "" && d.FileEnv == "" { return fmt.Errorf("%w: file discovery needs a path or env variable", ErrInvalid) }
    default:
        return fmt.Errorf("%w: discovery kind %q", ErrInvalid, d.Kind)
    }
    return nil
}

// Source builds the seed provider. seeds backs the static kind.
func (d Discovery) Source(seeds []string, logger *log.Logger) discovery.Discovery {
    switch d.Kind {
    case DiscoveryDNS:
        return dDNS.New(dDNS.Options{Names: d.DNSNames, Port: d.DNSPort, Refresh: d.Refresh, Logger: logger})
    case DiscoveryFile:
        return dFile.New(dFile.Options{Path: d.File, Env: d.FileEnv, Refresh: d.Refresh, Logger: logger})
    default:
        return dStatic.New(seeds...)
    }
}

// Coordinator configures a coordinator node. cobra flags in safemodectl
// override these values.
type Coordinator struct {
    NodeID          string        `env:"NODE_ID"`
    RaftAddr        string        `env:"RAFT_ADDR"        envDefault:"127.0.0.1:9521"`
    GossipBind      string        `env:"GOSSIP_BIND"      envDefault:"127.0.0.1:7946"`
    GossipAdvertise string        `env:"GOSSIP_ADVERTISE"`
    Seeds           []string      `env:"SEEDS"            envSeparator:","`
    MgmtAddr        string        `env:"MGMT_ADDR"        envDefault:"127.0.0.1:17946"`
    MgmtProto       string        `env:"MGMT_PROTO"       envDefault:"http"`
    DataDir         string        `env:"DATA_DIR"`
    Bootstrap       bool          `env:"BOOTSTRAP"`
    ApplyTimeout    time.Duration `env:"APPLY_TIMEOUT"    envDefault:"2s"`
    Tracing         bool          `env:"TRACING"`
    Discovery       Discovery
    // TLS secures the management API, both served and forwarded calls.
    TLS tlsconfig.Options

    // Enabled=false starts outside safe mode.
    Enabled bool `env:"ENABLED" envDefault:"true"`
    // MinRequiredNodeCount is the data node registration threshold
    // (minimum-required-node-count).
    MinRequiredNodeCount int           `env:"MIN_REQUIRED_NODE_COUNT" envDefault:"1"`
    PollInterval         time.Duration `env:"POLL_INTERVAL"           envDefault:"1s"`

    EventWorkers int `env:"EVENT_WORKERS" envDefault:"4"`
    EventBuffer  int `env:"EVENT_BUFFER"  envDefault:"1024"`
}

// DataNode configures the data node agent.
type DataNode struct {
    // NodeID is the node's UUID; generated when empty.
    NodeID          string        `env:"DATANODE_ID"`
    Hostname        string        `env:"DATANODE_HOSTNAME"`
    GossipBind      string        `env:"DATANODE_GOSSIP_BIND"      envDefault:"127.0.0.1:0"`
    GossipAdvertise string        `env:"DATANODE_GOSSIP_ADVERTISE"`
    Seeds           []string      `env:"SEEDS"                     envSeparator:","`
    Coordinator     string        `env:"DATANODE_COORDINATOR"      envDefault:"127.0.0.1:17946"`
    MgmtProto       string        `env:"MGMT_PROTO"                envDefault:"http"`
    Containers      int           `env:"DATANODE_CONTAINERS"`
    // Heartbeat re-sends the registration periodically; zero registers once.
    Heartbeat       time.Duration `env:"DATANODE_HEARTBEAT"`
    Discovery       Discovery
    TLS             tlsconfig.Options
}

// LoadCoordinator reads a Coordinator from the environment and validates it.
func LoadCoordinator() (Coordinator, error) {
    var c Coordinator
    if err := parse(&c); err != nil { return Coordinator{}, err }
    return c, c.Validate()
}

// LoadDataNode reads a DataNode from the environment and validates it.
func LoadDataNode() (DataNode, error) {
    var d DataNode
    if err := parse(&d); err != nil { return DataNode{}, err }
    return d, d.Validate()
}

func parse(target any) error {
    if err := env.ParseWithOptions(target, env.Options{Prefix: Prefix}); err != nil {
        return fmt.Errorf("parse env: %w", err)
    }
    return nil
}

func (c Coordinator) Validate() error {
    if c.MinRequiredNodeCount < 0 {
        return fmt.Errorf("%w: %s%s=%d: %w", ErrInvalid, Prefix, "MIN_REQUIRED_NODE_COUNT", c.MinRequiredNodeCount, safemode.ErrNegativeThreshold)
    }
    if err := validProto(c.MgmtProto); err != nil { return err }
    if c.PollInterval <= 0 { return fmt.Errorf("%w: poll interval must be positive", ErrInvalid) }
    if c.EventWorkers <= 0 || c.EventBuffer <= 0 {
        return fmt.Errorf("%w: event workers and buffer must be positive", ErrInvalid)
    }
    if c.RaftAddr == "" || c.GossipBind == "" || c.MgmtAddr == "" {
        return fmt.Errorf("%w: raft, gossip and management addresses are required", ErrInvalid)
    }
    if err := c.Discovery.Validate(); err != nil { return err }
    return validTLS(c.TLS)
}

func (d DataNode) Validate() error {
    if d.Coordinator == "" { return fmt.Errorf("%w: coordinator address required", ErrInvalid) }
    if d.Containers < 0 { return fmt.Errorf("%w: negative container count", ErrInvalid) }
    if err := d.Discovery.Validate(); err != nil { return err }
    if err := validTLS(d.TLS); err != nil { return err }
    return validProto(d.MgmtProto)
}

func validTLS(o tlsconfig.Options) error {
    if err := o.Validate(); err != nil { return fmt.Errorf("%w: %w", ErrInvalid, err) }
    return nil
}

func validProto(p string) error {
    switch p {
    case ProtoHTTP, ProtoGRPC:
        return nil
    }
    return fmt.Errorf("%w: management protocol %q", ErrInvalid, p)
}
