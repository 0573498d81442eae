package bootstrap

import (
    "context"
    "errors"
    "fmt"
    "log"
    "time"

    "github.com/amirimatin/go-safemode/pkg/config"
    cns "github.com/amirimatin/go-safemode/pkg/consensus"
    consraft "github.com/amirimatin/go-safemode/pkg/consensus/raft"
    "github.com/amirimatin/go-safemode/pkg/coordinator"
    "github.com/amirimatin/go-safemode/pkg/events"
    "github.com/amirimatin/go-safemode/pkg/internal/logutil"
    "github.com/amirimatin/go-safemode/pkg/membership"
    ml "github.com/amirimatin/go-safemode/pkg/membership/memberlist"
    "github.com/amirimatin/go-safemode/pkg/safemode"
    "github.com/amirimatin/go-safemode/pkg/security/tlsconfig"
    "github.com/amirimatin/go-safemode/pkg/state/nodes"
    "github.com/amirimatin/go-safemode/pkg/transport"
    mgmtgrpc "github.com/amirimatin/go-safemode/pkg/transport/grpc"
    httpjson "github.com/amirimatin/go-safemode/pkg/transport/httpjson"
)

// Config is the input for assembling a coordinator: the environment-backed
// settings plus in-process hooks.
type Config struct {
    config.Coordinator

    // Logger (optional). If nil, log.Default() is used.
    Logger *log.Logger

    OnLeaderChange func(info cns.LeaderInfo)
}

// Build wires the node table, raft, gossip, event queue, safe-mode manager
// and management API into a coordinator without starting it.
func Build(cfg Config) (*coordinator.Coordinator, error) {
    if cfg.Logger == nil { cfg.Logger = log.Default() }
    if err := cfg.Validate(); err != nil { return nil, err }
    if cfg.NodeID == "" { return nil, errors.New("bootstrap: empty NodeID") }

    table := nodes.New()
    q := events.NewQueue(events.Options{Workers: cfg.EventWorkers, Buffer: cfg.EventBuffer, Logger: cfg.Logger})

    onRegister := registrationPublisher(q, cfg.Logger)
    cons, err := consraft.New(consraft.Options{
        NodeID:       cfg.NodeID,
        Logger:       cfg.Logger,
        BindAddr:     cfg.RaftAddr,
        DataDir:      cfg.DataDir,
        Bootstrap:    cfg.Bootstrap,
        ApplyTimeout: cfg.ApplyTimeout,
        State:        table,
        OnRegister:   onRegister,
    })
    if err != nil { return nil, err }

    sm := safemode.NewManager(safemode.ManagerOptions{
        Disabled:     !cfg.Enabled,
        Queue:        q,
        Logger:       cfg.Logger,
        PollInterval: cfg.PollInterval,
        Mode:         coordinator.ModeFrom(cons),
    })
    rule, err := safemode.NewDataNodeRule(safemode.DataNodeRuleOptions{
        Required:   cfg.MinRequiredNodeCount,
        Nodes:      table,
        Logger:     cfg.Logger,
        InSafeMode: sm.InSafeMode,
    })
    if err != nil { return nil, fmt.Errorf("bootstrap: %w", err) }
    if err := sm.Register(rule, safemode.WithPreCheck()); err != nil { return nil, err }

    // The management address travels in gossip meta so followers can find
    // the leader's endpoint.
    meta := map[string]string{membership.MetaRole: membership.RoleCoordinator, membership.MetaMgmt: cfg.MgmtAddr}
    mem, err := ml.New(ml.Options{Name: cfg.NodeID, Bind: cfg.GossipBind, Advertise: cfg.GossipAdvertise, Logger: cfg.Logger, Meta: meta})
    if err != nil { return nil, err }

    srv, cli, err := Management(cfg.MgmtProto, cfg.MgmtAddr, cfg.TLS, cfg.Logger)
    if err != nil { return nil, err }

    return coordinator.New(coordinator.Options{
        NodeID:         cfg.NodeID,
        Logger:         cfg.Logger,
        Consensus:      cons,
        RaftAddr:       cfg.RaftAddr,
        Membership:     mem,
        Discovery:      cfg.Discovery.Source(cfg.Seeds, cfg.Logger),
        Queue:          q,
        SafeMode:       sm,
        Nodes:          table,
        RPCServer:      srv,
        RPCClient:      cli,
        ApplyTimeout:   cfg.ApplyTimeout,
        OnLeaderChange: cfg.OnLeaderChange,
    })
}

// registrationPublisher delivers every committed registration, including ones
// replayed from disk, to the safe-mode rules through the queue. It blocks the
// raft FSM while the queue is full so no report is lost; only a closed queue
// drops it.
func registrationPublisher(q *events.Queue, logger *log.Logger) func(membership.RegistrationReport) {
    return func(r membership.RegistrationReport) {
        ev := events.Event{Kind: events.KindNodeRegistration, Payload: r, At: r.At}
        if err := q.PublishWait(context.Background(), ev); err != nil && !errors.Is(err, events.ErrClosed) {
            logutil.Errorf(logger, "bootstrap: publish registration %s: %v", r.ID, err)
        }
    }
}

// Management returns the server/client pair for the given protocol. With TLS
// enabled the server uses the key pair from tlsOpts, and the client presents
// the same identity when forwarding to the leader.
func Management(proto, bind string, tlsOpts tlsconfig.Options, logger *log.Logger) (transport.RPCServer, transport.RPCClient, error) {
    srvTLS, err := tlsOpts.Server()
    if err != nil { return nil, nil, fmt.Errorf("bootstrap: tls server config: %w", err) }
    cli, err := Client(proto, 3*time.Second, tlsOpts)
    if err != nil { return nil, nil, err }
    if proto == config.ProtoGRPC {
        return mgmtgrpc.NewServer(bind).UseTLS(srvTLS), cli, nil
    }
    return httpjson.NewServer(bind, logger).UseTLS(srvTLS), cli, nil
}

// Client returns a management client for the given protocol.
func Client(proto string, timeout time.Duration, tlsOpts tlsconfig.Options) (transport.RPCClient, error) {
    cliTLS, err := tlsOpts.Client()
    if err != nil { return nil, fmt.Errorf("bootstrap: tls client config: %w", err) }
    if proto == config.ProtoGRPC { return mgmtgrpc.NewClient(timeout).UseTLS(cliTLS), nil }
    return httpjson.NewClient(timeout).UseTLS(cliTLS), nil
}

// Run builds and starts the coordinator. The caller is responsible for
// calling Close() when finished.
func Run(ctx context.Context, cfg Config) (*coordinator.Coordinator, error) {
    c, err := Build(cfg)
    if err != nil { return nil, err }
    if err := c.Start(ctx); err != nil {
        _ = c.Close()
        return nil, err
    }
    return c, nil
}
