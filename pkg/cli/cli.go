package cli

import (
    "context"
    "encoding/json"
    "fmt"
    "io"
    "log"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/spf13/cobra"
    "github.com/spf13/pflag"

    "github.com/amirimatin/go-safemode/pkg/bootstrap"
    "github.com/amirimatin/go-safemode/pkg/config"
    "github.com/amirimatin/go-safemode/pkg/datanode"
    dStatic "github.com/amirimatin/go-safemode/pkg/discovery/static"
    "github.com/amirimatin/go-safemode/pkg/membership"
    tracing "github.com/amirimatin/go-safemode/pkg/observability/tracing"
    "github.com/amirimatin/go-safemode/pkg/safemode"
    "github.com/amirimatin/go-safemode/pkg/security/tlsconfig"
    "github.com/amirimatin/go-safemode/pkg/transport"
    mgmtgrpc "github.com/amirimatin/go-safemode/pkg/transport/grpc"
)

// AddAll attaches the coordinator subcommands to the provided root command.
func AddAll(root *cobra.Command) {
    for _, c := range commands() { root.AddCommand(c) }
}

// NewCoordinatorCommand returns a parent command "coordinator" holding every
// subcommand, for embedding in another service's CLI.
func NewCoordinatorCommand() *cobra.Command {
    parent := &cobra.Command{Use: "coordinator", Short: "safe-mode coordinator commands"}
    AddAll(parent)
    return parent
}

func commands() []*cobra.Command {
    return []*cobra.Command{
        NewRunCmd(),
        NewStatusCmd(),
        NewSafeModeCmd(),
        NewRegisterCmd(),
        NewExitSafeModeCmd(),
        NewEnterSafeModeCmd(),
        NewJoinCmd(),
        NewLeaveCmd(),
    }
}

// NewRunCmd returns the "run" command used to start a coordinator. Settings
// come from SAFEMODE_* environment variables; flags given explicitly win.
func NewRunCmd() *cobra.Command {
    var (
        id, raftAddr, memBind, memAdv, seedsCSV, mgmtAddr, mgmtProto, dataDir string
        traceEnable, doBootstrap, disabled                                    bool
        minNodes                                                              int
        tf                                                                    tlsFlags
        df                                                                    discoveryFlags
    )
    cmd := &cobra.Command{
        Use:   "run",
        Short: "Run a coordinator node",
        RunE: func(cmd *cobra.Command, args []string) error {
            cfg, err := config.LoadCoordinator()
            if err != nil { return err }
            f := cmd.Flags()
            set := func(name string, apply func()) { if f.Changed(name) { apply() } }
            set("id", func() { cfg.NodeID = id })
            set("raft-addr", func() { cfg.RaftAddr = raftAddr })
            set("mem-bind", func() { cfg.GossipBind = memBind })
            set("mem-adv", func() { cfg.GossipAdvertise = memAdv })
            set("join", func() { cfg.Seeds = splitCSV(seedsCSV) })
            set("mgmt-addr", func() { cfg.MgmtAddr = mgmtAddr })
            set("mgmt-proto", func() { cfg.MgmtProto = mgmtProto })
            set("data", func() { cfg.DataDir = dataDir })
            set("bootstrap", func() { cfg.Bootstrap = doBootstrap })
            set("trace", func() { cfg.Tracing = traceEnable })
            set("disable-safemode", func() { cfg.Enabled = !disabled })
            set("min-nodes", func() { cfg.MinRequiredNodeCount = minNodes })
            tf.apply(f, &cfg.TLS)
            df.apply(f, &cfg.Discovery)
            if cfg.NodeID == "" { return fmt.Errorf("missing --id (or %sNODE_ID)", config.Prefix) }
            if err := cfg.Validate(); err != nil { return err }

            ctx, cancel := signalContext()
            defer cancel()

            if cfg.Tracing {
                shutdown, err := tracing.Setup(true)
                if err != nil {
                    log.Printf("tracing setup error: %v", err)
                } else {
                    defer func() { _ = shutdown(context.Background()) }()
                }
            }

            co, err := bootstrap.Run(ctx, bootstrap.Config{Coordinator: cfg, Logger: log.Default()})
            if err != nil { return err }
            defer co.Close()

            fmt.Fprintln(cmd.OutOrStdout(), "coordinator running. Press Ctrl+C to exit.")
            <-ctx.Done()
            return nil
        },
    }
    cmd.Flags().StringVar(&id, "id", "", "node id (required)")
    cmd.Flags().StringVar(&raftAddr, "raft-addr", "127.0.0.1:9521", "raft bind addr (tcp)")
    cmd.Flags().StringVar(&memBind, "mem-bind", "127.0.0.1:7946", "membership bind addr (host:port)")
    cmd.Flags().StringVar(&memAdv, "mem-adv", "", "membership advertise addr (host:port, optional)")
    cmd.Flags().StringVar(&seedsCSV, "join", "", "comma-separated gossip seeds (host:port)")
    cmd.Flags().StringVar(&mgmtAddr, "mgmt-addr", "127.0.0.1:17946", "management address (tcp), separate from membership port")
    cmd.Flags().StringVar(&mgmtProto, "mgmt-proto", config.ProtoHTTP, "management RPC protocol: http|grpc")
    cmd.Flags().StringVar(&dataDir, "data", "", "raft data dir; registrations are replayed from it on restart")
    cmd.Flags().BoolVar(&doBootstrap, "bootstrap", false, "bootstrap single-node raft (first coordinator)")
    cmd.Flags().BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
    cmd.Flags().BoolVar(&disabled, "disable-safemode", false, "start outside safe mode")
    cmd.Flags().IntVar(&minNodes, "min-nodes", safemode.DefaultMinRequiredNodeCount, "minimum registered data nodes before leaving safe mode")
    tf.bind(cmd, "server")
    df.bind(cmd)
    return cmd
}

// tlsFlags mirror tlsconfig.Options. Only flags given explicitly override the
// environment.
type tlsFlags struct {
    opts tlsconfig.Options
}

func (t *tlsFlags) bind(cmd *cobra.Command, role string) {
    f := cmd.Flags()
    f.BoolVar(&t.opts.Enable, "tls-enable", false, "enable mTLS for the management API")
    f.StringVar(&t.opts.CAFile, "tls-ca", "", "path to CA cert (PEM)")
    f.StringVar(&t.opts.CertFile, "tls-cert", "", "path to "+role+" certificate (PEM)")
    f.StringVar(&t.opts.KeyFile, "tls-key", "", "path to "+role+" private key (PEM)")
    f.BoolVar(&t.opts.InsecureSkipVerify, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    f.StringVar(&t.opts.ServerName, "tls-server-name", "", "expected server name (for TLS validation)")
}

func (t *tlsFlags) apply(f *pflag.FlagSet, o *tlsconfig.Options) {
    set := func(name string, apply func()) { if f.Changed(name) { apply() } }
    set("tls-enable", func() { o.Enable = t.opts.Enable })
    set("tls-ca", func() { o.CAFile = t.opts.CAFile })
    set("tls-cert", func() { o.CertFile = t.opts.CertFile })
    set("tls-key", func() { o.KeyFile = t.opts.KeyFile })
    set("tls-skip-verify", func() { o.InsecureSkipVerify = t.opts.InsecureSkipVerify })
    set("tls-server-name", func() { o.ServerName = t.opts.ServerName })
}

// discoveryFlags select the gossip seed source; --join backs the static kind.
type discoveryFlags struct {
    kind, dnsNames, file, fileEnv string
    dnsPort                       int
}

func (d *discoveryFlags) bind(cmd *cobra.Command) {
    f := cmd.Flags()
    f.StringVar(&d.kind, "discovery", config.DiscoveryStatic, "gossip seed source: static|dns|file")
    f.StringVar(&d.dnsNames, "dns-names", "", "comma-separated SRV records or host names (dns discovery)")
    f.IntVar(&d.dnsPort, "dns-port", 7946, "gossip port for A/AAAA answers (dns discovery)")
    f.StringVar(&d.file, "seeds-file", "", "seed file or glob (file discovery)")
    f.StringVar(&d.fileEnv, "seeds-env", "", "environment variable overriding the seed file (file discovery)")
}

func (d *discoveryFlags) apply(f *pflag.FlagSet, c *config.Discovery) {
    set := func(name string, apply func()) { if f.Changed(name) { apply() } }
    set("discovery", func() { c.Kind = d.kind })
    set("dns-names", func() { c.DNSNames = splitCSV(d.dnsNames) })
    set("dns-port", func() { c.DNSPort = d.dnsPort })
    set("seeds-file", func() { c.File = d.file })
    set("seeds-env", func() { c.FileEnv = d.fileEnv })
}

// clientFlags are shared by every command that talks to a running coordinator.
type clientFlags struct {
    addr, proto string
    timeout     time.Duration
    tls         tlsFlags
}

func (c *clientFlags) bind(cmd *cobra.Command) {
    cmd.Flags().StringVar(&c.addr, "addr", "127.0.0.1:17946", "management address of a coordinator (host:port)")
    cmd.Flags().StringVar(&c.proto, "mgmt-proto", config.ProtoHTTP, "management RPC protocol: http|grpc")
    cmd.Flags().DurationVar(&c.timeout, "timeout", 3*time.Second, "request timeout")
    c.tls.bind(cmd, "client")
}

// do runs fn with a fresh client and a timeout-bounded context.
func (c *clientFlags) do(fn func(context.Context, transport.RPCClient) error) error {
    cl, err := bootstrap.Client(c.proto, c.timeout, c.tls.opts)
    if err != nil { return err }
    if g, ok := cl.(*mgmtgrpc.Client); ok { defer g.Close() }
    ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
    defer cancel()
    return fn(ctx, cl)
}

func blobCmd(use, short string, get func(transport.RPCClient) func(context.Context, string) ([]byte, error)) *cobra.Command {
    var cf clientFlags
    cmd := &cobra.Command{
        Use:   use,
        Short: short,
        RunE: func(cmd *cobra.Command, args []string) error {
            return cf.do(func(ctx context.Context, cl transport.RPCClient) error {
                data, err := get(cl)(ctx, cf.addr)
                if err != nil { return fmt.Errorf("%s error: %w", use, err) }
                return writeBlob(cmd.OutOrStdout(), data)
            })
        },
    }
    cf.bind(cmd)
    return cmd
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
    return blobCmd("status", "Fetch coordinator status as JSON", func(c transport.RPCClient) func(context.Context, string) ([]byte, error) { return c.GetStatus })
}

// NewSafeModeCmd returns the "safemode" command.
func NewSafeModeCmd() *cobra.Command {
    return blobCmd("safemode", "Fetch safe-mode status and rule progress as JSON", func(c transport.RPCClient) func(context.Context, string) ([]byte, error) { return c.GetSafeMode })
}

// NewRegisterCmd returns the "register" command, which registers a data node
// identity on behalf of an agent.
func NewRegisterCmd() *cobra.Command {
    var (
        cf         clientFlags
        id, host   string
        containers int
    )
    cmd := &cobra.Command{
        Use:   "register",
        Short: "Register a data node with the coordinators",
        RunE: func(cmd *cobra.Command, args []string) error {
            nid := membership.NewNodeID()
            if id != "" {
                var err error
                if nid, err = membership.ParseNodeID(id); err != nil { return err }
            }
            rep := membership.RegistrationReport{ID: nid, Hostname: host, Containers: containers, At: time.Now()}
            return cf.do(func(ctx context.Context, cl transport.RPCClient) error {
                resp, err := cl.PostRegister(ctx, cf.addr, transport.RegisterRequest{Report: rep})
                if err != nil { return fmt.Errorf("register error: %w", err) }
                return writeJSON(cmd.OutOrStdout(), resp)
            })
        },
    }
    cf.bind(cmd)
    cmd.Flags().StringVar(&id, "id", "", "data node UUID (generated when empty)")
    cmd.Flags().StringVar(&host, "hostname", "", "data node hostname")
    cmd.Flags().IntVar(&containers, "containers", 0, "containers hosted by the data node")
    return cmd
}

// NewExitSafeModeCmd returns the "exit-safemode" command.
func NewExitSafeModeCmd() *cobra.Command {
    var (
        cf     clientFlags
        reason string
    )
    cmd := &cobra.Command{
        Use:   "exit-safemode",
        Short: "Force the coordinator out of safe mode",
        RunE: func(cmd *cobra.Command, args []string) error {
            return cf.do(func(ctx context.Context, cl transport.RPCClient) error {
                resp, err := cl.PostForceExit(ctx, cf.addr, transport.ForceExitRequest{Reason: reason})
                if err != nil { return fmt.Errorf("exit-safemode error: %w", err) }
                return writeJSON(cmd.OutOrStdout(), resp)
            })
        },
    }
    cf.bind(cmd)
    cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the logs")
    return cmd
}

// NewEnterSafeModeCmd returns the "enter-safemode" command.
func NewEnterSafeModeCmd() *cobra.Command {
    var (
        cf     clientFlags
        reason string
    )
    cmd := &cobra.Command{
        Use:   "enter-safemode",
        Short: "Put the coordinator back into safe mode and restart rule evaluation",
        RunE: func(cmd *cobra.Command, args []string) error {
            return cf.do(func(ctx context.Context, cl transport.RPCClient) error {
                resp, err := cl.PostEnter(ctx, cf.addr, transport.EnterRequest{Reason: reason})
                if err != nil { return fmt.Errorf("enter-safemode error: %w", err) }
                return writeJSON(cmd.OutOrStdout(), resp)
            })
        },
    }
    cf.bind(cmd)
    cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the logs")
    return cmd
}

// NewJoinCmd returns the "join" command.
func NewJoinCmd() *cobra.Command {
    var (
        cf           clientFlags
        id, raftAddr string
    )
    cmd := &cobra.Command{
        Use:   "join",
        Short: "Request to add a coordinator to the raft group",
        RunE: func(cmd *cobra.Command, args []string) error {
            if id == "" || raftAddr == "" { return fmt.Errorf("missing required flags: --id and --raft-addr") }
            return cf.do(func(ctx context.Context, cl transport.RPCClient) error {
                resp, err := cl.PostJoin(ctx, cf.addr, transport.JoinRequest{ID: id, RaftAddr: raftAddr})
                if err != nil { return fmt.Errorf("join error: %w", err) }
                return writeJSON(cmd.OutOrStdout(), resp)
            })
        },
    }
    cf.bind(cmd)
    cmd.Flags().StringVar(&id, "id", "", "coordinator id to add (required)")
    cmd.Flags().StringVar(&raftAddr, "raft-addr", "", "coordinator raft address (host:port, required)")
    return cmd
}

// NewLeaveCmd returns the "leave" command.
func NewLeaveCmd() *cobra.Command {
    var (
        cf clientFlags
        id string
    )
    cmd := &cobra.Command{
        Use:   "leave",
        Short: "Request to remove a coordinator from the raft group",
        RunE: func(cmd *cobra.Command, args []string) error {
            if id == "" { return fmt.Errorf("missing required flag: --id") }
            return cf.do(func(ctx context.Context, cl transport.RPCClient) error {
                resp, err := cl.PostLeave(ctx, cf.addr, transport.LeaveRequest{ID: id})
                if err != nil { return fmt.Errorf("leave error: %w", err) }
                return writeJSON(cmd.OutOrStdout(), resp)
            })
        },
    }
    cf.bind(cmd)
    cmd.Flags().StringVar(&id, "id", "", "coordinator id to remove (required)")
    return cmd
}

// NewDataNodeCmd returns the root command of the data node agent.
func NewDataNodeCmd() *cobra.Command {
    var (
        id, coordinator, bind, seedsCSV, proto string
        heartbeat                              time.Duration
        tf                                     tlsFlags
        df                                     discoveryFlags
    )
    cmd := &cobra.Command{
        Use:           "datanode",
        Short:         "Run a data node agent that registers with the coordinators",
        SilenceUsage:  true,
        SilenceErrors: true,
        RunE: func(cmd *cobra.Command, args []string) error {
            cfg, err := config.LoadDataNode()
            if err != nil { return err }
            f := cmd.Flags()
            set := func(name string, apply func()) { if f.Changed(name) { apply() } }
            set("id", func() { cfg.NodeID = id })
            set("coordinator", func() { cfg.Coordinator = coordinator })
            set("mem-bind", func() { cfg.GossipBind = bind })
            set("join", func() { cfg.Seeds = splitCSV(seedsCSV) })
            set("mgmt-proto", func() { cfg.MgmtProto = proto })
            set("heartbeat", func() { cfg.Heartbeat = heartbeat })
            tf.apply(f, &cfg.TLS)
            df.apply(f, &cfg.Discovery)
            if err := cfg.Validate(); err != nil { return err }

            cl, err := bootstrap.Client(cfg.MgmtProto, 3*time.Second, cfg.TLS)
            if err != nil { return err }
            if g, ok := cl.(*mgmtgrpc.Client); ok { defer g.Close() }
            a, err := datanode.New(datanode.Options{Config: cfg, Client: cl, Logger: log.Default()})
            if err != nil { return err }
            fmt.Fprintf(cmd.OutOrStdout(), "datanode %s starting. Press Ctrl+C to exit.\n", a.ID())

            ctx, cancel := signalContext()
            defer cancel()
            if err := a.Run(ctx); err != nil && ctx.Err() == nil { return err }
            return nil
        },
    }
    cmd.Flags().StringVar(&id, "id", "", "data node UUID (generated when empty)")
    cmd.Flags().StringVar(&coordinator, "coordinator", "127.0.0.1:17946", "coordinator management address")
    cmd.Flags().StringVar(&bind, "mem-bind", "127.0.0.1:0", "membership bind addr; empty disables gossip")
    cmd.Flags().StringVar(&seedsCSV, "join", "", "comma-separated gossip seeds (host:port)")
    cmd.Flags().StringVar(&proto, "mgmt-proto", config.ProtoHTTP, "management RPC protocol: http|grpc")
    cmd.Flags().DurationVar(&heartbeat, "heartbeat", 0, "re-register interval; zero registers once")
    tf.bind(cmd, "client")
    df.bind(cmd)
    return cmd
}

func writeBlob(w io.Writer, data []byte) error {
    if _, err := w.Write(data); err != nil { return err }
    if len(data) == 0 || data[len(data)-1] != '\n' {
        _, err := w.Write([]byte("\n"))
        return err
    }
    return nil
}

func writeJSON(w io.Writer, v any) error { return json.NewEncoder(w).Encode(v) }

func splitCSV(s string) []string { return dStatic.Parse(s) }

func signalContext() (context.Context, context.CancelFunc) {
    return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
