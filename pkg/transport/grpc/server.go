package grpc

import (
    "context"
    "crypto/tls"
    "net"
    "sync"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/codes"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/health"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"
    "google.golang.org/grpc/status"

    "github.com/amirimatin/go-safemode/pkg/observability/tracing"
    "github.com/amirimatin/go-safemode/pkg/transport"
)

const serviceName = "safemode.v1.Management"

// Server implements transport.RPCServer over gRPC using a JSON codec.
type Server struct {
    bind   string
    tlsCfg *tls.Config

    mu     sync.Mutex
    lis    net.Listener
    srv    *grpc.Server
    health *health.Server
}

func NewServer(bind string) *Server { return &Server{bind: bind} }

// UseTLS serves with TLS credentials built from cfg. A nil cfg keeps the
// listener in plaintext.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// request/response envelopes used over the JSON codec
type empty struct{}
type blob struct{ Data []byte `json:"data"` }

type mgmtImpl struct{ h transport.Handlers }

func (m *mgmtImpl) getBlob(ctx context.Context, span string, fn func(context.Context) ([]byte, error)) (*blob, error) {
    if fn == nil { return nil, status.Error(codes.Unimplemented, span+" not supported") }
    ctx, end := tracing.StartSpan(ctx, span)
    defer end()
    b, err := fn(ctx)
    if err != nil { return nil, status.Error(codes.Internal, err.Error()) }
    return &blob{Data: b}, nil
}

func (m *mgmtImpl) GetStatus(ctx context.Context, _ *empty) (*blob, error) {
    return m.getBlob(ctx, "grpc.status", m.h.Status)
}

func (m *mgmtImpl) GetSafeMode(ctx context.Context, _ *empty) (*blob, error) {
    return m.getBlob(ctx, "grpc.safemode", m.h.SafeMode)
}

func (m *mgmtImpl) Register(ctx context.Context, in *transport.RegisterRequest) (*transport.RegisterResponse, error) {
    if m.h.Register == nil { return &transport.RegisterResponse{Error: "register not supported"}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.register", "node_id", in.Report.ID.String())
    defer end()
    out, err := m.h.Register(ctx, *in)
    if err != nil && out.Error == "" { out.Error = err.Error() }
    return &out, nil
}

func (m *mgmtImpl) ForceExit(ctx context.Context, in *transport.ForceExitRequest) (*transport.ForceExitResponse, error) {
    if m.h.ForceExit == nil { return &transport.ForceExitResponse{Error: "force exit not supported"}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.safemode.exit")
    defer end()
    out, err := m.h.ForceExit(ctx, *in)
    if err != nil && out.Error == "" { out.Error = err.Error() }
    return &out, nil
}

func (m *mgmtImpl) Enter(ctx context.Context, in *transport.EnterRequest) (*transport.EnterResponse, error) {
    if m.h.Enter == nil { return &transport.EnterResponse{Error: "enter not supported"}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.safemode.enter")
    defer end()
    out, err := m.h.Enter(ctx, *in)
    if err != nil && out.Error == "" { out.Error = err.Error() }
    return &out, nil
}

func (m *mgmtImpl) Join(ctx context.Context, in *transport.JoinRequest) (*transport.JoinResponse, error) {
    if m.h.Join == nil { return &transport.JoinResponse{Error: "join not supported"}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.join")
    defer end()
    out, err := m.h.Join(ctx, *in)
    if err != nil { return &transport.JoinResponse{Leader: out.Leader, Error: err.Error()}, nil }
    return &out, nil
}

func (m *mgmtImpl) Leave(ctx context.Context, in *transport.LeaveRequest) (*transport.LeaveResponse, error) {
    if m.h.Leave == nil { return &transport.LeaveResponse{Error: "leave not supported"}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.leave")
    defer end()
    out, err := m.h.Leave(ctx, *in)
    if err != nil { return &transport.LeaveResponse{Error: err.Error()}, nil }
    return &out, nil
}

// managementServer is the HandlerType of the hand-written service descriptor.
type managementServer interface {
    GetStatus(context.Context, *empty) (*blob, error)
    GetSafeMode(context.Context, *empty) (*blob, error)
    Register(context.Context, *transport.RegisterRequest) (*transport.RegisterResponse, error)
    ForceExit(context.Context, *transport.ForceExitRequest) (*transport.ForceExitResponse, error)
    Enter(context.Context, *transport.EnterRequest) (*transport.EnterResponse, error)
    Join(context.Context, *transport.JoinRequest) (*transport.JoinResponse, error)
    Leave(context.Context, *transport.LeaveRequest) (*transport.LeaveResponse, error)
}

// unary builds a MethodDesc without protobuf codegen.
func unary[Req, Resp any](name string, call func(managementServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
    return grpc.MethodDesc{
        MethodName: name,
        Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
            in := new(Req)
            if err := dec(in); err != nil { return nil, err }
            if interceptor == nil { return call(srv.(managementServer), ctx, in) }
            info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + name}
            handler := func(ctx context.Context, req interface{}) (interface{}, error) {
                return call(srv.(managementServer), ctx, req.(*Req))
            }
            return interceptor(ctx, in, info, handler)
        },
    }
}

var managementServiceDesc = grpc.ServiceDesc{
    ServiceName: serviceName,
    HandlerType: (*managementServer)(nil),
    Methods: []grpc.MethodDesc{
        unary("GetStatus", managementServer.GetStatus),
        unary("GetSafeMode", managementServer.GetSafeMode),
        unary("Register", managementServer.Register),
        unary("ForceExit", managementServer.ForceExit),
        unary("Enter", managementServer.Enter),
        unary("Join", managementServer.Join),
        unary("Leave", managementServer.Leave),
    },
}

func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
    lis, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    // Management calls arrive with content-subtype "json" and resolve to the
    // registered jsonCodec; the health service keeps protobuf.
    opts := []grpc.ServerOption{
        grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}),
        grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}),
    }
    if s.tlsCfg != nil { opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg))) }
    srv := grpc.NewServer(opts...)
    hs := health.NewServer()
    hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
    healthpb.RegisterHealthServer(srv, hs)
    srv.RegisterService(&managementServiceDesc, &mgmtImpl{h: h})

    s.mu.Lock()
    s.lis, s.srv, s.health = lis, srv, hs
    s.mu.Unlock()

    go func() {
        <-ctx.Done()
        sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
        defer cancel()
        _ = s.Stop(sctx)
    }()
    go func() { _ = srv.Serve(lis) }()
    return nil
}

// Addr returns the bound address after Start, otherwise the configured bind.
func (s *Server) Addr() string {
    s.mu.Lock(); defer s.mu.Unlock()
    if s.lis != nil { return s.lis.Addr().String() }
    return s.bind
}

func (s *Server) Stop(ctx context.Context) error {
    s.mu.Lock()
    srv, hs := s.srv, s.health
    s.srv, s.health, s.lis = nil, nil, nil
    s.mu.Unlock()
    if srv == nil { return nil }
    hs.Shutdown()
    ch := make(chan struct{})
    go func() { srv.GracefulStop(); close(ch) }()
    select {
    case <-ch:
    case <-ctx.Done():
        srv.Stop()
    }
    return nil
}

var _ transport.RPCServer = (*Server)(nil)
