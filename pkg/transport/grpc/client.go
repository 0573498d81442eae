package grpc

import (
    "context"
    "crypto/tls"
    "errors"
    "sync"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/backoff"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/credentials/insecure"
    "google.golang.org/grpc/keepalive"

    "github.com/amirimatin/go-safemode/pkg/transport"
)

// Client implements transport.RPCClient with cached connections per address.
type Client struct {
    timeout time.Duration
    tlsCfg  *tls.Config

    once sync.Once
    cm   *ConnManager
}

func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    return &Client{timeout: timeout}
}

// UseTLS dials with TLS credentials built from cfg. Call it before the first
// request; a nil cfg keeps plaintext.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

func (c *Client) dial(_ context.Context, target string) (*grpc.ClientConn, error) {
    creds := insecure.NewCredentials()
    if c.tlsCfg != nil { creds = credentials.NewTLS(c.tlsCfg) }
    return grpc.NewClient(target,
        grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodec{}.Name())),
        grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
        grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
        grpc.WithTransportCredentials(creds),
    )
}

func (c *Client) invoke(ctx context.Context, addr, method string, in, out any) error {
    cctx, cancel := context.WithTimeout(ctx, c.timeout)
    defer cancel()
    c.once.Do(func() { c.cm = NewConnManager(30*time.Second, c.dial) })
    cc, rel, err := c.cm.Get(cctx, addr)
    if err != nil { return err }
    defer rel()
    return cc.Invoke(cctx, "/"+serviceName+"/"+method, in, out)
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    out := new(blob)
    if err := c.invoke(ctx, addr, "GetStatus", &empty{}, out); err != nil { return nil, err }
    return out.Data, nil
}

func (c *Client) GetSafeMode(ctx context.Context, addr string) ([]byte, error) {
    out := new(blob)
    if err := c.invoke(ctx, addr, "GetSafeMode", &empty{}, out); err != nil { return nil, err }
    return out.Data, nil
}

func (c *Client) PostRegister(ctx context.Context, addr string, req transport.RegisterRequest) (transport.RegisterResponse, error) {
    var resp transport.RegisterResponse
    if err := c.invoke(ctx, addr, "Register", &req, &resp); err != nil { return resp, err }
    return resp, errorOf(resp.Error)
}

func (c *Client) PostForceExit(ctx context.Context, addr string, req transport.ForceExitRequest) (transport.ForceExitResponse, error) {
    var resp transport.ForceExitResponse
    if err := c.invoke(ctx, addr, "ForceExit", &req, &resp); err != nil { return resp, err }
    return resp, errorOf(resp.Error)
}

func (c *Client) PostEnter(ctx context.Context, addr string, req transport.EnterRequest) (transport.EnterResponse, error) {
    var resp transport.EnterResponse
    if err := c.invoke(ctx, addr, "Enter", &req, &resp); err != nil { return resp, err }
    return resp, errorOf(resp.Error)
}

func (c *Client) PostJoin(ctx context.Context, addr string, req transport.JoinRequest) (transport.JoinResponse, error) {
    var resp transport.JoinResponse
    if err := c.invoke(ctx, addr, "Join", &req, &resp); err != nil { return resp, err }
    return resp, errorOf(resp.Error)
}

func (c *Client) PostLeave(ctx context.Context, addr string, req transport.LeaveRequest) (transport.LeaveResponse, error) {
    var resp transport.LeaveResponse
    if err := c.invoke(ctx, addr, "Leave", &req, &resp); err != nil { return resp, err }
    return resp, errorOf(resp.Error)
}

// Close releases cached connections.
func (c *Client) Close() {
    if c.cm != nil { c.cm.Close() }
}

func errorOf(msg string) error {
    if msg == "" { return nil }
    return errors.New(msg)
}

var _ transport.RPCClient = (*Client)(nil)
