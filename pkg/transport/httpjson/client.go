package httpjson

import (
    "bytes"
    "context"
    "crypto/tls"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "net/http"
    "time"

    "github.com/amirimatin/go-safemode/pkg/transport"
)

// Client is a thin HTTP client for the management API with simple retry and
// exponential backoff.
type Client struct {
    httpc     *http.Client
    transport *http.Transport
    scheme    string
    attempts  int
}

// NewClient constructs a new Client with the given per-request timeout.
func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    tr := http.DefaultTransport.(*http.Transport).Clone()
    return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr, scheme: "http", attempts: 3}
}

// UseTLS switches the client to https with cfg. A nil cfg keeps plain HTTP.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
    if cfg == nil { return c }
    c.transport.TLSClientConfig = cfg
    c.scheme = "https"
    return c
}

func (c *Client) url(addr, path string) string { return c.scheme + "://" + addr + path }

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    return c.get(ctx, addr, "/status")
}

func (c *Client) GetSafeMode(ctx context.Context, addr string) ([]byte, error) {
    return c.get(ctx, addr, "/safemode")
}

func (c *Client) PostRegister(ctx context.Context, addr string, req transport.RegisterRequest) (transport.RegisterResponse, error) {
    var out transport.RegisterResponse
    err := c.post(ctx, addr, "/register", req, &out, func() string { return out.Error })
    return out, err
}

func (c *Client) PostForceExit(ctx context.Context, addr string, req transport.ForceExitRequest) (transport.ForceExitResponse, error) {
    var out transport.ForceExitResponse
    err := c.post(ctx, addr, "/safemode/exit", req, &out, func() string { return out.Error })
    return out, err
}

func (c *Client) PostEnter(ctx context.Context, addr string, req transport.EnterRequest) (transport.EnterResponse, error) {
    var out transport.EnterResponse
    err := c.post(ctx, addr, "/safemode/enter", req, &out, func() string { return out.Error })
    return out, err
}

func (c *Client) PostJoin(ctx context.Context, addr string, req transport.JoinRequest) (transport.JoinResponse, error) {
    var out transport.JoinResponse
    err := c.post(ctx, addr, "/join", req, &out, func() string { return out.Error })
    return out, err
}

func (c *Client) PostLeave(ctx context.Context, addr string, req transport.LeaveRequest) (transport.LeaveResponse, error) {
    var out transport.LeaveResponse
    err := c.post(ctx, addr, "/leave", req, &out, func() string { return out.Error })
    return out, err
}

func (c *Client) get(ctx context.Context, addr, path string) ([]byte, error) {
    var body []byte
    err := c.retry(ctx, func() error {
        req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(addr, path), nil)
        if err != nil { return err }
        resp, err := c.httpc.Do(req)
        if err != nil { return err }
        defer resp.Body.Close()
        b, err := io.ReadAll(resp.Body)
        if err != nil { return err }
        if resp.StatusCode != http.StatusOK {
            return fmt.Errorf("%s status %d: %s", path, resp.StatusCode, bytes.TrimSpace(b))
        }
        body = b
        return nil
    })
    return body, err
}

// post sends in as JSON and decodes the reply into out. Non-200 replies are
// decoded too; errMsg extracts the server-reported error from out.
func (c *Client) post(ctx context.Context, addr, path string, in, out any, errMsg func() string) error {
    payload, err := json.Marshal(in)
    if err != nil { return err }
    return c.retry(ctx, func() error {
        req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(addr, path), bytes.NewReader(payload))
        if err != nil { return err }
        req.Header.Set("Content-Type", "application/json")
        resp, err := c.httpc.Do(req)
        if err != nil { return err }
        defer resp.Body.Close()
        b, _ := io.ReadAll(resp.Body)
        _ = json.Unmarshal(b, out)
        if resp.StatusCode == http.StatusOK { return nil }
        if msg := errMsg(); msg != "" { return permanent{errors.New(msg)} }
        err = fmt.Errorf("%s status %d: %s", path, resp.StatusCode, bytes.TrimSpace(b))
        if resp.StatusCode < 500 { return permanent{err} }
        return err
    })
}

// permanent marks errors that must not be retried.
type permanent struct{ error }

func (p permanent) Unwrap() error { return p.error }

func (c *Client) retry(ctx context.Context, fn func() error) error {
    var lastErr error
    for attempt := 0; attempt < c.attempts; attempt++ {
        lastErr = fn()
        if lastErr == nil { return nil }
        var p permanent
        if errors.As(lastErr, &p) { return p.error }
        select {
        case <-ctx.Done():
            return lastErr
        case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
        }
    }
    return lastErr
}

var _ transport.RPCClient = (*Client)(nil)
