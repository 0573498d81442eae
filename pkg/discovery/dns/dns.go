// Package dns resolves gossip seeds from SRV records or host names.
package dns

import (
    "context"
    "log"
    "net"
    "sort"
    "strconv"
    "strings"
    "sync"
    "time"

    "github.com/amirimatin/go-safemode/pkg/discovery"
    "github.com/amirimatin/go-safemode/pkg/internal/logutil"
)

// DefaultPort is the gossip port assumed for A/AAAA answers.
const DefaultPort = 7946

// Resolver is the subset of *net.Resolver used for lookups.
type Resolver interface {
    LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
    LookupHost(ctx context.Context, host string) ([]string, error)
}

// Options configures DNS-based discovery.
type Options struct {
    // Names are SRV records ("_gossip._tcp.example.com"), host names, or
    // literal host:port pairs which are passed through.
    Names []string
    // Port applied to A/AAAA answers (default DefaultPort).
    Port int
    // Refresh is how long resolved seeds are cached (default 5s).
    Refresh time.Duration
    // Timeout bounds one resolution pass (default 2s).
    Timeout time.Duration
    // Resolver defaults to net.DefaultResolver.
    Resolver Resolver
    Logger   *log.Logger
}

type resolver struct {
    opts Options

    mu    sync.Mutex
    last  time.Time
    cache []string
}

// New returns a Discovery that resolves Names and caches the sorted,
// de-duplicated result for Refresh.
func New(opts Options) discovery.Discovery {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    if opts.Timeout <= 0 { opts.Timeout = 2 * time.Second }
    if opts.Port == 0 { opts.Port = DefaultPort }
    if opts.Resolver == nil { opts.Resolver = net.DefaultResolver }
    if opts.Logger == nil { opts.Logger = log.Default() }
    return &resolver{opts: opts}
}

func (d *resolver) Seeds() []string {
    d.mu.Lock()
    defer d.mu.Unlock()
    if len(d.cache) > 0 && time.Since(d.last) < d.opts.Refresh {
        return append([]string(nil), d.cache...)
    }
    ctx, cancel := context.WithTimeout(context.Background(), d.opts.Timeout)
    defer cancel()
    d.cache = d.resolve(ctx)
    d.last = time.Now()
    return append([]string(nil), d.cache...)
}

func (d *resolver) resolve(ctx context.Context) []string {
    seen := make(map[string]struct{})
    add := func(hp string) { seen[hp] = struct{}{} }
    for _, name := range d.opts.Names {
        name = strings.TrimSpace(name)
        switch {
        case name == "":
        case isSRV(name):
            for _, hp := range d.lookupSRV(ctx, name) { add(hp) }
        case hasPort(name):
            add(name)
        default:
            for _, hp := range d.lookupHost(ctx, name) { add(hp) }
        }
    }
    out := make([]string, 0, len(seen))
    for hp := range seen { out = append(out, hp) }
    sort.Strings(out)
    return out
}

// lookupSRV falls back to resolving the record's domain as a host when the
// SRV query has no answer.
func (d *resolver) lookupSRV(ctx context.Context, fqdn string) []string {
    svc, proto, domain := splitSRV(fqdn)
    _, recs, err := d.opts.Resolver.LookupSRV(ctx, svc, proto, domain)
    if err != nil || len(recs) == 0 {
        logutil.Debugf(d.opts.Logger, "dns discovery: SRV %s: %v", fqdn, err)
        return d.lookupHost(ctx, domain)
    }
    out := make([]string, 0, len(recs))
    for _, r := range recs {
        out = append(out, net.JoinHostPort(strings.TrimSuffix(r.Target, "."), strconv.Itoa(int(r.Port))))
    }
    return out
}

func (d *resolver) lookupHost(ctx context.Context, host string) []string {
    ips, err := d.opts.Resolver.LookupHost(ctx, host)
    if err != nil {
        logutil.Warnf(d.opts.Logger, "dns discovery: lookup %s: %v", host, err)
        return nil
    }
    out := make([]string, 0, len(ips))
    for _, ip := range ips { out = append(out, net.JoinHostPort(ip, strconv.Itoa(d.opts.Port))) }
    return out
}

func isSRV(name string) bool {
    svc, proto, domain := splitSRV(name)
    return svc != "" && proto != "" && domain != ""
}

// splitSRV parses "_service._proto.domain".
func splitSRV(fqdn string) (service, proto, domain string) {
    parts := strings.SplitN(fqdn, ".", 3)
    if len(parts) < 3 || !strings.HasPrefix(parts[0], "_") || !strings.HasPrefix(parts[1], "_") {
        return "", "", ""
    }
    return parts[0][1:], parts[1][1:], parts[2]
}

func hasPort(name string) bool {
    _, port, err := net.SplitHostPort(name)
    return err == nil && port != ""
}
