// Package file reads gossip seeds from a file, a glob of files, or an
// environment variable.
package file

import (
    "bufio"
    "log"
    "os"
    "path/filepath"
    "sort"
    "strings"
    "sync"
    "time"

    "github.com/amirimatin/go-safemode/pkg/discovery"
    "github.com/amirimatin/go-safemode/pkg/internal/logutil"
)

// Options configures file discovery.
type Options struct {
    // Path is a file or glob. Each line holds one or more comma-separated
    // seeds; blank lines and lines starting with # are skipped.
    Path string
    // Env names a variable whose comma-separated value, when set, replaces
    // the file contents.
    Env string
    // Refresh is the longest a cached read is reused (default 5s). A newer
    // modification time always triggers a reload.
    Refresh time.Duration
    Logger  *log.Logger
}

type source struct {
    opts Options

    mu    sync.Mutex
    last  time.Time
    mtime time.Time
    cache []string
}

func New(opts Options) discovery.Discovery {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    if opts.Logger == nil { opts.Logger = log.Default() }
    return &source{opts: opts}
}

func (s *source) Seeds() []string {
    if s.opts.Env != "" {
        if v := strings.TrimSpace(os.Getenv(s.opts.Env)); v != "" { return normalize(strings.Split(v, ",")) }
    }
    if s.opts.Path == "" { return nil }

    s.mu.Lock()
    defer s.mu.Unlock()
    paths, newest := s.match()
    if len(paths) == 0 {
        logutil.Warnf(s.opts.Logger, "file discovery: no files match %s", s.opts.Path)
        return append([]string(nil), s.cache...)
    }
    now := time.Now()
    if s.cache == nil || newest.After(s.mtime) || now.Sub(s.last) >= s.opts.Refresh {
        var seeds []string
        for _, p := range paths {
            got, err := readSeeds(p)
            if err != nil {
                logutil.Warnf(s.opts.Logger, "file discovery: read %s: %v", p, err)
                continue
            }
            seeds = append(seeds, got...)
        }
        s.cache = normalize(seeds)
        s.last, s.mtime = now, newest
    }
    return append([]string(nil), s.cache...)
}

// match expands Path and returns the newest modification time among the
// matches.
func (s *source) match() ([]string, time.Time) {
    paths := []string{s.opts.Path}
    if _, err := os.Stat(s.opts.Path); err != nil {
        paths, _ = filepath.Glob(s.opts.Path)
    }
    var newest time.Time
    out := paths[:0]
    for _, p := range paths {
        fi, err := os.Stat(p)
        if err != nil || fi.IsDir() { continue }
        if fi.ModTime().After(newest) { newest = fi.ModTime() }
        out = append(out, p)
    }
    return out, newest
}

func readSeeds(path string) ([]string, error) {
    f, err := os.Open(path)
    if err != nil { return nil, err }
    defer f.Close()
    var seeds []string
    sc := bufio.NewScanner(f)
    for sc.Scan() {
        line := strings.TrimSpace(sc.Text())
        if line == "" || strings.HasPrefix(line, "#") { continue }
        seeds = append(seeds, strings.Split(line, ",")...)
    }
    return seeds, sc.Err()
}

// normalize trims, drops blanks, de-duplicates and sorts.
func normalize(in []string) []string {
    set := make(map[string]struct{}, len(in))
    for _, v := range in {
        if v = strings.TrimSpace(v); v != "" { set[v] = struct{}{} }
    }
    out := make([]string, 0, len(set))
    for v := range set { out = append(out, v) }
    sort.Strings(out)
    return out
}
