package static

import (
    "strings"

    "github.com/amirimatin/go-safemode/pkg/discovery"
)

// Seeds is a fixed list of gossip seed addresses.
type Seeds []string

// Seeds returns a copy of the list.
func (s Seeds) Seeds() []string { return append([]string(nil), s...) }

// New returns a Discovery that always returns the given non-blank seeds.
func New(seeds ...string) discovery.Discovery {
    out := make(Seeds, 0, len(seeds))
    for _, v := range seeds {
        if v = strings.TrimSpace(v); v != "" { out = append(out, v) }
    }
    return out
}

// Parse splits a comma-separated seed list, dropping blanks.
func Parse(csv string) []string {
    if csv == "" { return nil }
    var out []string
    for _, p := range strings.Split(csv, ",") {
        if p = strings.TrimSpace(p); p != "" { out = append(out, p) }
    }
    return out
}
