// Package discovery provides gossip seed addresses for coordinators and data
// nodes.
package discovery

// Discovery abstracts how seed nodes are provided.
type Discovery interface {
    Seeds() []string
}
