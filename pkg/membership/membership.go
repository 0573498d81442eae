package membership

import (
    "context"
    "time"
)

// MemberInfo describes a gossip member as observed by the membership layer.
// Data nodes carry their NodeID and role in Meta (see MetaNodeID, MetaRole).
type MemberInfo struct {
    ID   string
    Addr string
    Meta map[string]string
}

// Meta keys understood by the coordinator.
const (
    MetaNodeID = "node_id"
    MetaRole   = "role"
    MetaMgmt   = "mgmt"

    RoleDataNode    = "datanode"
    RoleCoordinator = "coordinator"
)

// NodeID returns the data node identity advertised in Meta, if any.
func (m MemberInfo) NodeID() (NodeID, bool) {
    if m.Meta == nil || m.Meta[MetaRole] != RoleDataNode { return NodeID{}, false }
    id, err := ParseNodeID(m.Meta[MetaNodeID])
    if err != nil { return NodeID{}, false }
    return id, true
}

type EventType string

const (
    // EventJoin indicates a member joined or became visible.
    EventJoin   EventType = "join"
    // EventLeave indicates a member left the cluster.
    EventLeave  EventType = "leave"
    // EventFailed indicates membership marked the node as failed/unreachable.
    EventFailed EventType = "failed"
)

// Event is the translated membership change notification.
type Event struct {
    Type   EventType
    Member MemberInfo
    At     time.Time
}

// Membership is the abstraction over the gossip/failure-detection layer.
type Membership interface {
    Start(ctx context.Context) error
    Join(seeds []string) error
    Local() MemberInfo
    Members() []MemberInfo
    Events() <-chan Event
    Leave() error
    Stop() error
}
