package membership

import (
    "fmt"
    "time"

    "github.com/google/uuid"
)

// NodeID is the immutable 128-bit identity of a data node.
type NodeID = uuid.UUID

// ParseNodeID parses the canonical string form of a NodeID.
func ParseNodeID(s string) (NodeID, error) {
    id, err := uuid.Parse(s)
    if err != nil { return NodeID{}, fmt.Errorf("membership: invalid node id %q: %w", s, err) }
    if id == uuid.Nil { return NodeID{}, fmt.Errorf("membership: nil node id") }
    return id, nil
}

// NewNodeID returns a fresh random identity.
func NewNodeID() NodeID { return uuid.New() }

// RegistrationReport is sent by a data node when it registers with the
// coordinator. Only ID matters for safe-mode accounting; the rest is
// informational.
type RegistrationReport struct {
    ID         NodeID    `json:"id"`
    Hostname   string    `json:"hostname,omitempty"`
    Addr       string    `json:"addr,omitempty"`
    Containers int       `json:"containers,omitempty"`
    At         time.Time `json:"at"`
}

// OperationalState is the administrative state of a data node.
type OperationalState string

const (
    InService        OperationalState = "IN_SERVICE"
    Decommissioning  OperationalState = "DECOMMISSIONING"
    Decommissioned   OperationalState = "DECOMMISSIONED"
    InMaintenance    OperationalState = "IN_MAINTENANCE"
)

// Health is the liveness state of a data node as seen by the coordinator.
type Health string

const (
    Healthy  Health = "HEALTHY"
    Stale    Health = "STALE"
    Dead     Health = "DEAD"
)

// NodeStatus pairs the operational state with health.
type NodeStatus struct {
    Operational OperationalState `json:"operational"`
    Health      Health           `json:"health"`
}

// InServiceHealthy is the status counted by live safe-mode validation.
func InServiceHealthy() NodeStatus {
    return NodeStatus{Operational: InService, Health: Healthy}
}

func (s NodeStatus) String() string { return string(s.Operational) + "/" + string(s.Health) }

// NodeCounter is the read-only query the safe-mode rules use against the
// authoritative node table.
type NodeCounter interface {
    CountNodesWithStatus(status NodeStatus) (int, error)
}
