package consensus

import "github.com/amirimatin/go-safemode/pkg/membership"

// HealthChange is the payload of OpUpdateHealth.
type HealthChange struct {
    ID     membership.NodeID `json:"id"`
    Health membership.Health `json:"health"`
}

// OperationalChange is the payload of OpSetOperational.
type OperationalChange struct {
    ID          membership.NodeID           `json:"id"`
    Operational membership.OperationalState `json:"operational"`
}

// NodeRef is the payload of OpRemoveNode.
type NodeRef struct {
    ID membership.NodeID `json:"id"`
}
