package state

import "github.com/amirimatin/go-safemode/pkg/membership"

// NodeState is the replicated node table driven by the consensus FSM.
type NodeState interface {
    membership.NodeCounter
    ApplyRegister(r membership.RegistrationReport) (added bool, err error)
    ApplyHealth(id membership.NodeID, h membership.Health) error
    ApplyOperational(id membership.NodeID, op membership.OperationalState) error
    ApplyRemove(id membership.NodeID) error
    Snapshot() ([]byte, error)
    Restore(buf []byte) error
}
