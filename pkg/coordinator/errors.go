package coordinator

import "errors"

var (
    ErrNotLeader     = errors.New("coordinator: not leader")
    ErrNoLeader      = errors.New("coordinator: leader unknown")
    ErrNotStarted    = errors.New("coordinator: not started")
    ErrInvalidNodeID = errors.New("coordinator: invalid node id")
    ErrNoRPCClient   = errors.New("coordinator: no RPC client configured")
)
