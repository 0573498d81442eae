package coordinator

import (
    "github.com/amirimatin/go-safemode/pkg/membership"
    "github.com/amirimatin/go-safemode/pkg/safemode"
)

// Status is a JSON-serializable snapshot served on /status.
type Status struct {
    // Healthy indicates a leader is known.
    Healthy    bool   `json:"healthy"`
    Term       uint64 `json:"term"`
    LeaderID   string `json:"leaderId,omitempty"`
    // LeaderAddr is the management address of the leader, if known.
    LeaderAddr string `json:"leaderAddr,omitempty"`
    // Replaying is true while the persisted raft log is re-applied.
    Replaying  bool   `json:"replaying"`
    SafeMode   safemode.Status `json:"safeMode"`
    // Nodes counts data nodes in the replicated table by health.
    Nodes      map[membership.Health]int `json:"nodes,omitempty"`
    Members    []membership.MemberInfo   `json:"members,omitempty"`
    Warnings   []string                  `json:"warnings,omitempty"`
}
