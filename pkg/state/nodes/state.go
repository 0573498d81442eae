package nodes

import (
    "bytes"
    "encoding/json"
    "errors"
    "fmt"
    "sort"
    "sync"
    "time"

    "github.com/google/uuid"

    m "github.com/amirimatin/go-safemode/pkg/membership"
    base "github.com/amirimatin/go-safemode/pkg/state"
)

var ErrUnknownNode = errors.New("nodes: unknown node")

// Node is one row of the node table.
type Node struct {
    ID           m.NodeID     `json:"id"`
    Hostname     string       `json:"hostname,omitempty"`
    Addr         string       `json:"addr,omitempty"`
    Status       m.NodeStatus `json:"status"`
    RegisteredAt time.Time    `json:"registeredAt"`
    UpdatedAt    time.Time    `json:"updatedAt"`
}

// Table is the authoritative in-memory view of data nodes known to the
// coordinator.
type Table struct {
    mu    sync.RWMutex
    nodes map[m.NodeID]Node
    now   func() time.Time
}

func New() *Table { return &Table{nodes: make(map[m.NodeID]Node), now: time.Now} }

// ApplyRegister inserts a node as IN_SERVICE/HEALTHY, or refreshes address
// details and health of a known node. added reports whether the node is new.
func (t *Table) ApplyRegister(r m.RegistrationReport) (bool, error) {
    if r.ID == uuid.Nil { return false, fmt.Errorf("nodes: empty node id") }
    t.mu.Lock(); defer t.mu.Unlock()
    now := t.now()
    n, ok := t.nodes[r.ID]
    if !ok {
        n = Node{ID: r.ID, Status: m.InServiceHealthy(), RegisteredAt: now}
    }
    if r.Hostname != "" { n.Hostname = r.Hostname }
    if r.Addr != "" { n.Addr = r.Addr }
    n.Status.Health = m.Healthy
    n.UpdatedAt = now
    t.nodes[r.ID] = n
    return !ok, nil
}

func (t *Table) ApplyHealth(id m.NodeID, h m.Health) error {
    t.mu.Lock(); defer t.mu.Unlock()
    n, ok := t.nodes[id]
    if !ok { return fmt.Errorf("%w: %s", ErrUnknownNode, id) }
    n.Status.Health = h
    n.UpdatedAt = t.now()
    t.nodes[id] = n
    return nil
}

func (t *Table) ApplyOperational(id m.NodeID, op m.OperationalState) error {
    t.mu.Lock(); defer t.mu.Unlock()
    n, ok := t.nodes[id]
    if !ok { return fmt.Errorf("%w: %s", ErrUnknownNode, id) }
    n.Status.Operational = op
    n.UpdatedAt = t.now()
    t.nodes[id] = n
    return nil
}

func (t *Table) ApplyRemove(id m.NodeID) error {
    if id == uuid.Nil { return fmt.Errorf("nodes: empty node id") }
    t.mu.Lock(); defer t.mu.Unlock()
    delete(t.nodes, id)
    return nil
}

// Get returns a copy of the node row.
func (t *Table) Get(id m.NodeID) (Node, bool) {
    t.mu.RLock(); defer t.mu.RUnlock()
    n, ok := t.nodes[id]
    return n, ok
}

// List returns all nodes sorted by ID.
func (t *Table) List() []Node {
    t.mu.RLock(); defer t.mu.RUnlock()
    out := make([]Node, 0, len(t.nodes))
    for _, v := range t.nodes { out = append(out, v) }
    sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0 })
    return out
}

// CountNodesWithStatus never fails for the in-memory table; the error return
// exists for remote trackers.
func (t *Table) CountNodesWithStatus(status m.NodeStatus) (int, error) {
    t.mu.RLock(); defer t.mu.RUnlock()
    c := 0
    for _, n := range t.nodes {
        if n.Status == status { c++ }
    }
    return c, nil
}

// CountByHealth returns the number of nodes per health value.
func (t *Table) CountByHealth() map[m.Health]int {
    t.mu.RLock(); defer t.mu.RUnlock()
    out := map[m.Health]int{m.Healthy: 0, m.Stale: 0, m.Dead: 0}
    for _, n := range t.nodes { out[n.Status.Health]++ }
    return out
}

// Snapshot encodes the table as stable JSON.
func (t *Table) Snapshot() ([]byte, error) {
    return json.Marshal(struct{
        Version int    `json:"version"`
        Nodes   []Node `json:"nodes"`
    }{Version: 1, Nodes: t.List()})
}

func (t *Table) Restore(buf []byte) error {
    var snapshot struct{
        Version int    `json:"version"`
        Nodes   []Node `json:"nodes"`
    }
    if err := json.Unmarshal(buf, &snapshot); err != nil {
        return err
    }
    if snapshot.Version != 1 { return fmt.Errorf("nodes: unsupported snapshot version %d", snapshot.Version) }
    t.mu.Lock(); defer t.mu.Unlock()
    t.nodes = make(map[m.NodeID]Node, len(snapshot.Nodes))
    for _, v := range snapshot.Nodes {
        if v.ID == uuid.Nil { continue }
        t.nodes[v.ID] = v
    }
    return nil
}

// Ensure interface satisfaction at compile-time.
var _ base.NodeState = (*Table)(nil)
