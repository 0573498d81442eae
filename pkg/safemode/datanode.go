package safemode

import (
    "fmt"
    "log"

    "github.com/amirimatin/go-safemode/pkg/events"
    "github.com/amirimatin/go-safemode/pkg/internal/logutil"
    "github.com/amirimatin/go-safemode/pkg/membership"
)

// DataNodeRuleName is the name the data node rule registers under.
const DataNodeRuleName = "DataNodeSafeModeRule"

// DefaultMinRequiredNodeCount is the default for minimum-required-node-count.
const DefaultMinRequiredNodeCount = 1

// maxIdentityHint caps the identity set's initial capacity; larger thresholds
// grow the set on demand.
const maxIdentityHint = 1 << 16

// DataNodeRuleOptions configures NewDataNodeRule.
type DataNodeRuleOptions struct {
    // Required is the minimum number of distinct registered data nodes.
    Required int
    // Nodes answers live node-count queries. Never mutated by the rule.
    Nodes membership.NodeCounter
    // Logger is optional. If nil, log.Default() is used.
    Logger *log.Logger
    // InSafeMode gates progress logging. Optional.
    InSafeMode func() bool
}

func (o DataNodeRuleOptions) Validate() error {
    if o.Required < 0 {
        return fmt.Errorf("%w: minimum-required-node-count=%d", ErrNegativeThreshold, o.Required)
    }
    if o.Nodes == nil {
        return ErrNoNodeCounter
    }
    return nil
}

// DataNodeRule is satisfied once enough distinct data nodes have registered.
type DataNodeRule struct {
    required   int
    registered *IdentitySet
    nodes      membership.NodeCounter
    logger     *log.Logger
    inSafeMode func() bool
}

func NewDataNodeRule(opts DataNodeRuleOptions) (*DataNodeRule, error) {
    if err := opts.Validate(); err != nil {
        return nil, err
    }
    if opts.Logger == nil { opts.Logger = log.Default() }
    return &DataNodeRule{
        required:   opts.Required,
        registered: NewIdentitySet(min(opts.Required, maxIdentityHint) * 2),
        nodes:      opts.Nodes,
        logger:     opts.Logger,
        inSafeMode: opts.InSafeMode,
    }, nil
}

func (r *DataNodeRule) Name() string { return DataNodeRuleName }

func (r *DataNodeRule) EventType() events.Kind { return events.KindNodeRegistration }

// Required returns the configured threshold.
func (r *DataNodeRule) Required() int { return r.required }

// Registered returns the number of distinct nodes processed so far.
func (r *DataNodeRule) Registered() int { return r.registered.Len() }

func (r *DataNodeRule) Process(ev events.Event) {
    var id membership.NodeID
    switch p := ev.Payload.(type) {
    case membership.RegistrationReport:
        id = p.ID
    case *membership.RegistrationReport:
        if p == nil { return }
        id = p.ID
    default:
        logutil.Debugf(r.logger, "%s: ignoring %s payload %T", DataNodeRuleName, ev.Kind, ev.Payload)
        return
    }
    r.registered.Add(id)
    n := r.registered.Len()
    if r.inSafeMode != nil && r.inSafeMode() {
        logutil.Infof(r.logger, "in safe mode. %d data nodes registered, %d required", n, r.required)
    }
}

func (r *DataNodeRule) Validate(mode ValidationMode) (bool, error) {
    if mode == ModeReplaying {
        return r.registered.Len() >= r.required, nil
    }
    n, err := r.nodes.CountNodesWithStatus(membership.InServiceHealthy())
    if err != nil {
        return false, err
    }
    return n >= r.required, nil
}

// Progress reports distinct registrations against the threshold.
func (r *DataNodeRule) Progress() (have, want int) { return r.registered.Len(), r.required }

func (r *DataNodeRule) StatusText() string {
    return fmt.Sprintf("registered (=%d) >= required (=%d)", r.registered.Len(), r.required)
}

func (r *DataNodeRule) Cleanup() {
    r.registered.Clear()
}

// Refresh does nothing: the rule holds no state derived from persisted data.
func (r *DataNodeRule) Refresh(bool) {}

var (
    _ Rule             = (*DataNodeRule)(nil)
    _ ProgressReporter = (*DataNodeRule)(nil)
)
