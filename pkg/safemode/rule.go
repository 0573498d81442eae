// Package safemode gates the coordinator's exit from safe mode on a set of
// exit rules. Each Rule consumes one kind of event from the queue, accumulates
// evidence, and reports whether its readiness condition holds. The Manager
// aggregates the rules and decides when safe mode ends.
package safemode

import (
    "fmt"

    "github.com/amirimatin/go-safemode/pkg/events"
)

// ValidationMode selects the source of truth a rule validates against.
type ValidationMode int

const (
    // ModeReplaying validates against the evidence processed from events so
    // far. Used while the coordinator replays its persisted log.
    ModeReplaying ValidationMode = iota
    // ModeLive validates against the authoritative live cluster state.
    ModeLive
)

func (m ValidationMode) String() string {
    switch m {
    case ModeReplaying:
        return "replaying"
    case ModeLive:
        return "live"
    default:
        return fmt.Sprintf("ValidationMode(%d)", int(m))
    }
}

func (m ValidationMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *ValidationMode) UnmarshalText(b []byte) error {
    switch string(b) {
    case "replaying":
        *m = ModeReplaying
    case "live":
        *m = ModeLive
    default:
        return fmt.Errorf("safemode: unknown validation mode %q", string(b))
    }
    return nil
}

// Rule is one readiness condition gating safe-mode exit.
//
// Process, Validate and StatusText must be safe for concurrent use: the queue
// may deliver events from several workers while the manager polls Validate.
type Rule interface {
    // Name identifies the rule in status output and metrics.
    Name() string
    // EventType is the event kind the rule consumes.
    EventType() events.Kind
    // Process folds one event into the rule's evidence. It must be idempotent
    // for duplicate deliveries.
    Process(ev events.Event)
    // Validate reports whether the condition holds. Errors from collaborators
    // are returned unmodified.
    Validate(mode ValidationMode) (bool, error)
    // StatusText renders the rule's progress for operators.
    StatusText() string
    // Cleanup discards accumulated evidence at the start of a new epoch.
    Cleanup()
    // Refresh re-derives rule state from external data. Rules without
    // external state implement it as a no-op.
    Refresh(force bool)
}

// ProgressReporter is implemented by rules whose evidence is countable. The
// manager publishes the counts as per-rule gauges.
type ProgressReporter interface {
    Progress() (have, want int)
}
