package safemode

import (
    "context"
    "sync"
    "time"
)

// RuleStatus is the per-rule part of a Status snapshot.
type RuleStatus struct {
    Name       string `json:"name"`
    PreCheck   bool   `json:"preCheck"`
    Validated  bool   `json:"validated"`
    StatusText string `json:"statusText"`
}

// Status is a JSON-serializable snapshot of the manager.
type Status struct {
    InSafeMode       bool           `json:"inSafeMode"`
    PreCheckComplete bool           `json:"preCheckComplete"`
    Mode             ValidationMode `json:"mode"`
    Rules            []RuleStatus   `json:"rules"`
}

// Reasons carried by StatusEvent.
const (
    ReasonPreCheckComplete = "precheck_complete"
    ReasonRulesSatisfied   = "rules_satisfied"
    ReasonForced           = "forced"
    ReasonRestart          = "restart"
    ReasonDisabled         = "disabled"
)

// StatusEvent notifies a safe-mode state transition.
type StatusEvent struct {
    InSafeMode       bool
    PreCheckComplete bool
    Reason           string
    At               time.Time
}

// statusBus fans StatusEvents out to subscribers, dropping for slow readers.
type statusBus struct {
    mu   sync.Mutex
    subs map[chan StatusEvent]struct{}
}

func (b *statusBus) subscribe(ctx context.Context) <-chan StatusEvent {
    ch := make(chan StatusEvent, 16)
    b.mu.Lock()
    if b.subs == nil { b.subs = make(map[chan StatusEvent]struct{}) }
    b.subs[ch] = struct{}{}
    b.mu.Unlock()
    go func() {
        <-ctx.Done()
        b.mu.Lock()
        delete(b.subs, ch)
        close(ch)
        b.mu.Unlock()
    }()
    return ch
}

func (b *statusBus) publish(ev StatusEvent) {
    b.mu.Lock()
    for ch := range b.subs {
        select {
        case ch <- ev:
        default:
        }
    }
    b.mu.Unlock()
}
