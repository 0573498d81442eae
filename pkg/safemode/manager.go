package safemode

import (
    "context"
    "errors"
    "fmt"
    "log"
    "sync"
    "time"

    "github.com/amirimatin/go-safemode/pkg/events"
    "github.com/amirimatin/go-safemode/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-safemode/pkg/observability/metrics"
    "github.com/amirimatin/go-safemode/pkg/observability/tracing"
)

// ManagerOptions configures NewManager.
type ManagerOptions struct {
    // Disabled starts the manager outside safe mode; rules are still tracked.
    Disabled bool
    // Queue delivers rule events and receives safe-mode status events.
    // Optional; without it rules only see events passed to Dispatch.
    Queue *events.Queue
    // Logger is optional. If nil, log.Default() is used.
    Logger *log.Logger
    // PollInterval for Run (default 1s).
    PollInterval time.Duration
    // Mode reports the current validation mode. Defaults to ModeReplaying.
    Mode func() ValidationMode
}

// RuleOption tunes how a rule is registered.
type RuleOption func(*ruleEntry)

// WithPreCheck marks the rule as a pre-check rule. Pre-check completion is
// reported separately from full safe-mode exit.
func WithPreCheck() RuleOption { return func(e *ruleEntry) { e.preCheck = true } }

type ruleEntry struct {
    rule      Rule
    preCheck  bool
    validated bool
}

// Manager aggregates exit rules and owns the in/out of safe mode decision.
type Manager struct {
    opts  ManagerOptions
    log   *log.Logger
    mu    sync.RWMutex
    rules []*ruleEntry
    byName map[string]*ruleEntry
    inSafeMode       bool
    preCheckComplete bool
    // epoch is bumped by Restart; validations started earlier are discarded.
    epoch uint64
    bus   statusBus
}

func NewManager(opts ManagerOptions) *Manager {
    if opts.Logger == nil { opts.Logger = log.Default() }
    if opts.PollInterval <= 0 { opts.PollInterval = time.Second }
    if opts.Mode == nil { opts.Mode = func() ValidationMode { return ModeReplaying } }
    m := &Manager{opts: opts, log: opts.Logger, byName: make(map[string]*ruleEntry)}
    m.inSafeMode = !opts.Disabled
    m.preCheckComplete = opts.Disabled
    m.setGauges()
    return m
}

// Register adds a rule and subscribes it to its event kind on the queue.
func (m *Manager) Register(r Rule, opts ...RuleOption) error {
    if r == nil { return ErrNilRule }
    e := &ruleEntry{rule: r}
    for _, o := range opts { o(e) }
    m.mu.Lock()
    if _, dup := m.byName[r.Name()]; dup {
        m.mu.Unlock()
        return fmt.Errorf("%w: %s", ErrDuplicateRule, r.Name())
    }
    m.rules = append(m.rules, e)
    m.byName[r.Name()] = e
    m.mu.Unlock()
    obsmetrics.RuleValidated.WithLabelValues(r.Name()).Set(0)
    publishProgress(r)
    if m.opts.Queue != nil {
        m.opts.Queue.Subscribe(r.EventType(), func(ev events.Event) { m.onEvent(e, ev) })
    }
    return nil
}

// Dispatch delivers ev to every rule subscribed to its kind, bypassing the
// queue. Useful for synchronous callers and tests.
func (m *Manager) Dispatch(ev events.Event) {
    m.mu.RLock()
    var targets []*ruleEntry
    for _, e := range m.rules {
        if e.rule.EventType() == ev.Kind { targets = append(targets, e) }
    }
    m.mu.RUnlock()
    for _, e := range targets { m.onEvent(e, ev) }
}

func (m *Manager) onEvent(e *ruleEntry, ev events.Event) {
    e.rule.Process(ev)
    publishProgress(e.rule)
    if !m.InSafeMode() { return }
    if _, err := m.evaluateRule(context.Background(), e); err != nil {
        logutil.Warnf(m.log, "safemode: validate %s after %s event: %v", e.rule.Name(), ev.Kind, err)
    }
}

// InSafeMode reports whether the coordinator is still in safe mode.
func (m *Manager) InSafeMode() bool {
    m.mu.RLock(); defer m.mu.RUnlock()
    return m.inSafeMode
}

// PreCheckComplete reports whether every pre-check rule has been validated.
func (m *Manager) PreCheckComplete() bool {
    m.mu.RLock(); defer m.mu.RUnlock()
    return m.preCheckComplete
}

// Mode returns the validation mode currently in effect.
func (m *Manager) Mode() ValidationMode { return m.opts.Mode() }

// evaluateRule validates one rule and applies the outcome. Once validated, a
// rule stays validated until Restart.
func (m *Manager) evaluateRule(ctx context.Context, e *ruleEntry) (bool, error) {
    m.mu.RLock()
    done, epoch := e.validated, m.epoch
    m.mu.RUnlock()
    if done { return true, nil }
    mode := m.opts.Mode()
    sctx, end := tracing.StartSpan(ctx, "safemode.validate", "rule", e.rule.Name(), "mode", mode.String())
    ok, err := e.rule.Validate(mode)
    tracing.RecordError(sctx, err)
    end()
    if err != nil {
        obsmetrics.RuleErrors.WithLabelValues(e.rule.Name()).Inc()
        return false, err
    }
    if !ok { return false, nil }
    m.mu.Lock()
    if m.epoch != epoch {
        // Restart ran during Validate; the result reflects discarded evidence.
        m.mu.Unlock()
        return false, nil
    }
    if e.validated || !m.inSafeMode {
        m.mu.Unlock()
        return true, nil
    }
    e.validated = true
    m.mu.Unlock()
    obsmetrics.RuleValidated.WithLabelValues(e.rule.Name()).Set(1)
    logutil.Infof(m.log, "safemode: %s rule satisfied (%s, mode=%s)", e.rule.Name(), e.rule.StatusText(), mode)
    m.checkExit()
    return true, nil
}

func (m *Manager) checkExit() {
    var evs []StatusEvent
    m.mu.Lock()
    if !m.inSafeMode {
        m.mu.Unlock()
        return
    }
    allPre, all := true, true
    for _, e := range m.rules {
        if !e.validated {
            all = false
            if e.preCheck { allPre = false }
        }
    }
    now := time.Now()
    if allPre && !m.preCheckComplete {
        m.preCheckComplete = true
        evs = append(evs, StatusEvent{InSafeMode: true, PreCheckComplete: true, Reason: ReasonPreCheckComplete, At: now})
    }
    if all {
        m.inSafeMode = false
        m.preCheckComplete = true
        evs = append(evs, StatusEvent{InSafeMode: false, PreCheckComplete: true, Reason: ReasonRulesSatisfied, At: now})
    }
    m.mu.Unlock()
    for _, ev := range evs { m.notify(ev) }
}

func (m *Manager) notify(ev StatusEvent) {
    m.setGauges()
    switch ev.Reason {
    case ReasonPreCheckComplete:
        logutil.Infof(m.log, "safemode: pre-check rules satisfied")
    case ReasonRulesSatisfied, ReasonForced:
        obsmetrics.Exits.WithLabelValues(ev.Reason).Inc()
        logutil.Infof(m.log, "safemode: leaving safe mode (%s)", ev.Reason)
    case ReasonRestart:
        logutil.Infof(m.log, "safemode: entering safe mode")
    }
    m.bus.publish(ev)
    if m.opts.Queue != nil {
        if err := m.opts.Queue.Publish(events.Event{Kind: events.KindSafeModeStatus, Payload: ev, At: ev.At}); err != nil && !errors.Is(err, events.ErrClosed) {
            logutil.Warnf(m.log, "safemode: publish status: %v", err)
        }
    }
}

func publishProgress(r Rule) {
    pr, ok := r.(ProgressReporter)
    if !ok { return }
    have, want := pr.Progress()
    obsmetrics.RuleProgress.WithLabelValues(r.Name()).Set(float64(have))
    obsmetrics.RuleThreshold.WithLabelValues(r.Name()).Set(float64(want))
}

func (m *Manager) setGauges() {
    m.mu.RLock()
    in, pre := m.inSafeMode, m.preCheckComplete
    m.mu.RUnlock()
    obsmetrics.InSafeMode.Set(b2f(in))
    obsmetrics.PreCheckComplete.Set(b2f(pre))
}

// Evaluate validates every pending rule and returns the resulting status.
// Errors from rules are returned; a single failing rule's error is returned
// as is.
func (m *Manager) Evaluate(ctx context.Context) (Status, error) {
    ctx, end := tracing.StartSpan(ctx, "safemode.evaluate")
    defer end()
    if !m.InSafeMode() { return m.Status(), nil }
    m.mu.RLock()
    entries := append([]*ruleEntry(nil), m.rules...)
    m.mu.RUnlock()
    var errs []error
    for _, e := range entries {
        if _, err := m.evaluateRule(ctx, e); err != nil {
            errs = append(errs, fmt.Errorf("%s: %w", e.rule.Name(), err))
        }
    }
    // An empty rule set is trivially satisfied.
    if len(entries) == 0 { m.checkExit() }
    switch len(errs) {
    case 0:
        return m.Status(), nil
    case 1:
        return m.Status(), errors.Unwrap(errs[0])
    default:
        return m.Status(), errors.Join(errs...)
    }
}

// Run re-evaluates the rules every PollInterval while in safe mode. It
// returns when ctx is done.
func (m *Manager) Run(ctx context.Context) {
    ticker := time.NewTicker(m.opts.PollInterval)
    defer ticker.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-ticker.C:
            if !m.InSafeMode() { continue }
            if _, err := m.Evaluate(ctx); err != nil {
                logutil.Warnf(m.log, "safemode: evaluate: %v", err)
            }
        }
    }
}

// Status returns a snapshot of the manager and its rules.
func (m *Manager) Status() Status {
    m.mu.RLock()
    s := Status{InSafeMode: m.inSafeMode, PreCheckComplete: m.preCheckComplete, Mode: m.opts.Mode()}
    entries := append([]*ruleEntry(nil), m.rules...)
    validated := make([]bool, len(entries))
    for i, e := range entries { validated[i] = e.validated }
    m.mu.RUnlock()
    s.Rules = make([]RuleStatus, 0, len(entries))
    for i, e := range entries {
        s.Rules = append(s.Rules, RuleStatus{Name: e.rule.Name(), PreCheck: e.preCheck, Validated: validated[i], StatusText: e.rule.StatusText()})
    }
    return s
}

// Restart begins a new evaluation epoch: safe mode is re-entered and every
// rule's evidence is discarded. It reports false, doing nothing, when the
// manager is disabled.
func (m *Manager) Restart() bool {
    if m.opts.Disabled { return false }
    m.mu.Lock()
    m.inSafeMode = true
    m.preCheckComplete = false
    m.epoch++
    entries := append([]*ruleEntry(nil), m.rules...)
    for _, e := range entries { e.validated = false }
    m.mu.Unlock()
    for _, e := range entries {
        e.rule.Cleanup()
        publishProgress(e.rule)
        obsmetrics.RuleValidated.WithLabelValues(e.rule.Name()).Set(0)
    }
    obsmetrics.Restarts.Inc()
    m.notify(StatusEvent{InSafeMode: true, Reason: ReasonRestart, At: time.Now()})
    return true
}

// Refresh asks every rule to re-derive its state and then evaluates.
func (m *Manager) Refresh(ctx context.Context, force bool) (Status, error) {
    m.mu.RLock()
    entries := append([]*ruleEntry(nil), m.rules...)
    m.mu.RUnlock()
    for _, e := range entries { e.rule.Refresh(force) }
    return m.Evaluate(ctx)
}

// ForceExit leaves safe mode regardless of rule state. It reports whether the
// manager was in safe mode.
func (m *Manager) ForceExit() bool {
    m.mu.Lock()
    if !m.inSafeMode {
        m.mu.Unlock()
        return false
    }
    m.inSafeMode = false
    m.preCheckComplete = true
    m.mu.Unlock()
    m.notify(StatusEvent{InSafeMode: false, PreCheckComplete: true, Reason: ReasonForced, At: time.Now()})
    return true
}

// Subscribe returns a channel of safe-mode transitions, closed when ctx is
// done. Delivery is best-effort.
func (m *Manager) Subscribe(ctx context.Context) <-chan StatusEvent { return m.bus.subscribe(ctx) }

func b2f(b bool) float64 {
    if b { return 1 }
    return 0
}
