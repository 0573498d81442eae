package coordinator

import (
    "context"
    "sync"
    "time"

    "github.com/amirimatin/go-safemode/pkg/consensus"
    "github.com/amirimatin/go-safemode/pkg/membership"
    "github.com/amirimatin/go-safemode/pkg/safemode"
)

type EventType string

const (
    EventLeaderChanged   EventType = "leader_changed"
    EventMemberJoin      EventType = "member_join"
    EventMemberLeave     EventType = "member_leave"
    EventMemberFailed    EventType = "member_failed"
    EventSafeModeChanged EventType = "safe_mode_changed"
)

// Event describes a coordinator state change. Only the fields relevant to the
// type are populated.
type Event struct {
    Type     EventType
    At       time.Time
    Leader   *consensus.LeaderInfo
    Member   *membership.MemberInfo
    SafeMode *safemode.StatusEvent
}

// Subscribe returns a buffered channel of events, closed when ctx is done.
// Slow consumers miss events.
func (c *Coordinator) Subscribe(ctx context.Context) <-chan Event {
    ch := make(chan Event, 64)
    c.eb.add(ch)
    go func() {
        <-ctx.Done()
        c.eb.remove(ch)
    }()
    return ch
}

type eventBus struct {
    mu   sync.Mutex
    subs map[chan Event]struct{}
}

func (e *eventBus) add(ch chan Event) {
    e.mu.Lock()
    if e.subs == nil { e.subs = make(map[chan Event]struct{}) }
    e.subs[ch] = struct{}{}
    e.mu.Unlock()
}

func (e *eventBus) remove(ch chan Event) {
    e.mu.Lock()
    if _, ok := e.subs[ch]; ok {
        delete(e.subs, ch)
        close(ch)
    }
    e.mu.Unlock()
}

func (e *eventBus) publish(ev Event) {
    e.mu.Lock()
    for ch := range e.subs {
        select {
        case ch <- ev:
        default:
        }
    }
    e.mu.Unlock()
}
