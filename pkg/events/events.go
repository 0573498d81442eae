// Package events is the coordinator's in-process publish/subscribe queue.
// Handlers subscribe per Kind; published events are dispatched by a small pool
// of workers, so handlers for distinct events may run concurrently.
package events

import (
    "time"
)

// Kind names a class of events and is the routing key for subscriptions.
type Kind string

const (
    // KindNodeRegistration carries a membership.RegistrationReport.
    KindNodeRegistration Kind = "node_registration"
    // KindNodeHealth carries a HealthChange.
    KindNodeHealth Kind = "node_health"
    // KindSafeModeStatus carries a safe-mode status change.
    KindSafeModeStatus Kind = "safe_mode_status"
)

// Event is one message on the queue. Payload type is determined by Kind.
type Event struct {
    Kind    Kind
    Payload any
    At      time.Time
}

// Handler consumes events of a subscribed kind.
type Handler func(Event)
