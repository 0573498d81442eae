package membership

// HealthReporter is an optional interface that a Membership implementation
// may provide to report the local gossip health score. Lower is better; -1
// means the implementation is not started.
type HealthReporter interface {
    HealthScore() int
}
