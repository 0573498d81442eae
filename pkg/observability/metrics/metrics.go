package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

var (
    once sync.Once

    // Safe mode
    InSafeMode = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "safemode",
        Name:      "in_safe_mode",
        Help:      "1 while the coordinator is in safe mode, else 0",
    })
    PreCheckComplete = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "safemode",
        Name:      "precheck_complete",
        Help:      "1 once all pre-check exit rules are validated, else 0",
    })
    RuleValidated = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Namespace: "safemode",
        Subsystem: "rule",
        Name:      "validated",
        Help:      "1 if the exit rule has been validated in the current epoch",
    }, []string{"rule"})
    RuleErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "safemode",
        Subsystem: "rule",
        Name:      "validate_errors_total",
        Help:      "Total number of rule validations that returned an error",
    }, []string{"rule"})
    Exits = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "safemode",
        Name:      "exits_total",
        Help:      "Total number of safe mode exits",
    }, []string{"reason"})
    Restarts = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "safemode",
        Name:      "restarts_total",
        Help:      "Total number of safe mode evaluation epoch restarts",
    })
    RuleProgress = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Namespace: "safemode",
        Subsystem: "rule",
        Name:      "progress",
        Help:      "Evidence collected by the exit rule in the current epoch",
    }, []string{"rule"})
    RuleThreshold = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Namespace: "safemode",
        Subsystem: "rule",
        Name:      "threshold",
        Help:      "Evidence the exit rule requires before it validates",
    }, []string{"rule"})
    Replaying = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "safemode",
        Name:      "replaying",
        Help:      "1 while the coordinator replays its persisted log, else 0",
    })

    // Event queue
    EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "safemode",
        Subsystem: "events",
        Name:      "published_total",
        Help:      "Total events accepted by the queue",
    }, []string{"kind"})
    EventsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "safemode",
        Subsystem: "events",
        Name:      "dispatched_total",
        Help:      "Total events delivered to subscribers",
    }, []string{"kind"})
    EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "safemode",
        Subsystem: "events",
        Name:      "dropped_total",
        Help:      "Total events rejected because the queue was full",
    }, []string{"kind"})

    // Node table
    Nodes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Namespace: "safemode",
        Name:      "nodes",
        Help:      "Known data nodes by health",
    }, []string{"health"})
    RegisterRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "safemode",
        Name:      "register_requests_total",
        Help:      "Total data node registration requests handled by this node",
    }, []string{"result"})

    // Coordinator / consensus
    IsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "safemode",
        Name:      "is_leader",
        Help:      "1 if this coordinator is the leader, else 0",
    })
    LeaderChanges = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "safemode",
        Name:      "leader_changes_total",
        Help:      "Total number of observed leader change events",
    })
    JoinRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "safemode",
        Name:      "join_requests_total",
        Help:      "Total coordinator join requests handled by this node",
    }, []string{"result"})

    // gRPC client connection cache
    GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "safemode",
        Subsystem: "grpc_conn",
        Name:      "dials_total",
        Help:      "Total number of new gRPC connections dialed",
    })
    GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "safemode",
        Subsystem: "grpc_conn",
        Name:      "reuse_total",
        Help:      "Total number of gRPC connection reuses from cache",
    })
    GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "safemode",
        Subsystem: "grpc_conn",
        Name:      "evictions_total",
        Help:      "Total number of cached gRPC connections evicted",
    })
    GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "safemode",
        Subsystem: "grpc_conn",
        Name:      "active",
        Help:      "Number of active cached gRPC connections",
    })
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(InSafeMode, PreCheckComplete, RuleValidated, RuleErrors, Exits, Restarts)
        prometheus.MustRegister(RuleProgress, RuleThreshold, Replaying)
        prometheus.MustRegister(EventsPublished, EventsDispatched, EventsDropped)
        prometheus.MustRegister(Nodes, RegisterRequests)
        prometheus.MustRegister(IsLeader, LeaderChanges, JoinRequests)
        prometheus.MustRegister(GRPCConnDials, GRPCConnReuse, GRPCConnEvictions, GRPCConnActive)
    })
}
