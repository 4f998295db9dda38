// Copyright 2025 James Ross
package obs

import (
    "fmt"
    "net/http"

    "github.com/flyingrobots/engram/internal/config"
    "github.com/prometheus/client_golang/prometheus"
    promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
    OutboxClaimed = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "outbox_claimed_total",
        Help: "Total number of outbox rows claimed by workers",
    })
    OutboxDelivered = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "outbox_delivered_total",
        Help: "Total number of outbox rows delivered successfully",
    })
    OutboxRetried = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "outbox_retried_total",
        Help: "Total number of outbox delivery retries",
    })
    OutboxDead = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "outbox_dead_total",
        Help: "Total number of outbox rows moved to dead status",
    })
    OutboxDedupHits = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "outbox_dedup_hits_total",
        Help: "Total number of outbox dedup hits",
    })
    OutboxConflicts = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "outbox_conflicts_total",
        Help: "Total number of outbox lease-conflict detections",
    })
    OutboxDBTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "outbox_db_timeouts_total",
        Help: "Total number of outbox status-update statement timeouts",
    })
    OutboxDBErrors = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "outbox_db_errors_total",
        Help: "Total number of outbox status-update failures that were neither a lease conflict nor a statement timeout",
    })
    OutboxDeliveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
        Name:    "outbox_delivery_duration_seconds",
        Help:    "Histogram of outbox delivery durations",
        Buckets: prometheus.DefBuckets,
    })

    ScmJobsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "scm_jobs_enqueued_total",
        Help: "Total number of SCM sync jobs enqueued",
    }, []string{"job_type"})
    ScmJobsClaimed = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "scm_jobs_claimed_total",
        Help: "Total number of SCM sync jobs claimed",
    }, []string{"job_type"})
    ScmJobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "scm_jobs_completed_total",
        Help: "Total number of SCM sync jobs completed",
    }, []string{"job_type", "status"})
    ScmSchedulerSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "scm_scheduler_skipped_total",
        Help: "Total number of repos skipped by the scheduler by reason",
    }, []string{"reason"})

    CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Name: "circuit_breaker_state",
        Help: "0 Closed, 1 HalfOpen, 2 Open",
    }, []string{"scope"})
    CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "circuit_breaker_trips_total",
        Help: "Count of times a circuit breaker scope transitioned to Open",
    }, []string{"scope"})

    RateLimiterWaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
        Name:    "rate_limiter_wait_duration_seconds",
        Help:    "Histogram of acquire() wait durations",
        Buckets: prometheus.DefBuckets,
    })
    RateLimiterTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "rate_limiter_timeouts_total",
        Help: "Total number of acquire() calls that timed out",
    })
    RateLimiter429Hits = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "rate_limiter_429_hits_total",
        Help: "Total number of upstream 429 notifications recorded",
    })

    GovernanceDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "governance_decisions_total",
        Help: "Total number of write-governance decisions by action",
    }, []string{"action"})

    WorkerActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "worker_active",
        Help: "Number of active worker goroutines",
    })
)

func init() {
    prometheus.MustRegister(
        OutboxClaimed, OutboxDelivered, OutboxRetried, OutboxDead, OutboxDedupHits,
        OutboxConflicts, OutboxDBTimeouts, OutboxDBErrors, OutboxDeliveryDuration,
        ScmJobsEnqueued, ScmJobsClaimed, ScmJobsCompleted, ScmSchedulerSkipped,
        CircuitBreakerState, CircuitBreakerTrips,
        RateLimiterWaitDuration, RateLimiterTimeouts, RateLimiter429Hits,
        GovernanceDecisions, WorkerActive,
    )
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
// StartMetricsServer is retained for compatibility but consider using StartHTTPServer
// which also registers health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
    mux := http.NewServeMux()
    mux.Handle("/metrics", promhttp.Handler())
    srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
    go func() { _ = srv.ListenAndServe() }()
    return srv
}
