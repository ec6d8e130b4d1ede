// Package observability holds the Prometheus metrics shared across the
// control plane: one promauto-registered var block, imported wherever a
// component needs to record a gauge/counter/histogram.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TaskQueueDepth tracks pending tasks waiting on the scheduler.
	TaskQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shuttle_queue_depth",
		Help: "Current number of staged tasks waiting for dispatch",
	}, []string{"rack_id"})

	// DispatcherDecisions tracks dispatch outcomes by result.
	DispatcherDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shuttle_dispatcher_decisions_total",
		Help: "Total number of dispatch decisions made",
	}, []string{"result"}) // assigned, no_idle_shuttle, no_path

	// DispatcherLoopDuration tracks one Dispatcher.Tick duration.
	DispatcherLoopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shuttle_dispatcher_loop_duration_seconds",
		Help:    "Duration of one dispatcher tick",
		Buckets: prometheus.DefBuckets,
	})

	// SchedulerLoopDuration tracks one Scheduler Worker tick.
	SchedulerLoopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shuttle_scheduler_loop_duration_seconds",
		Help:    "Duration of one scheduler worker tick",
		Buckets: prometheus.DefBuckets,
	})

	// TaskWaitSeconds tracks time a task spends staged before assignment.
	TaskWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shuttle_task_wait_seconds",
		Help:    "Time a staged task waits before being assigned to a shuttle",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	// ActiveShuttles tracks shuttles currently carrying an assigned task, per rack.
	ActiveShuttles = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shuttle_active_shuttles",
		Help: "Current number of shuttles with an in-progress task",
	}, []string{"rack_id"})

	// TrafficCorridors tracks the number of detected high-traffic corridors.
	TrafficCorridors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shuttle_traffic_corridors",
		Help: "Current number of detected high-traffic corridors",
	})

	// ActivePaths tracks the number of live planned paths in the path cache.
	ActivePaths = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shuttle_active_paths",
		Help: "Current number of active planned paths held by the path cache",
	})

	// PathJanitorEvictions tracks path cache entries evicted by the janitor sweep.
	PathJanitorEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shuttle_path_janitor_evictions_total",
		Help: "Total number of expired path cache entries evicted",
	})

	// ConflictResolutions tracks conflict resolver yield outcomes.
	ConflictResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shuttle_conflict_resolutions_total",
		Help: "Total number of conflicts resolved, by yield strategy",
	}, []string{"strategy"}) // parking, backtrack, wait

	// ConflictEscalations tracks wait records that exhausted retries unresolved.
	ConflictEscalations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shuttle_conflict_escalations_total",
		Help: "Total number of conflict waits escalated for operator attention",
	})

	// ConflictWaitSeconds tracks how long a shuttle waited before a reroute was accepted.
	ConflictWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shuttle_conflict_wait_seconds",
		Help:    "Time a shuttle spent waiting before a reroute was accepted",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	// LockContention tracks AcquireLock calls that found the key already held
	// by a different owner.
	LockContention = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shuttle_lock_contention_total",
		Help: "Total number of lock acquisitions that found a conflicting owner",
	}, []string{"lock_kind"}) // pickup, endnode, row_direction

	// LeadershipEpoch tracks the current fencing epoch held by a leader node.
	LeadershipEpoch = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shuttle_leader_epoch",
		Help: "Current fencing epoch of the leader",
	}, []string{"node_id"})

	// LeadershipTransitions tracks leadership acquisition and loss events.
	LeadershipTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shuttle_leader_transitions_total",
		Help: "Total number of leadership transitions",
	}, []string{"node_id", "event"}) // acquired, lost, epoch_drift

	// LeadershipTransitionDuration tracks time from step-down to re-election.
	LeadershipTransitionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shuttle_leader_transition_duration_seconds",
		Help:    "Time taken for leadership to transition from step-down to re-election",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	// LeaderStatus tracks whether this process currently holds leadership.
	LeaderStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shuttle_leader_status",
		Help: "Current leader status of this process (1 = leader, 0 = follower)",
	})

	// IdempotencyLockAcquired tracks idempotency keys accepted as new requests.
	IdempotencyLockAcquired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shuttle_idempotency_lock_acquired_total",
		Help: "Total number of idempotency keys accepted as new requests",
	})

	// IdempotencyReplays tracks requests short-circuited by a cached response.
	IdempotencyReplays = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shuttle_idempotency_replays_total",
		Help: "Total number of requests served from a cached idempotent response",
	}, []string{"route"})

	// IdempotencyLockExpired tracks idempotency locks that expired without a result.
	IdempotencyLockExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shuttle_idempotency_lock_expired_total",
		Help: "Total number of idempotency locks that expired without a stored result",
	})

	// WebsocketClients tracks currently connected operator dashboard clients.
	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shuttle_websocket_clients",
		Help: "Current number of connected operator dashboard websocket clients",
	})

	// RedisLatency tracks Redis round-trip latency for the coordination spine.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shuttle_redis_roundtrip_latency_seconds",
		Help:    "Redis operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	})

	// APIRateLimited tracks requests rejected by the ingestion storm-protection limiter.
	APIRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shuttle_api_rate_limited_total",
		Help: "Total number of HTTP requests rejected by storm-protection rate limiting",
	})
)

// Handler returns the /metrics HTTP handler for the promauto default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
