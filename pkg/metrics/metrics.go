package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scheduler metrics
	SchedulerTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sokovan_scheduler_ticks_total",
			Help: "Total number of scheduler ticks by scaling group and result",
		},
		[]string{"scaling_group", "result"},
	)

	SchedulerTickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sokovan_scheduler_tick_duration_seconds",
			Help:    "Duration of one scheduler tick in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"scaling_group"},
	)

	SessionsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sokovan_sessions_scheduled_total",
			Help: "Total number of sessions transitioned to SCHEDULED",
		},
	)

	SessionsCancelled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sokovan_sessions_cancelled_total",
			Help: "Total number of sessions transitioned to CANCELLED",
		},
	)

	SessionsTerminated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sokovan_sessions_terminated_total",
			Help: "Total number of sessions transitioned to TERMINATED",
		},
	)

	PredicateFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sokovan_predicate_failures_total",
			Help: "Total number of admission predicate failures by kind",
		},
		[]string{"kind"},
	)

	ReservationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sokovan_reservation_failures_total",
			Help: "Total number of agent reservation failures",
		},
	)

	LockContention = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sokovan_lock_contention_total",
			Help: "Scheduler ticks skipped because the scaling-group lock was held elsewhere",
		},
		[]string{"scaling_group"},
	)

	// Reconciler metrics
	ReconcilerLoopDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sokovan_reconciler_loop_duration_seconds",
			Help:    "Duration of one reconciler loop pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"loop"},
	)

	ReconcilerLoopsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sokovan_reconciler_loops_total",
			Help: "Total number of reconciler loop passes by loop name",
		},
		[]string{"loop"},
	)

	ZombieRoutesCleaned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sokovan_zombie_routes_cleaned_total",
			Help: "Total number of routings removed because their session was gone",
		},
	)

	AutoscaleActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sokovan_autoscale_actions_total",
			Help: "Endpoint autoscaling actions by direction",
		},
		[]string{"direction"},
	)

	ConcurrencyRescans = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sokovan_concurrency_rescans_total",
			Help: "Total number of concurrency counter rescans triggered by drift",
		},
	)

	// Agent RPC metrics
	AgentRPCDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sokovan_agent_rpc_duration_seconds",
			Help:    "Agent RPC duration in seconds by method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	AgentRPCErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sokovan_agent_rpc_errors_total",
			Help: "Agent RPC failures by method",
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(SchedulerTicksTotal)
	prometheus.MustRegister(SchedulerTickDuration)
	prometheus.MustRegister(SessionsScheduled)
	prometheus.MustRegister(SessionsCancelled)
	prometheus.MustRegister(SessionsTerminated)
	prometheus.MustRegister(PredicateFailures)
	prometheus.MustRegister(ReservationFailures)
	prometheus.MustRegister(LockContention)
	prometheus.MustRegister(ReconcilerLoopDuration)
	prometheus.MustRegister(ReconcilerLoopsTotal)
	prometheus.MustRegister(ZombieRoutesCleaned)
	prometheus.MustRegister(AutoscaleActions)
	prometheus.MustRegister(ConcurrencyRescans)
	prometheus.MustRegister(AgentRPCDuration)
	prometheus.MustRegister(AgentRPCErrors)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration and reports it to a histogram observer.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on the given observer.
func (t *Timer) ObserveDuration(obs prometheus.Observer) {
	obs.Observe(time.Since(t.start).Seconds())
}
