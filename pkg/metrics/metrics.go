package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// NodesTotal is a gauge of nodes by provision_state. It is registered
	// but no code in this module sets it.
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conductor_nodes_total",
			Help: "Total number of nodes by provision state",
		},
		[]string{"provision_state"},
	)

	// TasksHeld counts currently-acquired node tasks by lock purpose.
	TasksHeld = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conductor_tasks_held",
			Help: "Number of currently held node tasks by purpose",
		},
		[]string{"purpose"},
	)

	// LockWaitDuration measures how long Acquire blocked before obtaining
	// (or failing to obtain) a node lock.
	LockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conductor_lock_wait_seconds",
			Help:    "Time spent waiting to acquire a per-node lock",
			Buckets: prometheus.DefBuckets,
		},
	)

	// LockUpgradeFailuresTotal counts UpgradeLock calls that lost the
	// exclusive race.
	LockUpgradeFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_lock_upgrade_failures_total",
			Help: "Total number of failed shared-to-exclusive lock upgrades",
		},
	)

	// StateTransitionsTotal counts provision-state-machine transitions.
	StateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_state_transitions_total",
			Help: "Total number of provision state transitions by from-state, event, and to-state",
		},
		[]string{"from", "event", "to"},
	)

	// StateTransitionRejectedTotal counts (state, event) pairs with no
	// entry in the transition table.
	StateTransitionRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_state_transitions_rejected_total",
			Help: "Total number of rejected (invalid) state transition attempts",
		},
		[]string{"from", "event"},
	)

	// PowerActionsTotal counts power actions by target state and outcome.
	PowerActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_power_actions_total",
			Help: "Total number of power actions by target state and outcome",
		},
		[]string{"target_state", "outcome"},
	)

	// PowerActionDuration measures wall time from the driver power call to
	// the successful persist of the new power state.
	PowerActionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conductor_power_action_duration_seconds",
			Help:    "Time taken for a power action to reach its target state",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		},
	)

	// ErrorHandlersInvokedTotal counts error-handler dispatches by handler
	// name and the state the node ended up in.
	ErrorHandlersInvokedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_error_handlers_invoked_total",
			Help: "Total number of error handler invocations by handler and resulting state",
		},
		[]string{"handler", "result_state"},
	)

	// NotificationsEmittedTotal counts notification bus emissions by event
	// level.
	NotificationsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_notifications_emitted_total",
			Help: "Total number of notifications emitted by level",
		},
		[]string{"level"},
	)

	// AgentTokenValidationsTotal counts IsAgentTokenValid calls by outcome.
	AgentTokenValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_agent_token_validations_total",
			Help: "Total number of agent token validations by outcome",
		},
		[]string{"outcome"},
	)

	// FastTrackDecisionsTotal counts IsFastTrack outcomes.
	FastTrackDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_fast_track_decisions_total",
			Help: "Total number of fast-track eligibility decisions by outcome",
		},
		[]string{"outcome"},
	)

	// NoFreeWorkerTotal counts admission-control rejections.
	NoFreeWorkerTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_no_free_worker_total",
			Help: "Total number of task acquisitions rejected for lack of a free worker",
		},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(TasksHeld)
	prometheus.MustRegister(LockWaitDuration)
	prometheus.MustRegister(LockUpgradeFailuresTotal)
	prometheus.MustRegister(StateTransitionsTotal)
	prometheus.MustRegister(StateTransitionRejectedTotal)
	prometheus.MustRegister(PowerActionsTotal)
	prometheus.MustRegister(PowerActionDuration)
	prometheus.MustRegister(ErrorHandlersInvokedTotal)
	prometheus.MustRegister(NotificationsEmittedTotal)
	prometheus.MustRegister(AgentTokenValidationsTotal)
	prometheus.MustRegister(FastTrackDecisionsTotal)
	prometheus.MustRegister(NoFreeWorkerTotal)
}

// Handler returns the Prometheus scrape handler. The HTTP mux it gets
// mounted on is out of scope here; callers wire it into whatever server
// they run.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed wall time for histogram observations.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
