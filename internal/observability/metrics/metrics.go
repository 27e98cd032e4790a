package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	mu       sync.Mutex
	registry *prometheus.Registry

	cyclesRun       *prometheus.CounterVec
	paymentsTotal   *prometheus.CounterVec
	paymentRetries  prometheus.Counter
	groupsPaused    prometheus.Counter
	jobsProcessed   *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec
	breakerState    prometheus.Gauge
	breakerSwitches *prometheus.CounterVec
	scheduled       *prometheus.CounterVec
	notifications   *prometheus.CounterVec
)

func init() {
	build()
}

func build() {
	registry = prometheus.NewRegistry()

	cyclesRun = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tontine_cycles_run_total",
		Help: "Cycle executions by result.",
	}, []string{"result"})

	paymentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tontine_payments_total",
		Help: "Member payment attempts by outcome.",
	}, []string{"status"})

	paymentRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tontine_payment_retries_total",
		Help: "Scheduled payment retry attempts.",
	})

	groupsPaused = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tontine_groups_paused_total",
		Help: "Groups paused after exhausted payment retries.",
	})

	jobsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tontine_jobs_processed_total",
		Help: "Queue jobs processed by kind and outcome.",
	}, []string{"kind", "status"})

	queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tontine_queue_depth",
		Help: "Queue depth by bucket.",
	}, []string{"bucket"})

	breakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tontine_breaker_state",
		Help: "Gateway breaker state (0 closed, 1 open, 2 half-open).",
	})

	breakerSwitches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tontine_breaker_transitions_total",
		Help: "Gateway breaker state transitions by target state.",
	}, []string{"to"})

	scheduled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tontine_cycles_scheduled_total",
		Help: "Cycle schedule attempts by result.",
	}, []string{"result"})

	notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tontine_notifications_total",
		Help: "Outbox notifications by dispatch outcome.",
	}, []string{"status"})

	registry.MustRegister(
		cyclesRun, paymentsTotal, paymentRetries, groupsPaused,
		jobsProcessed, queueDepth, breakerState, breakerSwitches,
		scheduled, notifications,
	)
}

// Registry returns the process registry backing the /metrics handler.
func Registry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()
	return registry
}

// ResetForTest rebuilds every collector so tests observe counts from zero.
func ResetForTest() {
	mu.Lock()
	defer mu.Unlock()
	build()
}

func CycleRun(result string) { cyclesRun.WithLabelValues(result).Inc() }

func Payment(status string) { paymentsTotal.WithLabelValues(status).Inc() }

func PaymentRetryScheduled() { paymentRetries.Inc() }

func GroupPaused() { groupsPaused.Inc() }

func JobProcessed(kind, status string) { jobsProcessed.WithLabelValues(kind, status).Inc() }

func SetQueueDepth(bucket string, n int64) { queueDepth.WithLabelValues(bucket).Set(float64(n)) }

func SetBreakerState(state int) { breakerState.Set(float64(state)) }

func BreakerTransition(to string) { breakerSwitches.WithLabelValues(to).Inc() }

func CycleScheduled(result string) { scheduled.WithLabelValues(result).Inc() }

func Notification(status string) { notifications.WithLabelValues(status).Inc() }
