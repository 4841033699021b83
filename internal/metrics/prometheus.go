package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SessionStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "messaging_session_status",
			Help: "1 for the current persisted session status of a tenant, 0 otherwise",
		},
		[]string{"tenant", "status"},
	)

	SessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_session_transitions_total",
			Help: "Total number of applied session status writes",
		},
		[]string{"status"},
	)

	StaleEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "messaging_session_stale_events_total",
			Help: "Lifecycle events discarded because they came from a superseded generation",
		},
	)

	StoreWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "messaging_session_store_write_failures_total",
			Help: "Session status writes rejected by the persistent store",
		},
	)

	ReconnectsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "messaging_reconnects_scheduled_total",
			Help: "Reconnect attempts scheduled after unexpected disconnects",
		},
	)

	ReconnectAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "messaging_reconnect_attempts_total",
			Help: "Reconnect timers that fired and attempted a re-initialize",
		},
	)

	MessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_sends_total",
			Help: "Send attempts by classified outcome",
		},
		[]string{"tenant", "outcome"},
	)

	WorkerProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_messages_processed_total",
			Help: "Total number of queued outbound jobs processed by workers",
		},
		[]string{"tenant"},
	)

	WorkerActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_active_goroutines",
			Help: "Number of active worker goroutines per tenant",
		},
		[]string{"tenant"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Current RabbitMQ outbound queue depth per tenant",
		},
		[]string{"tenant"},
	)
)

var allStatuses = []string{"DISCONNECTED", "INITIALIZING", "WAITING_FOR_SCAN", "CONNECTED", "FAILED"}

var initOnce sync.Once

// Init registers metrics with Prometheus
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(SessionStatus)
		prometheus.MustRegister(SessionTransitions)
		prometheus.MustRegister(StaleEvents)
		prometheus.MustRegister(StoreWriteFailures)
		prometheus.MustRegister(ReconnectsScheduled)
		prometheus.MustRegister(ReconnectAttempts)
		prometheus.MustRegister(MessagesSent)
		prometheus.MustRegister(WorkerProcessed)
		prometheus.MustRegister(WorkerActive)
		prometheus.MustRegister(QueueDepth)
	})
}

// SetSessionStatus flips the per-tenant status gauge to status.
func SetSessionStatus(tenant, status string) {
	for _, s := range allStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		SessionStatus.WithLabelValues(tenant, s).Set(v)
	}
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
