package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hotelmq_events_published_total",
			Help: "Total number of domain events published (count)",
		},
		[]string{"event", "status"},
	)

	PublishDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hotelmq_publish_duration_ms",
			Help:    "Time from publish call to broker confirm in milliseconds",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"exchange"},
	)

	RemindersScheduledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hotelmq_reminders_scheduled_total",
			Help: "Total number of reminders scheduled (count)",
		},
		[]string{"strategy", "status"},
	)

	MessagesConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hotelmq_messages_consumed_total",
			Help: "Total number of deliveries processed by consumers (count)",
		},
		[]string{"queue", "outcome"},
	)

	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hotelmq_handler_duration_ms",
			Help:    "Message handler duration in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"queue"},
	)

	RPCCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hotelmq_rpc_calls_total",
			Help: "Total number of RPC calls issued (count)",
		},
		[]string{"target", "outcome"},
	)

	RPCCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hotelmq_rpc_call_duration_ms",
			Help:    "RPC round trip duration in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 3000},
		},
		[]string{"target"},
	)

	RPCRequestsServedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hotelmq_rpc_requests_served_total",
			Help: "Total number of RPC requests answered by servers (count)",
		},
		[]string{"action", "outcome"},
	)

	ConnectionState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hotelmq_connection_up",
			Help: "Broker connection state (1 connected, 0 disconnected)",
		},
	)

	ReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hotelmq_reconnects_total",
			Help: "Total number of broker connections established after the first (count)",
		},
	)

	DeadLettersArchivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hotelmq_dead_letters_archived_total",
			Help: "Total number of dead-lettered messages archived (count)",
		},
		[]string{"queue"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hotelmq_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

// Consumer outcomes.
const (
	OutcomeAcked        = "acked"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeDuplicate    = "duplicate"
	OutcomeRequeued     = "requeued"
)

// RPC outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeTimeout = "timeout"
	OutcomeError   = "error"
)

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

var registerOnce sync.Once

// Register adds every collector to reg exactly once per process.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			EventsPublishedTotal,
			PublishDuration,
			RemindersScheduledTotal,
			MessagesConsumedTotal,
			HandlerDuration,
			RPCCallsTotal,
			RPCCallDuration,
			RPCRequestsServedTotal,
			ConnectionState,
			ReconnectsTotal,
			DeadLettersArchivedTotal,
			CircuitBreakerState,
		)
	})
}

func Status(err error) string {
	if err != nil {
		return StatusFailure
	}
	return StatusSuccess
}
