package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Routing metrics
	MessagesRouted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetbridge_messages_routed_total",
			Help: "Total number of messages delivered point-to-point",
		},
	)

	MessagesBroadcast = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetbridge_messages_broadcast_total",
			Help: "Total number of broadcast fan-outs admitted",
		},
	)

	MessagesDuplicate = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetbridge_messages_duplicate_total",
			Help: "Total number of messages dropped by the seen cache",
		},
	)

	MessagesCircuitOpen = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetbridge_messages_circuit_open_total",
			Help: "Total number of messages rejected by an open circuit breaker",
		},
	)

	MessagesRateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetbridge_messages_rate_limited_total",
			Help: "Total number of frames rejected by the per-connection rate limiter",
		},
	)

	MessagesShed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetbridge_messages_shed_total",
			Help: "Total number of frames dropped under memory pressure",
		},
	)

	MessageErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetbridge_message_errors_total",
			Help: "Total number of rejected frames by reason",
		},
		[]string{"reason"},
	)

	RoutingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetbridge_routing_duration_seconds",
			Help:    "Time from frame admission to delivery enqueue in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Connection metrics
	ConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetbridge_connections_active",
			Help: "Number of currently accepted connections",
		},
	)

	ConnectionsKicked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetbridge_connections_kicked_total",
			Help: "Total number of kicked connections by reason",
		},
		[]string{"reason"},
	)

	SendQueueDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetbridge_send_queue_drops_total",
			Help: "Total number of frames dropped because a send queue was full",
		},
	)

	// Dead letter queue metrics
	DLQDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetbridge_dlq_depth",
			Help: "Current number of letters in the dead letter queue",
		},
	)

	DLQDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetbridge_dlq_dropped_total",
			Help: "Total number of letters discarded on DLQ overflow",
		},
	)

	DLQPermanentFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetbridge_dlq_permanent_failures_total",
			Help: "Total number of letters that exhausted their retry budget",
		},
	)

	// Circuit breaker metrics
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetbridge_breaker_state",
			Help: "Circuit breaker state per target (0 closed, 1 half-open, 2 open)",
		},
		[]string{"target"},
	)

	// Supervision metrics
	DoctorsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetbridge_doctors_active",
			Help: "Number of live Supervisor child processes",
		},
	)

	DoctorsSpawned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetbridge_doctors_spawned_total",
			Help: "Total number of Supervisor children spawned",
		},
	)

	ChildrenExited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetbridge_children_exited_total",
			Help: "Total number of supervised child exits by kind",
		},
		[]string{"kind"},
	)

	// Worker face metrics
	PlansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetbridge_plans_total",
			Help: "Total number of plans by outcome",
		},
		[]string{"outcome"},
	)

	StepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetbridge_steps_total",
			Help: "Total number of executed steps by result",
		},
		[]string{"result"},
	)

	StepRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetbridge_step_retries_total",
			Help: "Total number of step retry attempts",
		},
	)

	LightningStrikes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetbridge_lightning_strikes_total",
			Help: "Total number of escalations into assisted mode",
		},
	)

	// Report store metrics
	ReportsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetbridge_reports_total",
			Help: "Total number of reports appended to the store",
		},
	)

	ScreenshotsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetbridge_screenshots_total",
			Help: "Total number of screenshot files written",
		},
	)

	// Process metrics
	MemoryPressureLevel = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetbridge_memory_pressure_level",
			Help: "Memory pressure level (0 normal, 1 warning, 2 critical)",
		},
	)

	HandlerPanics = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetbridge_handler_panics_total",
			Help: "Total number of recovered panics in message handling",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(MessagesRouted)
	prometheus.MustRegister(MessagesBroadcast)
	prometheus.MustRegister(MessagesDuplicate)
	prometheus.MustRegister(MessagesCircuitOpen)
	prometheus.MustRegister(MessagesRateLimited)
	prometheus.MustRegister(MessagesShed)
	prometheus.MustRegister(MessageErrors)
	prometheus.MustRegister(RoutingDuration)
	prometheus.MustRegister(ConnectionsActive)
	prometheus.MustRegister(ConnectionsKicked)
	prometheus.MustRegister(SendQueueDrops)
	prometheus.MustRegister(DLQDepth)
	prometheus.MustRegister(DLQDropped)
	prometheus.MustRegister(DLQPermanentFailures)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(DoctorsActive)
	prometheus.MustRegister(DoctorsSpawned)
	prometheus.MustRegister(ChildrenExited)
	prometheus.MustRegister(PlansTotal)
	prometheus.MustRegister(StepsTotal)
	prometheus.MustRegister(StepRetries)
	prometheus.MustRegister(LightningStrikes)
	prometheus.MustRegister(ReportsTotal)
	prometheus.MustRegister(ScreenshotsTotal)
	prometheus.MustRegister(MemoryPressureLevel)
	prometheus.MustRegister(HandlerPanics)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
