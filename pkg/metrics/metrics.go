package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	AdmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_admissions_total",
			Help: "Total number of admission requests by channel and outcome (count)",
		},
		[]string{"channel", "outcome"},
	)

	AdmissionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_admission_duration_ms",
			Help:    "Admission latency in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		},
		[]string{"channel"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_deliveries_total",
			Help: "Total number of processed envelopes by channel and outcome (count)",
		},
		[]string{"channel", "outcome"},
	)

	DeliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_delivery_duration_ms",
			Help:    "Provider attempt duration in milliseconds",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"channel", "outcome"},
	)

	RetryScheduledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_retry_scheduled_total",
			Help: "Total number of retries scheduled by channel and retry number (count)",
		},
		[]string{"channel", "retry"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_inline_retry_attempts_total",
			Help: "Total number of in-process retry attempts by operation (count)",
		},
		[]string{"service", "operation"},
	)

	DLQMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_dlq_messages_total",
			Help: "Total number of envelopes deposited in the dead letter sink (count)",
		},
		[]string{"channel", "kind"},
	)

	InFlightDeliveries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "herald_in_flight_deliveries",
			Help: "Number of envelopes currently being processed (count)",
		},
		[]string{"channel"},
	)

	PrefetchBufferSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "herald_prefetch_buffer_size",
			Help: "Number of envelopes received but not yet started (count)",
		},
		[]string{"channel"},
	)

	ScheduledRedeliveries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "herald_scheduled_redeliveries",
			Help: "Number of envelopes waiting in the delayed redelivery set (count)",
		},
		[]string{"queue"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	CircuitBreakerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_rejections_total",
			Help: "Total number of calls skipped because the breaker was open (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"status"},
	)

	BrokerMessagesReadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_messages_read_total",
			Help: "Total number of messages read from the broker (count)",
		},
		[]string{"broker", "queue"},
	)

	BrokerMessagesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_messages_written_total",
			Help: "Total number of messages written to the broker (count)",
		},
		[]string{"broker", "queue"},
	)

	BrokerMessagesQuarantinedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_messages_quarantined_total",
			Help: "Total number of undecodable messages moved to the failed queue (count)",
		},
		[]string{"queue"},
	)

	BrokerMessageSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broker_message_size_bytes",
			Help:    "Size of broker messages in bytes",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000, 500000},
		},
		[]string{"broker", "queue", "direction"},
	)

	BrokerWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broker_write_duration_ms",
			Help:    "Duration of writing messages to the broker in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"broker", "queue"},
	)

	DatabaseQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "database_queries_total",
			Help: "Total number of database queries (count)",
		},
		[]string{"database", "operation", "status"},
	)
)

var (
	gatewayOnce sync.Once
	workerOnce  sync.Once
	sharedOnce  sync.Once
)

func registerShared() {
	sharedOnce.Do(func() {
		prometheus.MustRegister(CircuitBreakerState)
		prometheus.MustRegister(CircuitBreakerRequests)
		prometheus.MustRegister(CircuitBreakerFailures)
		prometheus.MustRegister(CircuitBreakerRejections)
		prometheus.MustRegister(RetryAttemptsTotal)
		prometheus.MustRegister(BrokerMessagesWrittenTotal)
		prometheus.MustRegister(BrokerMessageSizeBytes)
		prometheus.MustRegister(BrokerWriteDuration)
		prometheus.MustRegister(DatabaseQueriesTotal)
	})
}

func RegisterGatewayMetrics() {
	registerShared()
	gatewayOnce.Do(func() {
		prometheus.MustRegister(AdmissionsTotal)
		prometheus.MustRegister(AdmissionDuration)
		prometheus.MustRegister(RateLimitRequestsTotal)
	})
}

func RegisterWorkerMetrics() {
	registerShared()
	workerOnce.Do(func() {
		prometheus.MustRegister(DeliveriesTotal)
		prometheus.MustRegister(DeliveryDuration)
		prometheus.MustRegister(RetryScheduledTotal)
		prometheus.MustRegister(DLQMessagesTotal)
		prometheus.MustRegister(InFlightDeliveries)
		prometheus.MustRegister(PrefetchBufferSize)
		prometheus.MustRegister(ScheduledRedeliveries)
		prometheus.MustRegister(BrokerMessagesReadTotal)
		prometheus.MustRegister(BrokerMessagesQuarantinedTotal)
	})
}

func ObserveAdmission(channel, outcome string, duration time.Duration) {
	AdmissionsTotal.WithLabelValues(channel, outcome).Inc()
	AdmissionDuration.WithLabelValues(channel).Observe(float64(duration.Milliseconds()))
}

func ObserveDelivery(channel, outcome string, duration time.Duration) {
	DeliveriesTotal.WithLabelValues(channel, outcome).Inc()
	DeliveryDuration.WithLabelValues(channel, outcome).Observe(float64(duration.Milliseconds()))
}

func IncBrokerMessagesRead(broker, queue string) {
	BrokerMessagesReadTotal.WithLabelValues(broker, queue).Inc()
}

func IncBrokerMessagesQuarantined(queue string) {
	BrokerMessagesQuarantinedTotal.WithLabelValues(queue).Inc()
}

func IncBrokerMessagesWritten(broker, queue string) {
	BrokerMessagesWrittenTotal.WithLabelValues(broker, queue).Inc()
}

func ObserveBrokerMessageSize(broker, queue, direction string, sizeBytes int) {
	BrokerMessageSizeBytes.WithLabelValues(broker, queue, direction).Observe(float64(sizeBytes))
}

func ObserveBrokerWriteDuration(broker, queue string, duration time.Duration) {
	BrokerWriteDuration.WithLabelValues(broker, queue).Observe(float64(duration.Milliseconds()))
}

func IncDatabaseQuery(database, operation, status string) {
	DatabaseQueriesTotal.WithLabelValues(database, operation, status).Inc()
}
