package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PaymentMetrics records the outcome and latency of payment operations,
// segmented by operation name.
type PaymentMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	volume   *prometheus.CounterVec
}

var (
	paymentMetricsOnce sync.Once
	paymentRegistry    *PaymentMetrics
)

// Payments returns the lazily-initialised payment metrics registry.
func Payments() *PaymentMetrics {
	paymentMetricsOnce.Do(func() {
		paymentRegistry = &PaymentMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "custodia",
				Subsystem: "payments",
				Name:      "requests_total",
				Help:      "Total payment operation requests segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "custodia",
				Subsystem: "payments",
				Name:      "errors_total",
				Help:      "Total payment operation errors segmented by operation and HTTP status.",
			}, []string{"operation", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "custodia",
				Subsystem: "payments",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for payment operation handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			volume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "custodia",
				Subsystem: "payments",
				Name:      "settled_amount_total",
				Help:      "Cumulative settled amounts segmented by operation and token.",
			}, []string{"operation", "token"}),
		}
		prometheus.MustRegister(
			paymentRegistry.requests,
			paymentRegistry.errors,
			paymentRegistry.latency,
			paymentRegistry.volume,
		)
	})
	return paymentRegistry
}

// Observe records one handled request. The status code should be the HTTP
// status that was ultimately written to the response.
func (m *PaymentMetrics) Observe(operation string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	outcome := "ok"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(operation, strconv.Itoa(status)).Inc()
	}
	m.requests.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// AddVolume accumulates a settled amount for an operation and token. Amounts
// are recorded in base units; negative deltas are ignored.
func (m *PaymentMetrics) AddVolume(operation, token string, amount float64) {
	if m == nil || amount < 0 {
		return
	}
	m.volume.WithLabelValues(operation, token).Add(amount)
}
