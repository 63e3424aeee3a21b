// Package metrics exposes Prometheus collectors for worker presence.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	workersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sallar",
			Name:      "workers_active",
			Help:      "Number of confirmed workers with an open session.",
		},
	)
	authorityCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sallar",
			Name:      "authority_calls_total",
			Help:      "Authority confirm/reject calls by outcome.",
		},
		[]string{"op", "result"},
	)
	authorityDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sallar",
			Name:      "authority_call_duration_seconds",
			Help:      "Authority call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)
	workerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sallar",
			Name:      "worker_events_total",
			Help:      "Inbound worker events dispatched to handlers.",
		},
		[]string{"event"},
	)
	callbackErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sallar",
			Name:      "callback_errors_total",
			Help:      "Errors routed to the error handler, by kind.",
		},
		[]string{"kind"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sallar",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"path", "method", "status"},
	)
)

// Register registers every collector with the default registry. It is idempotent.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(workersActive, authorityCalls, authorityDuration, workerEvents, callbackErrors, httpRequests)
	})
}

// SetWorkersActive records the current size of the registry.
func SetWorkersActive(n int) {
	Register()
	workersActive.Set(float64(n))
}

// RecordAuthorityCall records one confirm or reject call.
func RecordAuthorityCall(op string, err error, d time.Duration) {
	Register()
	result := "ok"
	if err != nil {
		result = "error"
	}
	authorityCalls.WithLabelValues(op, result).Inc()
	authorityDuration.WithLabelValues(op).Observe(d.Seconds())
}

// RecordWorkerEvent counts an inbound event delivered to a handler.
func RecordWorkerEvent(event string) {
	Register()
	workerEvents.WithLabelValues(event).Inc()
}

// RecordCallbackError counts an error reported through the error handler.
func RecordCallbackError(kind string) {
	Register()
	callbackErrors.WithLabelValues(kind).Inc()
}

// RecordHTTPRequest counts one HTTP request.
func RecordHTTPRequest(path, method string, status int) {
	Register()
	httpRequests.WithLabelValues(path, method, strconv.Itoa(status)).Inc()
}
