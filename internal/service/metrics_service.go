package service

import (
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/sma-dismissal-api/internal/models"
	"github.com/noah-isme/sma-dismissal-api/internal/realtime"
)

// MetricsService encapsulates Prometheus instrumentation for the HTTP surface,
// the queue engine, the realtime hub and the scheduler.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	batchSize       prometheus.Histogram
	subscribers     *prometheus.GaugeVec
	eventsDelivered *prometheus.CounterVec
	evictions       *prometheus.CounterVec
	storeRetries    prometheus.Counter
	sessionStarts   *prometheus.CounterVec
}

// NewMetricsService registers the collectors on a private registry.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dismissal_transitions_total",
		Help: "Queue and session operations by outcome code",
	}, []string{"op", "outcome"})

	batchSize := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dismissal_call_batch_size",
		Help:    "Number of entries called per batch",
		Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34, 55},
	})

	subscribers := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "realtime_subscribers",
		Help: "Live fan-out subscribers by audience class",
	}, []string{"audience"})

	eventsDelivered := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_events_delivered_total",
		Help: "Events handed to subscriber queues",
	}, []string{"type"})

	evictions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_evictions_total",
		Help: "Subscribers disconnected for falling behind",
	}, []string{"audience"})

	storeRetries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "store_retries_total",
		Help: "Transparent retries of transient store failures",
	})

	sessionStarts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_session_starts_total",
		Help: "Sessions opened or started by the scheduler",
	}, []string{"action", "outcome"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, transitions, batchSize, subscribers,
		eventsDelivered, evictions, storeRetries, sessionStarts, goroutines)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		transitions:     transitions,
		batchSize:       batchSize,
		subscribers:     subscribers,
		eventsDelivered: eventsDelivered,
		evictions:       evictions,
		storeRetries:    storeRetries,
		sessionStarts:   sessionStarts,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry returns the collector registry.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordTransition counts an engine operation; outcome is "ok" or an error code.
func (m *MetricsService) RecordTransition(op, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(op, outcome).Inc()
}

// ObserveBatch records the size of a called batch.
func (m *MetricsService) ObserveBatch(size int) {
	if m == nil {
		return
	}
	m.batchSize.Observe(float64(size))
}

// RecordStoreRetry matches database.RetryPolicy.OnRetry.
func (m *MetricsService) RecordStoreRetry(int, error) {
	if m == nil {
		return
	}
	m.storeRetries.Inc()
}

// RecordSchedulerAction counts scheduler opens and starts.
func (m *MetricsService) RecordSchedulerAction(action, outcome string) {
	if m == nil {
		return
	}
	m.sessionStarts.WithLabelValues(action, outcome).Inc()
}

// SubscriberAdded implements realtime.Observer.
func (m *MetricsService) SubscriberAdded(audience realtime.Audience) {
	if m == nil {
		return
	}
	m.subscribers.WithLabelValues(audienceClass(audience)).Inc()
}

// SubscriberRemoved implements realtime.Observer.
func (m *MetricsService) SubscriberRemoved(audience realtime.Audience) {
	if m == nil {
		return
	}
	m.subscribers.WithLabelValues(audienceClass(audience)).Dec()
}

// SubscriberEvicted implements realtime.Observer.
func (m *MetricsService) SubscriberEvicted(audience realtime.Audience) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(audienceClass(audience)).Inc()
}

// EventDelivered implements realtime.Observer.
func (m *MetricsService) EventDelivered(eventType models.EventType) {
	if m == nil {
		return
	}
	m.eventsDelivered.WithLabelValues(string(eventType)).Inc()
}

// audienceClass folds per-guardian channels into one label value.
func audienceClass(audience realtime.Audience) string {
	if strings.HasPrefix(string(audience), "parent:") {
		return "parent"
	}
	return string(audience)
}
