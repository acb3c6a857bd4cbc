// Package metrics provides Prometheus instrumentation for the commwatch service.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "commwatch",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "commwatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// QueueDepth tracks the number of events waiting in the pipeline queue.
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "commwatch",
		Name:      "pipeline_queue_depth",
		Help:      "Number of events currently waiting in the ingestion queue.",
	})

	// EventsProcessed counts events accepted and assessed by the pipeline.
	EventsProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "commwatch",
		Name:      "pipeline_events_processed_total",
		Help:      "Total events processed by the pipeline (duplicates excluded).",
	})

	// ProcessingFailures counts events that failed processing and were dropped.
	ProcessingFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "commwatch",
		Name:      "pipeline_processing_failures_total",
		Help:      "Total events dropped due to processing errors or panics.",
	})

	// ProcessingDuration observes full per-event pipeline latency.
	ProcessingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "commwatch",
		Name:      "pipeline_processing_duration_seconds",
		Help:      "Per-event processing duration in seconds, all stages included.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
	})

	// ClassifierCalls counts external classifier invocations.
	ClassifierCalls = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "commwatch",
		Name:      "classifier_calls_total",
		Help:      "Total external classifier invocations.",
	})

	// ClassifierFailures counts classifier calls that fell back to the
	// conservative analysis.
	ClassifierFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "commwatch",
		Name:      "classifier_failures_total",
		Help:      "Total classifier calls that failed and used the fallback analysis.",
	})

	// ClassifierDuration observes classifier call latency.
	ClassifierDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "commwatch",
		Name:      "classifier_duration_seconds",
		Help:      "External classifier call duration in seconds.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// AssessmentsTotal counts stored assessments by category.
	AssessmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "commwatch",
			Name:      "assessments_total",
			Help:      "Total assessments stored by category.",
		},
		[]string{"category"},
	)

	// AlertsTotal counts raised alerts by severity.
	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "commwatch",
			Name:      "alerts_total",
			Help:      "Total alerts raised by severity.",
		},
		[]string{"severity"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "commwatch",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "commwatch", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "commwatch", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "commwatch", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "commwatch", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "commwatch", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "commwatch", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		QueueDepth,
		EventsProcessed,
		ProcessingFailures,
		ProcessingDuration,
		ClassifierCalls,
		ClassifierFailures,
		ClassifierDuration,
		AssessmentsTotal,
		AlertsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
