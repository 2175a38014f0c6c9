// Package metrics provides Prometheus instrumentation for the escrow service.
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
			Namespace: "launchbay",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "launchbay",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EscrowTransitionsTotal counts escrow state transitions by target status
	// and trigger (api, webhook, timer, dispute_resolution).
	EscrowTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "launchbay",
			Name:      "escrow_transitions_total",
			Help:      "Total escrow state transitions by target status and trigger.",
		},
		[]string{"status", "trigger"},
	)

	// EscrowFailuresTotal counts failed escrow operations by error kind.
	EscrowFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "launchbay",
			Name:      "escrow_failures_total",
			Help:      "Total failed escrow operations by error kind.",
		},
		[]string{"kind"},
	)

	// EscrowHeldAmount tracks the total amount currently held, in minor units.
	EscrowHeldAmount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "launchbay",
			Name:      "escrow_held_amount_minor",
			Help:      "Total amount currently held in escrow, in minor currency units.",
		},
	)

	// EscrowSettleDuration observes time from creation to terminal settlement.
	EscrowSettleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "launchbay",
		Name:      "escrow_settle_duration_seconds",
		Help:      "Time from escrow creation to release or refund in seconds.",
		Buckets:   []float64{3600, 21600, 86400, 259200, 604800, 1209600, 2592000, 5184000},
	})

	// DisputesOpenedTotal counts disputes filed by role.
	DisputesOpenedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "launchbay",
			Name:      "disputes_opened_total",
			Help:      "Total disputes filed by filer role.",
		},
		[]string{"role"},
	)

	// DisputesResolvedTotal counts dispute resolutions by outcome.
	DisputesResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "launchbay",
			Name:      "disputes_resolved_total",
			Help:      "Total disputes resolved by outcome.",
		},
		[]string{"resolution"},
	)

	// WebhookEventsTotal counts inbound processor webhook events by type and result.
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "launchbay",
			Name:      "webhook_events_total",
			Help:      "Total inbound payment processor events by type and result.",
		},
		[]string{"type", "result"},
	)

	// GatewayCallsTotal counts outbound gateway calls by operation and result.
	GatewayCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "launchbay",
			Name:      "gateway_calls_total",
			Help:      "Total payment gateway calls by operation and result.",
		},
		[]string{"op", "result"},
	)

	// NotificationsTotal counts outbound notifications by result.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "launchbay",
			Name:      "notifications_total",
			Help:      "Total outbound notifications by result.",
		},
		[]string{"result"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "launchbay", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "launchbay", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "launchbay", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "launchbay", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EscrowTransitionsTotal,
		EscrowFailuresTotal,
		EscrowHeldAmount,
		EscrowSettleDuration,
		DisputesOpenedTotal,
		DisputesResolvedTotal,
		WebhookEventsTotal,
		GatewayCallsTotal,
		NotificationsTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
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
