// Package metrics provides Prometheus instrumentation for the escrow core.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deedflow",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "deedflow",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TransactionStateTransitions counts lifecycle transitions by target state.
	TransactionStateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deedflow",
			Name:      "transaction_state_transitions_total",
			Help:      "Transaction state transitions by from-state and to-state.",
		},
		[]string{"from", "to"},
	)

	// VerificationTasksTotal counts verification tasks by type and terminal status.
	VerificationTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deedflow",
			Name:      "verification_tasks_total",
			Help:      "Verification tasks reaching a terminal status, by type and status.",
		},
		[]string{"type", "status"},
	)

	// DeadlineBreachesTotal counts one-shot deadline escalations.
	DeadlineBreachesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "deedflow",
		Name:      "deadline_breaches_total",
		Help:      "Total verification task deadline breaches escalated.",
	})

	// MilestoneReleasesTotal counts milestone payment attempts by result.
	MilestoneReleasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deedflow",
			Name:      "milestone_releases_total",
			Help:      "Milestone payment release attempts by result.",
		},
		[]string{"result"},
	)

	// SettlementsTotal counts completed settlements.
	SettlementsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "deedflow",
		Name:      "settlements_total",
		Help:      "Total transactions settled.",
	})

	// DisputesTotal counts raised disputes.
	DisputesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "deedflow",
		Name:      "disputes_total",
		Help:      "Total disputes raised.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "deedflow", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "deedflow", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "deedflow", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TransactionStateTransitions,
		VerificationTasksTotal,
		DeadlineBreachesTotal,
		MilestoneReleasesTotal,
		SettlementsTotal,
		DisputesTotal,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// Middleware records request counts and latencies for gin routes.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method, path, strconv.Itoa(c.Writer.Status()),
		).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).
			Observe(time.Since(start).Seconds())
	}
}

// Handler returns the /metrics endpoint handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
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
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}
