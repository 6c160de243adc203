// Package metrics holds the Prometheus collectors for the upload and summary pipeline.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapsummary_uploads_total",
			Help: "Upload submissions by outcome.",
		},
		[]string{"outcome"},
	)

	SummariesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapsummary_summaries_total",
			Help: "Summarization requests by outcome.",
		},
		[]string{"outcome"},
	)

	// OrphanedBlobsTotal counts blobs left behind after a failed compensating delete.
	OrphanedBlobsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snapsummary_orphaned_blobs_total",
			Help: "Blobs whose metadata insert and compensating delete both failed.",
		},
	)

	RemoteCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snapsummary_remote_call_duration_seconds",
			Help:    "Latency of calls to blob store, metadata store and inference endpoint.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"call", "outcome"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapsummary_http_requests_total",
			Help: "HTTP requests by route and status.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snapsummary_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// ObserveCall records the duration of one remote call since start.
func ObserveCall(call string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	RemoteCallDuration.WithLabelValues(call, outcome).Observe(time.Since(start).Seconds())
}

// GinMiddleware labels requests by the matched route template, not the raw path.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
