package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventsync_http_requests_total",
			Help: "Total number of HTTP requests processed.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eventsync_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	wsActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventsync_ws_active_sessions",
			Help: "Number of live websocket sessions across all rooms.",
		},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventsync_ws_events_total",
			Help: "Websocket frames handled, by direction and type.",
		},
		[]string{"direction", "type"},
	)
	wsBackpressureDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventsync_ws_backpressure_drops_total",
			Help: "Sessions dropped because their outbound queue was full.",
		},
	)
	verifyOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventsync_verify_outcomes_total",
			Help: "Verification requests by final outcome code.",
		},
		[]string{"outcome"},
	)
	verifyCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventsync_verify_cache_hits_total",
			Help: "Verification requests answered from the result cache.",
		},
	)
	analyzerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eventsync_analyzer_call_duration_seconds",
			Help:    "Latency of calls to the image analyzer.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 45},
		},
		[]string{"result"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventsync_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
	archiveJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventsync_archive_jobs_total",
			Help: "Evidence archive jobs by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		wsActiveSessions,
		wsEventsTotal,
		wsBackpressureDrops,
		verifyOutcomesTotal,
		verifyCacheHits,
		analyzerDuration,
		amqpPublishErrorsTotal,
		archiveJobsTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func IncWSActive() { wsActiveSessions.Inc() }

func DecWSActive() { wsActiveSessions.Dec() }

func IncWSEvent(direction, typ string) {
	wsEventsTotal.WithLabelValues(direction, typ).Inc()
}

func IncBackpressureDrop() { wsBackpressureDrops.Inc() }

func IncVerifyOutcome(outcome string) {
	verifyOutcomesTotal.WithLabelValues(outcome).Inc()
}

func IncVerifyCacheHit() { verifyCacheHits.Inc() }

func ObserveAnalyzer(result string, d time.Duration) {
	analyzerDuration.WithLabelValues(result).Observe(d.Seconds())
}

func IncAMQPPublishError() { amqpPublishErrorsTotal.Inc() }

func IncArchiveJob(result string) {
	archiveJobsTotal.WithLabelValues(result).Inc()
}
