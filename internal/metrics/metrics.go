// Package metrics exposes Prometheus instrumentation for the API server
// and the scrape workers.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors the server records into.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	jobsFinished *prometheus.CounterVec
	postsScraped prometheus.Counter
	revenueUSD   prometheus.Counter
}

// New creates the collectors on a private registry so tests can build
// isolated instances.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_http_requests_total",
			Help: "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scraper_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_jobs_finished_total",
			Help: "Scrape jobs reaching a terminal status.",
		}, []string{"status"}),
		postsScraped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scraper_posts_scraped_total",
			Help: "Items successfully extracted and persisted.",
		}),
		revenueUSD: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scraper_overage_revenue_usd_total",
			Help: "Metered overage revenue in USD.",
		}),
	}

	reg.MustRegister(m.httpRequests, m.httpDuration, m.jobsFinished, m.postsScraped, m.revenueUSD)
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// Middleware records per-request counters and latency. Routes are
// labelled by their registered path so IDs do not explode cardinality.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// JobFinished counts a job reaching a terminal status.
func (m *Metrics) JobFinished(status string) {
	m.jobsFinished.WithLabelValues(status).Inc()
}

// PostsScraped counts persisted items.
func (m *Metrics) PostsScraped(n int) {
	if n > 0 {
		m.postsScraped.Add(float64(n))
	}
}

// RevenueRecorded counts metered overage revenue.
func (m *Metrics) RevenueRecorded(usd float64) {
	if usd > 0 {
		m.revenueUSD.Add(usd)
	}
}
