package middleware

import (
	"strconv"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/gin-gonic/gin"

	"github.com/muandane/special-stack/imgwarm/internal/cache"
)

type MetricsMiddleware struct {
	set              *metrics.Set
	requestCounter   *metrics.Counter
	responseTimeHist *metrics.Histogram
	requestSizeHist  *metrics.Histogram
	responseSizeHist *metrics.Histogram
}

// NewMetricsMiddleware registers HTTP metrics and, when stats is non-nil,
// gauges for the image cache.
func NewMetricsMiddleware(stats func() cache.Stats) *MetricsMiddleware {
	set := metrics.NewSet()
	m := &MetricsMiddleware{
		set:              set,
		requestCounter:   set.NewCounter("http_requests_total"),
		responseTimeHist: set.NewHistogram("http_response_time_seconds"),
		requestSizeHist:  set.NewHistogram("http_request_size_bytes"),
		responseSizeHist: set.NewHistogram("http_response_size_bytes"),
	}

	if stats != nil {
		gauge := func(name string, value func(cache.Stats) float64) {
			set.NewGauge(name, func() float64 { return value(stats()) })
		}
		gauge("image_cache_entries", func(s cache.Stats) float64 { return float64(s.Count) })
		gauge("image_cache_capacity", func(s cache.Stats) float64 { return float64(s.Capacity) })
		gauge("image_cache_pending", func(s cache.Stats) float64 { return float64(s.Pending) })
		gauge("image_cache_hits_total", func(s cache.Stats) float64 { return float64(s.Hits) })
		gauge("image_cache_misses_total", func(s cache.Stats) float64 { return float64(s.Misses) })
		gauge("image_cache_fetches_total", func(s cache.Stats) float64 { return float64(s.Fetches) })
		gauge("image_cache_fetch_failures_total", func(s cache.Stats) float64 { return float64(s.FetchFailures) })
		gauge("image_cache_evictions_total", func(s cache.Stats) float64 { return float64(s.Evictions) })
		gauge("image_cache_expirations_total", func(s cache.Stats) float64 { return float64(s.Expirations) })
	}

	return m
}

// WithMetrics records request count, latency, sizes and status codes.
func (m *MetricsMiddleware) WithMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		if c.Request.ContentLength > 0 {
			m.requestSizeHist.Update(float64(c.Request.ContentLength))
		}
		m.requestCounter.Inc()

		c.Next()

		m.responseTimeHist.Update(time.Since(start).Seconds())
		m.set.GetOrCreateCounter(
			`http_response_status_total{code="` + strconv.Itoa(c.Writer.Status()) + `"}`,
		).Inc()
		if size := c.Writer.Size(); size > 0 {
			m.responseSizeHist.Update(float64(size))
		}
	}
}

// Handler serves the Prometheus exposition.
func (m *MetricsMiddleware) Handler(c *gin.Context) {
	c.Header("Content-Type", "text/plain; version=0.0.4")
	m.set.WritePrometheus(c.Writer)
}
