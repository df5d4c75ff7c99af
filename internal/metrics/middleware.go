package metrics

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// unmatchedRoute labels requests no route handled, so scanners probing random
// paths cannot inflate label cardinality
const unmatchedRoute = "unmatched"

// PrometheusMiddleware records request count, latency and response size per
// route template. The scrape endpoint itself is not recorded.
func PrometheusMiddleware() gin.HandlerFunc {
	m := Get()

	return func(c *gin.Context) {
		if c.Request.URL.Path == metricsPath {
			c.Next()
			return
		}

		m.HTTPRequestsInFlight.Inc()
		start := time.Now()
		c.Next()
		m.HTTPRequestsInFlight.Dec()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		// Size is -1 when nothing was written
		size := c.Writer.Size()
		if size < 0 {
			size = 0
		}
		m.RecordHTTPRequest(route, c.Request.Method, c.Writer.Status(), time.Since(start), size)
	}
}

const metricsPath = "/metrics"

// PrometheusHandler serves the default registry
func PrometheusHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
