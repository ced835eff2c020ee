package server

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// httpRequests counts handled requests.
	// Labels: route, status
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pixelboard",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route and status",
	}, []string{"route", "status"})

	rateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pixelboard",
		Subsystem: "http",
		Name:      "rate_limited_total",
		Help:      "Mutations rejected by the per-user rate limit",
	})
)

func requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequests.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}
