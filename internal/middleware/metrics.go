package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/threadsync/pkg/metrics"
)

// unmatchedRoute labels requests that hit no route, keeping probe traffic
// from creating one series per path.
const unmatchedRoute = "unmatched"

// Metrics records request latency by method, route template and status.
// Websocket streams are excluded since their duration is the session length.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.IsWebsocket() {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		metrics.APILatency.
			WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}
