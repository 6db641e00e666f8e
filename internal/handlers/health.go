package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthCheck probes one dependency of the authority.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Health reports ok when every check passes and 503 otherwise.
func Health(checks ...HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		healthy := true
		results := make(map[string]string, len(checks))
		for _, check := range checks {
			if check.Check == nil {
				continue
			}
			if err := check.Check(ctx); err != nil {
				healthy = false
				results[check.Name] = err.Error()
				continue
			}
			results[check.Name] = "ok"
		}

		status := http.StatusOK
		state := "ok"
		if !healthy {
			status = http.StatusServiceUnavailable
			state = "degraded"
		}
		c.JSON(status, gin.H{
			"success":    healthy,
			"status":     state,
			"checks":     results,
			"checked_at": time.Now().UTC(),
		})
	}
}
