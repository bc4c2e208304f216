package handlers

import (
	"net/http"

	"meterengine/internal/bootstrap"

	"github.com/gin-gonic/gin"
)

// StatsHandler reports case store counts, the rate limiter's tracked-IP
// count, and the transport hub's connected-client count, mirroring the
// original /stats endpoint's shape.
func StatsHandler(deps *bootstrap.AppDependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := deps.Store.Status()

		stats := gin.H{
			"pcCount":          status.PCCount,
			"sessionCount":     status.SessionCount,
			"activeSessionId":  deps.Router.ActiveSessionID(),
			"connectedClients": deps.Hub.ClientCount(),
		}
		if deps.RateLimiter != nil {
			stats["rateLimiter"] = deps.RateLimiter.GetStats()
		}

		c.JSON(http.StatusOK, stats)
	}
}
