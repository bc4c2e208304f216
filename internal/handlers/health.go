// Package handlers holds the plain gin.HandlerFunc factories mounted
// directly on the engine in bootstrap, as distinct from the grouped
// REST routes under pcapi and the single /ws upgrade handled by ws.Hub.
package handlers

import (
	"net/http"
	"time"

	"meterengine/internal/bootstrap"

	"github.com/gin-gonic/gin"
)

var startedAt = time.Now()

// HealthHandler reports process liveness and the case store's
// readiness, mirroring the original /health endpoint's shape.
func HealthHandler(deps *bootstrap.AppDependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := deps.Store.Status()
		c.JSON(http.StatusOK, gin.H{
			"status":        "ok",
			"ready":         status.Ready,
			"uptimeSeconds": time.Since(startedAt).Seconds(),
		})
	}
}
