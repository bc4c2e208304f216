// Package httpapi assembles the gin engine: the WebSocket upgrade, the
// health/stats probes, and the PC profile REST routes. Grounded on a
// prior gin-mux constructor, renamed off "router" since that name now
// belongs to the IPC dispatch table in internal/router.
package httpapi

import (
	"meterengine/internal/bootstrap"
	"meterengine/internal/handlers"
	"meterengine/internal/middleware"

	"github.com/gin-gonic/gin"
)

// NewEngine builds the gin engine with all routes registered. main.go
// wraps the returned engine in the rate limiter middleware before
// handing it to http.Server.
func NewEngine(deps *bootstrap.AppDependencies) *gin.Engine {
	engine := gin.New()
	engine.Use(middleware.Logger())
	engine.Use(middleware.RequestID())
	engine.Use(gin.Recovery())

	engine.GET("/ws", func(c *gin.Context) {
		deps.Hub.ServeHTTP(c.Writer, c.Request)
	})
	engine.GET("/health", handlers.HealthHandler(deps))
	engine.GET("/stats", handlers.StatsHandler(deps))

	deps.PCHandler.RegisterRoutes(engine)

	return engine
}
