package router

import (
	"github.com/gin-gonic/gin"

	"taskledger/app/handler"
	"taskledger/app/middleware"
	"taskledger/pkg/metrics"
)

// Router wires the HTTP surface: task submission and status, health probes,
// and the metrics endpoint.
type Router struct {
	taskHandler   *handler.TaskHandler
	healthHandler *handler.HealthHandler
	metrics       *metrics.Metrics
}

// NewRouter creates a new Router
func NewRouter(taskHandler *handler.TaskHandler, healthHandler *handler.HealthHandler, m *metrics.Metrics) *Router {
	return &Router{
		taskHandler:   taskHandler,
		healthHandler: healthHandler,
		metrics:       m,
	}
}

// Setup sets up routes
func (r *Router) Setup(engine *gin.Engine) {
	engine.Use(middleware.Recovery())
	engine.Use(middleware.Logger())

	v1 := engine.Group("/v1")
	{
		v1.POST("/tasks", r.taskHandler.Submit)
		v1.GET("/tasks/:task_id", r.taskHandler.Status)
		v1.POST("/tasks/:task_id/cancel", r.taskHandler.Cancel)
	}

	engine.GET("/health", r.healthHandler.Live)
	engine.GET("/ready", r.healthHandler.Ready)
	if r.metrics != nil {
		engine.GET("/metrics", gin.WrapH(r.metrics.Handler()))
	}
}
