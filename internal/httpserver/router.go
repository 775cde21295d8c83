package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mailpipeline/internal/handler"
	"mailpipeline/pkg/otel"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Router struct {
	Engine *gin.Engine
}

func NewRouter(
	jobHandler *handler.JobHandler,
	batchHandler *handler.BatchHandler,
	threadHandler *handler.ThreadHandler,
	jwtSecret string,
	db Pinger,
) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), otel.GinMiddleware())

	// Health endpoints (放在最前面)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 1*time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_not_ready", "error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Protected
	auth := r.Group("/")
	auth.Use(AuthMiddleware(jwtSecret))
	{
		auth.POST("/jobs", jobHandler.Enqueue)
		auth.GET("/jobs/:id", jobHandler.Get)
		auth.POST("/jobs/:id/requeue", jobHandler.Requeue)
		auth.GET("/queues/:type/depth", jobHandler.Depth)

		auth.POST("/batches", batchHandler.Create)
		auth.GET("/batches/:id", batchHandler.Get)

		auth.POST("/threads/:id/read", threadHandler.MarkRead)
	}

	return &Router{Engine: r}
}
