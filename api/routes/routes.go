package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/feichai0017/docflow/api/handlers"
	"github.com/feichai0017/docflow/api/middleware"
)

// SetupRoutes wires every endpoint of the intake service.
func SetupRoutes(r *gin.Engine, h *handlers.Handlers) {
	r.Use(middleware.CORS())

	r.GET("/health", h.Queue.Health)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/events", h.Events.HandleEvents)

		docs := v1.Group("/documents")
		{
			docs.POST("/upload", h.Document.Upload)
			docs.GET("/:documentId", h.Document.GetStatus)
			docs.GET("/:documentId/content", h.Document.DownloadContent)
		}

		v1.GET("/deadletters", h.Queue.DeadLetters)
	}
}
