package api

import (
	"transcribeengine/pkg/logger"
	"transcribeengine/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// SetupRoutes builds the gin.Engine for spec §4.E's HTTP Surface.
func SetupRoutes(h *Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	logger.SetGinOutput()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logger.GinLogger())
	router.Use(middleware.CompressionMiddleware())

	router.GET("/health", h.HealthCheck)

	v1 := router.Group("/api/v1")
	{
		transcriptions := v1.Group("/transcriptions")
		{
			transcriptions.POST("", h.SubmitTranscription)
			transcriptions.GET("/:id", h.GetTranscription)
			transcriptions.GET("/:id/summary", h.GetSummary)
			transcriptions.DELETE("/:id", h.DeleteTranscription)
		}

		files := v1.Group("/files")
		{
			files.GET("/:id/transcription.txt", h.DownloadTranscription)
			files.GET("/:id/summary.txt", h.DownloadSummary)
			files.GET("/:id/export", h.ExportArtifacts)
		}
	}

	return router
}
