package router

import (
	"net/http"

	"github.com/cuongbtq/bulk-export/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		if deps.Health != nil {
			if err := deps.Health(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": "bulk-export-api",
					"error":   err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "bulk-export-api",
		})
	})

	exportHandler := handler.NewExportHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		exports := v1.Group("/exports")
		{
			// POST /api/v1/exports - Start a new export
			exports.POST("", exportHandler.CreateExport)

			// GET /api/v1/exports - List exports with pagination
			exports.GET("", exportHandler.ListExports)

			// GET /api/v1/exports/:group_id - Get export status and attempts
			exports.GET("/:group_id", exportHandler.GetExport)

			// POST /api/v1/exports/:group_id/cancel - Cancel an export
			exports.POST("/:group_id/cancel", exportHandler.CancelExport)
		}
	}

	return r
}
