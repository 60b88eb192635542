package router

import (
	"github.com/gin-gonic/gin"

	"github.com/vqtran/scanpipe/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	scanHandler := handler.NewScanHandler(deps)

	// Health check endpoint
	r.GET("/health", scanHandler.Health)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		scans := v1.Group("/scans")
		{
			// POST /api/v1/scans - Upload a file and queue it for scanning
			scans.POST("", scanHandler.SubmitScan)

			// GET /api/v1/scans/:job_id - Job status and progress stage
			scans.GET("/:job_id", scanHandler.GetScan)

			// GET /api/v1/scans/:job_id/result - Scan result once completed
			scans.GET("/:job_id/result", scanHandler.GetScanResult)

			// POST /api/v1/scans/:job_id/cancel - Cancel a scan job
			scans.POST("/:job_id/cancel", scanHandler.CancelScan)
		}

		reports := v1.Group("/reports")
		{
			// GET /api/v1/reports/infected - Paginated infected scans
			reports.GET("/infected", scanHandler.ListInfected)
		}

		queue := v1.Group("/queue")
		{
			// GET /api/v1/queue/stats - Delivery state counters
			queue.GET("/stats", scanHandler.QueueStats)

			// POST /api/v1/queue/pause - Stop delivery without losing entries
			queue.POST("/pause", scanHandler.PauseQueue)

			// POST /api/v1/queue/resume - Re-enable delivery
			queue.POST("/resume", scanHandler.ResumeQueue)
		}
	}

	return r
}
