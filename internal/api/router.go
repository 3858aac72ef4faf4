package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"insight-analysis-pipeline/internal/pkg/logger"
)

// Deps are the services the HTTP layer exposes. The router owns no business
// logic; every handler delegates to exactly one service call.
type Deps struct {
	Entries      *EntryHandler
	Jobs         *JobHandler
	Feedback     *FeedbackHandler
	Relations    *RelationHandler
	Orchestrator HealthReporter
	Logger       *logger.Logger
}

func NewRouter(environment string, deps Deps) *gin.Engine {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(deps.Logger))

	router.GET("/health", deps.Jobs.Health(deps.Orchestrator))
	router.GET("/stats", deps.Jobs.Stats(deps.Orchestrator))

	apiGroup := router.Group("/api")
	{
		entries := apiGroup.Group("/entries")
		{
			entries.PUT("/:id/content", deps.Entries.SaveContent)
			entries.GET("/:id/analysis", deps.Entries.GetAnalysis)
			entries.POST("/:id/analyze", deps.Entries.Analyze)
			entries.POST("/:id/improve", deps.Feedback.Improve)
			entries.POST("/:id/feedback", deps.Feedback.Submit)
			entries.GET("/:id/relations", deps.Relations.List)
			entries.GET("/:id/graph", deps.Relations.Graph)
		}

		jobs := apiGroup.Group("/jobs")
		{
			jobs.GET("/:queue/:id", deps.Jobs.Get)
			jobs.POST("/:queue/:id/retry", deps.Jobs.Retry)
			jobs.DELETE("/:queue/:id", deps.Jobs.Cancel)
		}

		apiGroup.GET("/feedback/stats", deps.Feedback.Stats)
	}

	return router
}

func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP())
	}
}
