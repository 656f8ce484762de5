package web

import (
	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/bridgesync/internal/config"
)

// SetupRoutes configures all application routes.
func SetupRoutes(r *gin.Engine, h *Handlers, limits config.RateLimitConfig) {
	if limits.RPS <= 0 || limits.Burst <= 0 {
		limits = config.RateLimitConfig{RPS: 30, Burst: 60}
	}

	// Health endpoints (no rate limit)
	r.GET("/health", h.HealthCheck)
	r.GET("/healthz", h.Liveness)
	r.GET("/metrics", h.Metrics)

	// Webhooks from the bridges; bursts follow remote change batches
	webhooks := r.Group("/webhooks")
	webhooks.Use(RateLimiter(limits.RPS, limits.Burst))
	webhooks.Use(LimitBody(maxBodyBytes))
	{
		webhooks.POST("/:bridge", RequireJSONContentType(), h.IngestWebhook)
		// Graph sends the validation handshake without a JSON body
		webhooks.POST("/:bridge/graph", h.GraphWebhook)
	}

	api := r.Group("/api")
	api.Use(RateLimiter(limits.RPS, limits.Burst))
	api.Use(LimitBody(maxBodyBytes))
	api.Use(RequireJSONContentType())
	{
		api.GET("/resource-mappings", h.APIListResourceMappings)
		api.POST("/resource-mappings", h.APICreateResourceMapping)
		api.GET("/resource-mappings/:id", h.APIGetResourceMapping)
		api.PUT("/resource-mappings/:id", h.APIUpdateResourceMapping)
		api.DELETE("/resource-mappings/:id", h.APIDeleteResourceMapping)
		api.GET("/stats", h.APIStats)
		api.GET("/sync-logs", h.APISyncLogs)
		api.GET("/queue/failed", h.APIFailedQueueItems)
		api.GET("/activity", h.APIActivity)
		api.GET("/subscriptions", h.APISubscriptions)
	}

	// Operations that call the bridges get a stricter limit
	expensive := r.Group("/api")
	expensive.Use(RateLimiter(2, 5)) // 2 requests/sec, burst of 5
	expensive.Use(LimitBody(maxBodyBytes))
	expensive.Use(RequireJSONContentType())
	{
		expensive.GET("/bridges", h.APIBridges)
		expensive.POST("/sync", h.APITriggerSync)
		expensive.POST("/reconcile/:job", h.APIRunReconcile)
		expensive.POST("/queue/retry", h.APIRetryQueue)
	}
}
