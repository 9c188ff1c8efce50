package handler

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/ragguard/internal/middleware"
)

type RouterDeps struct {
	Query  *QueryHandler
	Health *HealthHandler
	Admin  *AdminHandler
	// Usage, when set, counts every routed request.
	Usage     middleware.UsageObserver
	JWTSecret []byte
	// TokenWindow limits admin token requests per client ip.
	TokenWindow time.Duration
}

func RegisterRoutes(api *gin.RouterGroup, deps RouterDeps) {
	if deps.Usage != nil {
		api.Use(middleware.Usage(deps.Usage))
	}
	api.POST("/query", deps.Query.Query)
	api.POST("/validate", deps.Query.Validate)
	api.GET("/health", deps.Health.Health)

	api.POST("/admin/token", middleware.RateLimit(deps.TokenWindow), deps.Admin.Token)

	admin := api.Group("/admin")
	admin.Use(middleware.AdminAuth(deps.JWTSecret))
	admin.GET("/incidents", deps.Admin.ListIncidents)
	admin.GET("/incidents/stats", deps.Admin.IncidentStats)
	admin.GET("/incidents/verify", deps.Admin.VerifyIncidents)
	admin.GET("/incidents/timeline", deps.Admin.IncidentTimeline)
	admin.GET("/usage", deps.Admin.Usage)
	admin.GET("/jobs", deps.Admin.Jobs)
	admin.POST("/documents", deps.Admin.IngestDocument)
}
