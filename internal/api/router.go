// internal/api/router.go
package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/VillagerBridge/internal/auth"
	"github.com/Corphon/VillagerBridge/internal/remote"
	"github.com/Corphon/VillagerBridge/internal/services"
	"github.com/Corphon/VillagerBridge/internal/utils"
)

// RouterDeps is everything the HTTP layer needs
type RouterDeps struct {
	Coordinator *services.GroupCoordinator
	Cache       *services.ScriptCache
	Authority   remote.Authority
	// History may be nil when the script index is disabled
	History ScriptHistory
	Hub     *DisplayHub
	Metrics *utils.MetricsCollector

	// Tokens nil disables bearer checks
	Tokens      *auth.TokenConfig
	RequireAuth bool
	RateLimiter *RateLimiter
	StartLimit  int
	StartWindow time.Duration
	DebugMode   bool
	Version     string
}

// SetupRouter builds the gin engine
func SetupRouter(deps RouterDeps) *gin.Engine {
	if !deps.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	if deps.StartWindow <= 0 {
		deps.StartWindow = time.Minute
	}

	handler := NewHandler(deps)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(handler.metrics))
	r.Use(corsMiddleware())

	if deps.Hub != nil {
		r.GET("/ws/display", deps.Hub.ServeWS)
	}

	api := r.Group("/api")
	{
		api.GET("/health", handler.Health)
		api.GET("/metrics", handler.GetMetrics)
		api.GET("/ws/status", handler.DisplayStatus)

		api.GET("/conversations", handler.ListConversations)
		api.GET("/scripts/:groupKey", handler.GetScript)
		api.GET("/scripts/:groupKey/history", handler.ScriptHistory)

		protected := api.Group("")
		protected.Use(AuthMiddleware(deps.Tokens, deps.RequireAuth))
		{
			protected.POST("/conversations",
				RateLimitByIP(deps.RateLimiter, deps.StartLimit, deps.StartWindow),
				handler.StartConversation)
			protected.DELETE("/conversations/:groupKey", handler.StopConversation)
			protected.POST("/scripts/refresh", handler.RefreshScripts)
		}
	}

	return r
}
