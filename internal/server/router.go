package server

import (
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/yungbote/claimspipe/internal/handlers"
)

type RouterConfig struct {
	ClaimHandler  *handlers.ClaimHandler
	HealthHandler *handlers.HealthHandler
	AllowOrigins  []string
	Mode          string
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	if strings.EqualFold(cfg.Mode, "prod") || strings.EqualFold(cfg.Mode, "production") {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	origins := cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Idempotency-Key", "X-Actor", "X-Requested-With"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", cfg.HealthHandler.HealthCheck)

	api := router.Group("/api")
	{
		api.POST("/claims", cfg.ClaimHandler.SubmitClaim)
		api.GET("/claims", cfg.ClaimHandler.ListClaims)
		api.GET("/claims/:id", cfg.ClaimHandler.GetClaim)
		api.GET("/claims/:id/fields", cfg.ClaimHandler.GetFields)
		api.GET("/claims/:id/history", cfg.ClaimHandler.History)
		api.GET("/claims/:id/audit", cfg.ClaimHandler.AuditTrail)
		api.POST("/claims/:id/reassign", cfg.ClaimHandler.Reassign)
		api.POST("/claims/:id/cancel", cfg.ClaimHandler.Cancel)
		api.POST("/claims/:id/recompute", cfg.ClaimHandler.Recompute)
	}

	return router
}
