package webserver

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stake-plus/gatekeeper/src/GKApi/config"
	"github.com/stake-plus/gatekeeper/src/engine"
	"gorm.io/gorm"
)

func attachRoutes(r *gin.Engine, cfg config.Config, db *gorm.DB, eng *engine.Engine) {
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:3000"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))

	authH := NewAuth(cfg.AdminKey, []byte(cfg.JWTSecret))
	appsH := NewApplications(db)
	outH := NewOutcomes(db, eng)

	loginLimiter := NewRateLimiter(5, time.Minute)

	v1 := r.Group("/v1")
	{
		v1.POST("/auth/login", RateLimitMiddleware(loginLimiter), authH.Login)

		secured := v1.Use(JWTMiddleware([]byte(cfg.JWTSecret)))
		secured.GET("/applications", appsH.List)
		secured.GET("/applications/:id", appsH.Detail)
		secured.GET("/applications/:id/votes", appsH.VoteSummary)
		secured.GET("/stats", appsH.Stats)
	}

	// Created after the Use above, so the group inherits the JWT guard.
	admin := v1.Group("/admin")
	{
		admin.GET("/outcomes", outH.List)
		admin.POST("/outcomes/:id/retry", outH.Retry)
	}
}
