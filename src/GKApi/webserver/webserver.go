package webserver

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/stake-plus/gatekeeper/src/GKApi/config"
	"github.com/stake-plus/gatekeeper/src/engine"
)

func New(cfg config.Config, db *gorm.DB, eng *engine.Engine) *gin.Engine {
	g := gin.New()
	g.Use(gin.Logger(), gin.Recovery())
	attachRoutes(g, cfg, db, eng)
	return g
}
