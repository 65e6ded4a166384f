package webserver

import (
	"crypto/subtle"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
)

type Auth struct {
	adminKey  string
	jwtSecret []byte
}

func NewAuth(adminKey string, secret []byte) Auth {
	return Auth{adminKey: adminKey, jwtSecret: secret}
}

func (a Auth) Login(c *gin.Context) {
	var req struct {
		Key string `json:"key" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
		return
	}

	if subtle.ConstantTimeCompare([]byte(req.Key), []byte(a.adminKey)) != 1 {
		log.Printf("Rejected login from IP %s", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"err": "bad key"})
		return
	}

	token, err := issueJWT("admin", a.jwtSecret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"err": err.Error()})
		return
	}

	log.Printf("Admin login from IP %s", c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"token": token})
}
