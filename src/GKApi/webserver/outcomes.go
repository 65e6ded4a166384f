package webserver

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/stake-plus/gatekeeper/src/GKApi/types"
	"github.com/stake-plus/gatekeeper/src/engine"
	"github.com/stake-plus/gatekeeper/src/ledger"
	"gorm.io/gorm"
)

type Outcomes struct {
	db  *gorm.DB
	eng *engine.Engine
}

func NewOutcomes(db *gorm.DB, eng *engine.Engine) Outcomes {
	return Outcomes{db: db, eng: eng}
}

func (o Outcomes) List(c *gin.Context) {
	var failures []types.OutcomeFailure
	if err := o.db.Where("retried = ?", false).Order("id ASC").Find(&failures).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"err": err.Error()})
		return
	}

	items := make([]gin.H, 0, len(failures))
	for _, f := range failures {
		items = append(items, gin.H{
			"id":            f.ID,
			"applicationId": f.ApplicationID,
			"outcome":       types.StatusName(f.Outcome),
			"error":         f.Error,
			"createdAt":     f.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (o Outcomes) Retry(c *gin.Context) {
	if o.eng == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"err": "retry unavailable without a Discord token"})
		return
	}

	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": "bad id"})
		return
	}

	switch err := o.eng.RetryOutcome(c.Request.Context(), id); {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "delivered"})
	case errors.Is(err, ledger.ErrApplicationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"err": "failure not found"})
	case errors.Is(err, ledger.ErrActionFailed):
		c.JSON(http.StatusBadGateway, gin.H{"err": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"err": err.Error()})
	}
}
