package webserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stake-plus/gatekeeper/src/GKApi/types"
	"gorm.io/gorm"
)

type Applications struct{ db *gorm.DB }

func NewApplications(db *gorm.DB) Applications { return Applications{db: db} }

type applicationView struct {
	ID         uint64     `json:"id"`
	Applicant  string     `json:"applicant"`
	DiscordID  string     `json:"discordId,omitempty"`
	Status     string     `json:"status"`
	ArmedAt    *time.Time `json:"armedAt,omitempty"`
	DecideAt   *time.Time `json:"decideAt,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

func view(app types.Application) applicationView {
	return applicationView{
		ID:         app.ID,
		Applicant:  app.Applicant,
		DiscordID:  app.DiscordID,
		Status:     types.StatusName(app.Status),
		ArmedAt:    app.ArmedAt,
		DecideAt:   app.DecideAt,
		ResolvedAt: app.ResolvedAt,
		CreatedAt:  app.CreatedAt,
	}
}

func (a Applications) List(c *gin.Context) {
	q := a.db.Model(&types.Application{})

	if name := c.Query("status"); name != "" {
		code, ok := types.ParseStatus(name)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"err": "unknown status " + name})
			return
		}
		q = q.Where("status = ?", code)
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "25"))
	if limit < 1 || limit > 100 {
		limit = 25
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"err": err.Error()})
		return
	}

	var apps []types.Application
	if err := q.Order("id DESC").Limit(limit).Offset((page - 1) * limit).Find(&apps).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"err": err.Error()})
		return
	}

	items := make([]applicationView, 0, len(apps))
	for _, app := range apps {
		items = append(items, view(app))
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "page": page, "items": items})
}

func (a Applications) Detail(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": "bad id"})
		return
	}

	var app types.Application
	if err := a.db.First(&app, id).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"err": "application not found"})
		return
	}

	var votes []types.Vote
	a.db.Where("application_id = ?", id).Order("created_at ASC").Find(&votes)

	var failures []types.OutcomeFailure
	a.db.Where("application_id = ?", id).Find(&failures)

	voteViews := make([]gin.H, 0, len(votes))
	for _, v := range votes {
		voteViews = append(voteViews, gin.H{
			"reviewerId": v.ReviewerID,
			"choice":     types.ChoiceName(v.Choice),
			"createdAt":  v.CreatedAt,
		})
	}

	failureViews := make([]gin.H, 0, len(failures))
	for _, f := range failures {
		failureViews = append(failureViews, gin.H{
			"id":        f.ID,
			"outcome":   types.StatusName(f.Outcome),
			"error":     f.Error,
			"retried":   f.Retried,
			"createdAt": f.CreatedAt,
		})
	}

	detail := view(app)
	c.JSON(http.StatusOK, gin.H{
		"application": detail,
		"summary":     app.Summary,
		"votes":       voteViews,
		"failures":    failureViews,
	})
}

func (a Applications) VoteSummary(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": "bad id"})
		return
	}

	var app types.Application
	if err := a.db.First(&app, id).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"err": "application not found"})
		return
	}

	type agg struct {
		Choice uint8
		Count  int
	}
	var rows []agg
	a.db.Table("votes").Select("choice, count(*) as count").
		Where("application_id = ?", id).Group("choice").Scan(&rows)

	out := map[string]int{"approve": 0, "reject": 0}
	for _, r := range rows {
		out[types.ChoiceName(r.Choice)] = r.Count
	}
	c.JSON(http.StatusOK, out)
}

func (a Applications) Stats(c *gin.Context) {
	type agg struct {
		Status uint8
		Count  int64
	}
	var rows []agg
	a.db.Table("applications").Select("status, count(*) as count").Group("status").Scan(&rows)

	out := gin.H{}
	var total int64
	for _, r := range rows {
		out[types.StatusName(r.Status)] = r.Count
		total += r.Count
	}
	out["total"] = total

	var failed int64
	a.db.Model(&types.OutcomeFailure{}).Where("retried = ?", false).Count(&failed)
	out["pendingFailures"] = failed

	c.JSON(http.StatusOK, out)
}
