// Package ledger is the persistence layer for the decision flow. Every
// status write goes through CompareAndSetStatus so concurrent writers can
// never clobber a transition; the engine owns which transitions are legal.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/stake-plus/gatekeeper/src/GKApi/types"
	"github.com/stake-plus/gatekeeper/src/tally"
)

type Ledger struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// CreateIfUnseen records the submission marker and creates the application
// in one transaction. A submission that was already processed returns
// ErrDuplicateSubmission and writes nothing, even under concurrent intake.
func (l *Ledger) CreateIfUnseen(app *types.Application) error {
	return l.db.Transaction(func(tx *gorm.DB) error {
		marker := types.ProcessedSubmission{
			SubmissionID: app.SubmissionID,
			ProcessedAt:  time.Now().UTC(),
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&marker)
		if res.Error != nil {
			return fmt.Errorf("mark submission %s: %w", app.SubmissionID, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrDuplicateSubmission
		}
		if err := tx.Create(app).Error; err != nil {
			return fmt.Errorf("create application: %w", err)
		}
		return nil
	})
}

// Seen reports whether a submission was already processed. Cheap check for
// the intake poller; CreateIfUnseen is still the authoritative guard.
func (l *Ledger) Seen(submissionID string) (bool, error) {
	var n int64
	err := l.db.Model(&types.ProcessedSubmission{}).
		Where("submission_id = ?", submissionID).
		Count(&n).Error
	return n > 0, err
}

// UpsertVote replaces any previous vote by the reviewer on this application.
func (l *Ledger) UpsertVote(appID uint64, reviewerID string, choice uint8) error {
	return l.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("application_id = ? AND reviewer_id = ?", appID, reviewerID).
			Delete(&types.Vote{}).Error; err != nil {
			return err
		}
		return tx.Create(&types.Vote{
			ApplicationID: appID,
			ReviewerID:    reviewerID,
			Choice:        choice,
		}).Error
	})
}

// Votes returns the current tally counts for an application.
func (l *Ledger) Votes(appID uint64) (tally.Counts, error) {
	type agg struct {
		Choice uint8
		Count  int
	}
	var rows []agg
	if err := l.db.Table("votes").
		Select("choice, count(*) as count").
		Where("application_id = ?", appID).
		Group("choice").
		Scan(&rows).Error; err != nil {
		return tally.Counts{}, err
	}

	var c tally.Counts
	for _, r := range rows {
		switch r.Choice {
		case types.VoteApprove:
			c.Approve = r.Count
		case types.VoteReject:
			c.Reject = r.Count
		}
	}
	return c, nil
}

// CompareAndSetStatus moves appID from expect to next in a single UPDATE
// guarded on the current status. extra columns (armed_at, decide_at,
// resolved_at) are written in the same statement. Returns false when another
// writer got there first.
func (l *Ledger) CompareAndSetStatus(appID uint64, expect, next uint8, extra map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{"status": next}
	for k, v := range extra {
		updates[k] = v
	}
	res := l.db.Model(&types.Application{}).
		Where("id = ? AND status = ?", appID, expect).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (l *Ledger) Get(appID uint64) (*types.Application, error) {
	var app types.Application
	if err := l.db.First(&app, appID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrApplicationNotFound
		}
		return nil, err
	}
	return &app, nil
}

// SetMessage records where the application is rendered in Discord.
func (l *Ledger) SetMessage(appID uint64, channelID, messageID string) error {
	return l.db.Model(&types.Application{}).
		Where("id = ?", appID).
		Updates(map[string]interface{}{"channel_id": channelID, "message_id": messageID}).Error
}

// Armed returns every application sitting in a grace window, for timer
// recovery at boot.
func (l *Ledger) Armed() ([]types.Application, error) {
	var apps []types.Application
	err := l.db.Where("status IN ?", []uint8{types.StatusArmedAccept, types.StatusArmedReject}).
		Find(&apps).Error
	return apps, err
}

func (l *Ledger) RecordOutcomeFailure(appID uint64, outcome uint8, actErr error) error {
	return l.db.Create(&types.OutcomeFailure{
		ApplicationID: appID,
		Outcome:       outcome,
		Error:         actErr.Error(),
	}).Error
}

func (l *Ledger) PendingFailures() ([]types.OutcomeFailure, error) {
	var fs []types.OutcomeFailure
	err := l.db.Where("retried = ?", false).Order("id").Find(&fs).Error
	return fs, err
}

func (l *Ledger) Failure(id uint64) (*types.OutcomeFailure, error) {
	var f types.OutcomeFailure
	if err := l.db.First(&f, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrApplicationNotFound
		}
		return nil, err
	}
	return &f, nil
}

func (l *Ledger) MarkRetried(id uint64) error {
	return l.db.Model(&types.OutcomeFailure{}).
		Where("id = ?", id).
		Update("retried", true).Error
}
