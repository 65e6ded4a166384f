package applications

import (
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/stake-plus/gatekeeper/src/GKApi/types"
	"github.com/stake-plus/gatekeeper/src/tally"
)

const (
	colorPending  = 0xf1c40f
	colorArmed    = 0x3498db
	colorAccepted = 0x00ff00
	colorRejected = 0xff0000
)

const (
	approveID = "gk_vote:approve"
	rejectID  = "gk_vote:reject"
)

func statusColor(status uint8) int {
	switch status {
	case types.StatusArmedAccept, types.StatusArmedReject:
		return colorArmed
	case types.StatusAccepted:
		return colorAccepted
	case types.StatusRejected:
		return colorRejected
	}
	return colorPending
}

func statusLine(app *types.Application) string {
	switch app.Status {
	case types.StatusArmedAccept:
		if app.DecideAt != nil {
			return fmt.Sprintf("Accepting <t:%d:R> unless votes change", app.DecideAt.Unix())
		}
		return "Accepting shortly"
	case types.StatusArmedReject:
		if app.DecideAt != nil {
			return fmt.Sprintf("Rejecting <t:%d:R> unless votes change", app.DecideAt.Unix())
		}
		return "Rejecting shortly"
	case types.StatusAccepted:
		return "Accepted"
	case types.StatusRejected:
		return "Rejected"
	}
	return "Pending review"
}

// Embed renders the live review card for an application.
func Embed(app *types.Application, counts tally.Counts) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("Application #%d: %s", app.ID, app.Applicant),
		Description: app.Summary,
		Color:       statusColor(app.Status),
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:   "Status",
				Value:  statusLine(app),
				Inline: true,
			},
			{
				Name:   "Votes",
				Value:  fmt.Sprintf("✅ %d   ❌ %d", counts.Approve, counts.Reject),
				Inline: true,
			},
		},
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("Submission %s", app.SubmissionID),
		},
		Timestamp: time.Now().Format(time.RFC3339),
	}
}

// Buttons builds the vote row. Terminal applications keep the row but
// disabled, so the history stays readable.
func Buttons(appID uint64, disabled bool) []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "Approve",
					Style:    discordgo.SuccessButton,
					CustomID: fmt.Sprintf("%s:%d", approveID, appID),
					Disabled: disabled,
				},
				discordgo.Button{
					Label:    "Reject",
					Style:    discordgo.DangerButton,
					CustomID: fmt.Sprintf("%s:%d", rejectID, appID),
					Disabled: disabled,
				},
			},
		},
	}
}
