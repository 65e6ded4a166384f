// Package outcome delivers resolved application results to Discord. The
// engine calls Deliver after the terminal status is committed; errors here
// are recorded for retry and never reopen the decision.
package outcome

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/stake-plus/gatekeeper/src/GKApi/data"
	"github.com/stake-plus/gatekeeper/src/GKApi/types"
)

type Discord struct {
	session *discordgo.Session
	guildID string
}

func NewDiscord(session *discordgo.Session, guildID string) *Discord {
	return &Discord{session: session, guildID: guildID}
}

func (d *Discord) Deliver(ctx context.Context, app *types.Application, outcome uint8) error {
	switch outcome {
	case types.StatusAccepted:
		return d.accept(app)
	case types.StatusRejected:
		return d.reject(app)
	}
	return fmt.Errorf("unknown outcome %d for application %d", outcome, app.ID)
}

// accept grants the member role and welcomes the applicant. The role grant
// is the effect that matters: its failure fails the delivery. The DM and
// the channel announcement are best effort.
func (d *Discord) accept(app *types.Application) error {
	roleID := data.GetSetting("member_role")
	if app.DiscordID != "" && roleID != "" {
		if err := d.session.GuildMemberRoleAdd(d.guildID, app.DiscordID, roleID); err != nil {
			return fmt.Errorf("grant member role to %s: %w", app.DiscordID, err)
		}
	}

	if app.DiscordID != "" {
		d.dm(app.DiscordID, &discordgo.MessageEmbed{
			Title:       "Application Accepted",
			Description: "Welcome! Your application was approved and you now have full access.",
			Color:       0x00ff00,
			Timestamp:   time.Now().Format(time.RFC3339),
		})
	}

	d.announce(app, "accepted", 0x00ff00)
	return nil
}

func (d *Discord) reject(app *types.Application) error {
	if app.DiscordID != "" {
		d.dm(app.DiscordID, &discordgo.MessageEmbed{
			Title:       "Application Update",
			Description: "Your application was not approved this time. You are welcome to apply again later.",
			Color:       0xff0000,
			Timestamp:   time.Now().Format(time.RFC3339),
		})
	}

	d.announce(app, "rejected", 0xff0000)
	return nil
}

func (d *Discord) dm(userID string, embed *discordgo.MessageEmbed) {
	ch, err := d.session.UserChannelCreate(userID)
	if err != nil {
		log.Printf("outcome: open DM with %s: %v", userID, err)
		return
	}
	if _, err := d.session.ChannelMessageSendEmbed(ch.ID, embed); err != nil {
		log.Printf("outcome: DM %s: %v", userID, err)
	}
}

func (d *Discord) announce(app *types.Application, result string, color int) {
	channelID := data.GetSetting("review_channel")
	if channelID == "" {
		return
	}
	embed := &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("Application #%d %s", app.ID, result),
		Description: fmt.Sprintf("Applicant: %s", app.Applicant),
		Color:       color,
		Timestamp:   time.Now().Format(time.RFC3339),
	}
	if _, err := d.session.ChannelMessageSendEmbed(channelID, embed); err != nil {
		log.Printf("outcome: announce application %d: %v", app.ID, err)
	}
}
