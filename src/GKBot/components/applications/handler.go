package applications

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/stake-plus/gatekeeper/src/GKApi/data"
	"github.com/stake-plus/gatekeeper/src/GKApi/types"
	"github.com/stake-plus/gatekeeper/src/engine"
	"github.com/stake-plus/gatekeeper/src/ledger"
	"github.com/stake-plus/gatekeeper/src/tally"
)

type Handler struct {
	session *discordgo.Session
	engine  *engine.Engine
	ledger  *ledger.Ledger
	guildID string
}

func NewHandler(session *discordgo.Session, eng *engine.Engine, l *ledger.Ledger, guildID string) *Handler {
	return &Handler{session: session, engine: eng, ledger: l, guildID: guildID}
}

// Refresh keeps the review channel rendering in sync with the application.
// First render posts a new message; later calls edit it in place. Wired as
// the engine's OnChange callback.
func (h *Handler) Refresh(app *types.Application, counts tally.Counts) {
	if app.MessageID == "" {
		channelID := data.GetSetting("review_channel")
		if channelID == "" {
			log.Printf("applications: no review_channel configured, cannot render application %d", app.ID)
			return
		}
		msg, err := h.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
			Embeds:     []*discordgo.MessageEmbed{Embed(app, counts)},
			Components: Buttons(app.ID, false),
		})
		if err != nil {
			log.Printf("applications: render application %d: %v", app.ID, err)
			return
		}
		if err := h.ledger.SetMessage(app.ID, channelID, msg.ID); err != nil {
			log.Printf("applications: store message for application %d: %v", app.ID, err)
		}
		app.ChannelID = channelID
		app.MessageID = msg.ID
		return
	}

	edit := discordgo.NewMessageEdit(app.ChannelID, app.MessageID)
	edit.Embeds = &[]*discordgo.MessageEmbed{Embed(app, counts)}
	components := Buttons(app.ID, types.IsTerminal(app.Status))
	edit.Components = &components
	if _, err := h.session.ChannelMessageEditComplex(edit); err != nil {
		log.Printf("applications: update application %d: %v", app.ID, err)
	}
}

// HandleInteraction turns Approve/Reject button clicks into votes.
func (h *Handler) HandleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionMessageComponent {
		return
	}
	parts := strings.Split(i.MessageComponentData().CustomID, ":")
	if len(parts) != 3 || parts[0] != "gk_vote" {
		return
	}
	appID, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return
	}

	var choice uint8
	switch parts[1] {
	case "approve":
		choice = types.VoteApprove
	case "reject":
		choice = types.VoteReject
	default:
		return
	}

	if i.Member == nil || i.Member.User == nil {
		return
	}
	reviewer := i.Member.User.ID

	if role := data.GetSetting("admin_role"); role != "" && !hasRole(s, h.guildID, reviewer, role) {
		respondEphemeral(s, i, "Only reviewers can vote on applications.")
		return
	}

	counts, err := h.engine.HandleVote(context.Background(), appID, reviewer, choice)
	switch {
	case errors.Is(err, ledger.ErrApplicationResolved):
		respondEphemeral(s, i, "This application has already been decided.")
	case errors.Is(err, ledger.ErrApplicationNotFound):
		respondEphemeral(s, i, "This application no longer exists.")
	case err != nil:
		log.Printf("applications: vote by %s on %d: %v", reviewer, appID, err)
		respondEphemeral(s, i, "Something went wrong recording your vote.")
	default:
		respondEphemeral(s, i, fmt.Sprintf("Your %s vote was recorded. Tally: %d approve, %d reject.",
			types.ChoiceName(choice), counts.Approve, counts.Reject))
	}
}

func respondEphemeral(s *discordgo.Session, i *discordgo.InteractionCreate, msg string) {
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: msg,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		log.Printf("applications: interaction response: %v", err)
	}
}

func hasRole(s *discordgo.Session, guildID, userID, roleID string) bool {
	member, err := s.GuildMember(guildID, userID)
	if err != nil {
		return false
	}
	for _, role := range member.Roles {
		if role == roleID {
			return true
		}
	}
	return false
}
