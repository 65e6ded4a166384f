package members

import (
	"fmt"
	"log"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stake-plus/gatekeeper/src/GKApi/data"
	"github.com/stake-plus/gatekeeper/src/GKApi/types"
	"gorm.io/gorm"
)

// Handler reacts to guild membership changes. New members receive the
// applicant role and a greeting ping, departures are announced so reviewers
// notice when someone with an open application walks away.
type Handler struct {
	session *discordgo.Session
	db      *gorm.DB
	guildID string
}

func NewHandler(session *discordgo.Session, db *gorm.DB, guildID string) *Handler {
	return &Handler{session: session, db: db, guildID: guildID}
}

func (h *Handler) HandleMemberAdd(s *discordgo.Session, m *discordgo.GuildMemberAdd) {
	if m.GuildID != h.guildID {
		return
	}

	if roleID := data.GetSetting("applicant_role"); roleID != "" {
		if err := s.GuildMemberRoleAdd(m.GuildID, m.User.ID, roleID); err != nil {
			log.Printf("members: assign applicant role to %s: %v", m.User.ID, err)
		}
	}

	channelID := data.GetSetting("join_leave_channel")
	if channelID == "" {
		return
	}

	msg := fmt.Sprintf("%s has joined!", m.User.Mention())
	if adminRole := data.GetSetting("admin_role"); adminRole != "" {
		msg = fmt.Sprintf("<@&%s>, %s has joined! Go say hi!", adminRole, m.User.Mention())
	}
	if _, err := s.ChannelMessageSend(channelID, msg); err != nil {
		log.Printf("members: send join notice: %v", err)
	}
}

func (h *Handler) HandleMemberRemove(s *discordgo.Session, m *discordgo.GuildMemberRemove) {
	if m.GuildID != h.guildID {
		return
	}

	channelID := data.GetSetting("join_leave_channel")
	if channelID == "" {
		return
	}

	msg := fmt.Sprintf("%s (%s) has left the server. <t:%d:f>",
		m.User.Mention(), m.User.Username, time.Now().Unix())

	// Flag open applications so reviewers do not keep voting on a ghost.
	open, err := h.openApplications(m.User.ID)
	if err != nil {
		log.Printf("members: open application check for %s: %v", m.User.ID, err)
	}
	if open > 0 {
		msg += "\nThey still have an open application."
	}

	if _, err := s.ChannelMessageSend(channelID, msg); err != nil {
		log.Printf("members: send leave notice: %v", err)
	}
}

// openApplications counts the member's applications still in play.
func (h *Handler) openApplications(discordID string) (int64, error) {
	var n int64
	err := h.db.Model(&types.Application{}).
		Where("discord_id = ? AND status IN ?", discordID,
			[]uint8{types.StatusPending, types.StatusArmedAccept, types.StatusArmedReject}).
		Count(&n).Error
	return n, err
}
