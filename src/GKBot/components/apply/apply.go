// Package apply implements the /apply slash command: an ephemeral reply with
// the application form link, prefilled with the caller's Discord user ID so
// intake can tie the submission back to the account.
package apply

import (
	"fmt"
	"log"
	"net/url"

	"github.com/bwmarrin/discordgo"
)

const CommandName = "apply"

func Definition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        CommandName,
		Description: "Get your personal application form link",
	}
}

type Handler struct {
	formURL string
	// entry is the form's prefill key for the Discord ID question,
	// e.g. "entry.1234567890".
	entry string
}

func NewHandler(formURL, entry string) *Handler {
	return &Handler{formURL: formURL, entry: entry}
}

func (h *Handler) HandleSlash(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	if i.ApplicationCommandData().Name != CommandName {
		return
	}

	if h.formURL == "" {
		respond(s, i, &discordgo.InteractionResponseData{
			Content: "The application form is not configured yet.",
			Flags:   discordgo.MessageFlagsEphemeral,
		})
		return
	}

	userID := ""
	if i.Member != nil && i.Member.User != nil {
		userID = i.Member.User.ID
	} else if i.User != nil {
		userID = i.User.ID
	}

	link := h.formURL
	if h.entry != "" && userID != "" {
		params := url.Values{}
		params.Set(h.entry, userID)
		link = fmt.Sprintf("%s?%s", h.formURL, params.Encode())
	}

	embed := &discordgo.MessageEmbed{
		Title:       "Membership Application",
		Description: fmt.Sprintf("[Click here to apply](%s)", link),
		Color:       0x3498db,
	}
	respond(s, i, &discordgo.InteractionResponseData{
		Embeds: []*discordgo.MessageEmbed{embed},
		Flags:  discordgo.MessageFlagsEphemeral,
	})

	log.Printf("apply: form link requested by %s", userID)
}

func respond(s *discordgo.Session, i *discordgo.InteractionCreate, data *discordgo.InteractionResponseData) {
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: data,
	})
	if err != nil {
		log.Printf("apply: interaction response: %v", err)
	}
}
