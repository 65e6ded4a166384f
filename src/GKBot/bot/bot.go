package bot

import (
	"context"
	"fmt"
	"log"

	"github.com/bwmarrin/discordgo"
	"github.com/stake-plus/gatekeeper/src/GKBot/components/applications"
	"github.com/stake-plus/gatekeeper/src/GKBot/components/apply"
	"github.com/stake-plus/gatekeeper/src/GKBot/components/members"
	"github.com/stake-plus/gatekeeper/src/GKBot/config"
	"github.com/stake-plus/gatekeeper/src/engine"
	"github.com/stake-plus/gatekeeper/src/ledger"
	"gorm.io/gorm"
)

// Bot ties the Discord session to the review components. It owns handler
// registration and the gateway lifecycle; the decision engine and pollers
// run as sibling modules.
type Bot struct {
	session *discordgo.Session
	guildID string

	apps    *applications.Handler
	apply   *apply.Handler
	members *members.Handler
}

func New(session *discordgo.Session, db *gorm.DB, eng *engine.Engine, l *ledger.Ledger, cfg config.Config) *Bot {
	b := &Bot{
		session: session,
		guildID: cfg.GuildID,
		apps:    applications.NewHandler(session, eng, l, cfg.GuildID),
		apply:   apply.NewHandler(cfg.FormURL, cfg.DiscordEntry),
		members: members.NewHandler(session, db, cfg.GuildID),
	}

	// The engine reports every tally and status change back through the
	// review surface so the channel embed stays current.
	eng.OnChange = b.apps.Refresh

	session.AddHandler(b.onReady)
	session.AddHandler(b.onInteraction)
	session.AddHandler(b.members.HandleMemberAdd)
	session.AddHandler(b.members.HandleMemberRemove)

	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMembers

	return b
}

func (b *Bot) Name() string { return "discord" }

func (b *Bot) Start(ctx context.Context) error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	return nil
}

func (b *Bot) Stop(ctx context.Context) {
	if err := b.session.Close(); err != nil {
		log.Printf("bot: close session: %v", err)
	}
}

func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	log.Printf("bot: logged in as %s", r.User.Username)

	if _, err := s.ApplicationCommandCreate(s.State.User.ID, b.guildID, apply.Definition()); err != nil {
		log.Printf("bot: register /%s: %v", apply.CommandName, err)
	}
}

func (b *Bot) onInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	switch i.Type {
	case discordgo.InteractionMessageComponent:
		b.apps.HandleInteraction(s, i)
	case discordgo.InteractionApplicationCommand:
		if i.ApplicationCommandData().Name == apply.CommandName {
			b.apply.HandleSlash(s, i)
		}
	}
}
