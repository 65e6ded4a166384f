package events

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stake-plus/gatekeeper/src/GKApi/data"
	"github.com/stake-plus/gatekeeper/src/GKApi/types"
	"gorm.io/gorm"
)

const (
	createHour = 20 // Monday evening
	eventHour  = 17 // Sunday afternoon
)

// Scheduler maintains the community's weekly voice event. Every Monday
// evening it creates the coming Sunday's event, and after the event has run
// it records who marked themselves interested and removes the listing.
type Scheduler struct {
	session *discordgo.Session
	db      *gorm.DB
	guildID string
	cancel  context.CancelFunc
}

func NewScheduler(session *discordgo.Session, db *gorm.DB, guildID string) *Scheduler {
	return &Scheduler{session: session, db: db, guildID: guildID}
}

func (s *Scheduler) Name() string { return "events" }

func (s *Scheduler) Start(ctx context.Context) error {
	runtimeCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(runtimeCtx)
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Scheduler) run(ctx context.Context) {
	log.Println("events: starting weekly event scheduler")
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("events: stopping weekly event scheduler")
			return
		case <-ticker.C:
			s.check()
		}
	}
}

func (s *Scheduler) location() *time.Location {
	name := data.GetSetting("event_timezone")
	if name == "" {
		name = "US/Eastern"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Printf("events: load timezone %q: %v", name, err)
		return time.UTC
	}
	return loc
}

func (s *Scheduler) check() {
	now := time.Now().In(s.location())

	// Monday evening: post the coming Sunday's event.
	if now.Weekday() == time.Monday && now.Hour() == createHour {
		if err := s.createWeekly(now); err != nil {
			log.Printf("events: create weekly event: %v", err)
		}
	}

	// Monday midnight: the Sunday event is over, tear it down.
	if now.Weekday() == time.Monday && now.Hour() == 0 {
		if err := s.deleteExpired(now); err != nil {
			log.Printf("events: delete expired event: %v", err)
		}
	}
}

func (s *Scheduler) createWeekly(now time.Time) error {
	var active int64
	if err := s.db.Model(&types.ScheduledEvent{}).Where("deleted = ?", false).Count(&active).Error; err != nil {
		return err
	}
	if active > 0 {
		return nil
	}

	channelID := data.GetSetting("event_channel")
	if channelID == "" {
		return fmt.Errorf("event_channel not configured")
	}

	days := int((7 + time.Sunday - now.Weekday()) % 7)
	if days == 0 {
		days = 7
	}
	startsAt := time.Date(now.Year(), now.Month(), now.Day()+days, eventHour, 0, 0, 0, now.Location())

	name := data.GetSetting("event_name")
	if name == "" {
		name = "Sunday Op"
	}
	title := fmt.Sprintf("%s - %s", name, startsAt.Format("January 2"))
	description := "**Please select \"Interested\" if you intend to participate**\n\nPlease show up 15 minutes early"

	event, err := s.session.GuildScheduledEventCreate(s.guildID, &discordgo.GuildScheduledEventParams{
		Name:               title,
		Description:        description,
		ScheduledStartTime: &startsAt,
		EntityType:         discordgo.GuildScheduledEventEntityTypeVoice,
		ChannelID:          channelID,
		PrivacyLevel:       discordgo.GuildScheduledEventPrivacyLevelGuildOnly,
	})
	if err != nil {
		return fmt.Errorf("create scheduled event: %w", err)
	}

	record := types.ScheduledEvent{
		EventID:  event.ID,
		GuildID:  s.guildID,
		StartsAt: startsAt,
	}
	if err := s.db.Create(&record).Error; err != nil {
		return fmt.Errorf("store event %s: %w", event.ID, err)
	}
	log.Printf("events: created %q (%s)", title, event.ID)

	s.notify(event.ID)
	return nil
}

func (s *Scheduler) notify(eventID string) {
	channelID := data.GetSetting("event_notify_channel")
	if channelID == "" {
		return
	}
	url := fmt.Sprintf("https://discord.com/events/%s/%s", s.guildID, eventID)
	msg := fmt.Sprintf("[New Event Posted](%s)", url)
	if roleID := data.GetSetting("event_notify_role"); roleID != "" {
		msg = fmt.Sprintf("<@&%s> %s", roleID, msg)
	}
	if _, err := s.session.ChannelMessageSend(channelID, msg); err != nil {
		log.Printf("events: send event notice: %v", err)
	}
}

func (s *Scheduler) deleteExpired(now time.Time) error {
	var stale []types.ScheduledEvent
	if err := s.db.Where("deleted = ? AND starts_at < ?", false, now).Find(&stale).Error; err != nil {
		return err
	}

	for _, ev := range stale {
		participants := s.participants(ev.EventID)

		if err := s.session.GuildScheduledEventDelete(s.guildID, ev.EventID); err != nil {
			log.Printf("events: delete event %s: %v", ev.EventID, err)
		}

		err := s.db.Model(&types.ScheduledEvent{}).Where("event_id = ?", ev.EventID).
			Updates(map[string]interface{}{
				"deleted":      true,
				"participants": strings.Join(participants, ","),
			}).Error
		if err != nil {
			return fmt.Errorf("mark event %s deleted: %w", ev.EventID, err)
		}
		log.Printf("events: removed event %s with %d interested", ev.EventID, len(participants))
	}
	return nil
}

// participants pages through the interested-user list before the event is
// deleted, after which Discord no longer serves it.
func (s *Scheduler) participants(eventID string) []string {
	var ids []string
	after := ""
	for {
		users, err := s.session.GuildScheduledEventUsers(s.guildID, eventID, 100, false, "", after)
		if err != nil {
			log.Printf("events: fetch users for %s: %v", eventID, err)
			return ids
		}
		if len(users) == 0 {
			return ids
		}
		for _, u := range users {
			if u.User != nil {
				ids = append(ids, u.User.ID)
				after = u.User.ID
			}
		}
	}
}
