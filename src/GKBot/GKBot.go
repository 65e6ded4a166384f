package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stake-plus/gatekeeper/src/GKApi/data"
	"github.com/stake-plus/gatekeeper/src/GKApi/types"
	"github.com/stake-plus/gatekeeper/src/GKBot/bot"
	"github.com/stake-plus/gatekeeper/src/GKBot/components/events"
	"github.com/stake-plus/gatekeeper/src/GKBot/config"
	"github.com/stake-plus/gatekeeper/src/GKBot/core"
	"github.com/stake-plus/gatekeeper/src/engine"
	"github.com/stake-plus/gatekeeper/src/intake"
	"github.com/stake-plus/gatekeeper/src/ledger"
	"github.com/stake-plus/gatekeeper/src/outcome"
	"gorm.io/gorm"
)

var allModels = []interface{}{
	&types.Application{}, &types.Vote{}, &types.ProcessedSubmission{},
	&types.OutcomeFailure{}, &types.ScheduledEvent{}, &types.Setting{},
}

func migrate(db *gorm.DB) {
	if err := db.AutoMigrate(allModels...); err != nil {
		log.Fatalf("migrate: %v", err)
	}
}

// seedSettings creates the tunables with their defaults so they show up in
// the settings table for editing. Existing values are never overwritten.
func seedSettings(db *gorm.DB) {
	defaults := map[string]string{
		"accept_threshold":     "3",
		"reject_threshold":     "3",
		"grace_period_seconds": "300",
	}
	for name, value := range defaults {
		var s types.Setting
		db.Where(types.Setting{Name: name}).
			Attrs(types.Setting{Value: value}).
			FirstOrCreate(&s)
	}
}

func main() {
	config.LoadEnv()

	// Connect to database first
	mysqlDSN := os.Getenv("MYSQL_DSN")
	if mysqlDSN == "" {
		mysqlDSN = "gatekeeper:gatekeeper@tcp(127.0.0.1:3306)/gatekeeper?parseTime=true"
	}
	db := data.MustMySQL(mysqlDSN)
	migrate(db)
	seedSettings(db)

	cfg := config.Load(db)
	if cfg.Token == "" {
		log.Fatal("DISCORD_TOKEN not set in database or environment")
	}
	if cfg.GuildID == "" {
		log.Fatal("GUILD_ID not set in database or environment")
	}

	rdb := data.MustRedis(cfg.RedisURL)

	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		log.Fatalf("Failed to create Discord session: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lgr := ledger.New(db)
	eng := engine.New(lgr, rdb, outcome.NewDiscord(session, cfg.GuildID), engine.StoreSettings)
	discordBot := bot.New(session, db, eng, lgr, cfg)

	mgr := core.NewManager(eng, discordBot)

	if cfg.FormID != "" {
		poller, err := intake.NewPoller(ctx, intake.Config{
			FormID:          cfg.FormID,
			CredentialsFile: cfg.FormsCredentials,
			Interval:        time.Duration(data.GetIntSetting("intake_poll_seconds", 30)) * time.Second,
		}, lgr, eng)
		if err != nil {
			log.Fatalf("Failed to create form poller: %v", err)
		}
		if err := mgr.Add(poller); err != nil {
			log.Fatalf("Failed to add intake module: %v", err)
		}
	} else {
		log.Println("FORM_ID not set, form intake disabled")
	}

	if err := mgr.Add(events.NewScheduler(session, db, cfg.GuildID)); err != nil {
		log.Fatalf("Failed to add events module: %v", err)
	}

	if err := mgr.Start(ctx); err != nil {
		log.Fatalf("Failed to start modules: %v", err)
	}

	// Pick up settings edits without a restart.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := data.RefreshSettings(db); err != nil {
					log.Printf("Failed to refresh settings: %v", err)
				}
			}
		}
	}()

	log.Println("Gatekeeper bot is running. Press CTRL-C to exit.")

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	<-sc

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	mgr.Stop(stopCtx)
	log.Println("Gatekeeper bot stopped gracefully")
}
