package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/redis/go-redis/v9"
	"github.com/stake-plus/gatekeeper/src/GKApi/config"
	"github.com/stake-plus/gatekeeper/src/GKApi/data"
	"github.com/stake-plus/gatekeeper/src/GKApi/webserver"
	"github.com/stake-plus/gatekeeper/src/engine"
	"github.com/stake-plus/gatekeeper/src/ledger"
	"github.com/stake-plus/gatekeeper/src/outcome"
)

// retryEngine builds an engine around a REST-only Discord session so the
// admin retry endpoint can re-run failed outcome actions. The gateway is
// never opened; the bot process owns timers and votes.
func retryEngine(lgr *ledger.Ledger, rdb *redis.Client) *engine.Engine {
	token := data.GetSetting("discord_token")
	if token == "" {
		token = os.Getenv("DISCORD_TOKEN")
	}
	guildID := data.GetSetting("guild_id")
	if guildID == "" {
		guildID = os.Getenv("GUILD_ID")
	}
	if token == "" || guildID == "" {
		log.Println("Discord token or guild not configured, outcome retry disabled")
		return nil
	}

	session, err := discordgo.New("Bot " + token)
	if err != nil {
		log.Printf("Failed to create Discord session: %v", err)
		return nil
	}

	return engine.New(lgr, rdb, outcome.NewDiscord(session, guildID), engine.StoreSettings)
}

func main() {
	cfg := config.Load()

	db := data.MustMySQL(cfg.MySQLDSN)

	if err := data.LoadSettings(db); err != nil {
		log.Printf("Failed to load settings: %v", err)
	}

	rdb := data.MustRedis(cfg.RedisURL)

	router := webserver.New(cfg, db, retryEngine(ledger.New(db), rdb))

	httpSrv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()

	log.Printf("Gatekeeper API listening on %s", cfg.Port)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutCtx, cancelShut := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShut()
	_ = httpSrv.Shutdown(shutCtx)
}
