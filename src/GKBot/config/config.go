package config

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"gorm.io/gorm"

	"github.com/stake-plus/gatekeeper/src/GKApi/data"
)

type Config struct {
	Token            string
	GuildID          string
	FormID           string
	FormURL          string
	FormsCredentials string
	DiscordEntry     string
	MySQLDSN         string
	RedisURL         string
}

// Load reads configuration from the settings table with environment
// fallbacks. Connection strings come from the environment only, since they
// are needed before the database is reachable.
func Load(db *gorm.DB) Config {
	if err := data.LoadSettings(db); err != nil {
		log.Printf("Failed to load settings: %v", err)
	}

	token := data.GetSetting("discord_token")
	if token == "" {
		token = os.Getenv("DISCORD_TOKEN")
	}

	guildID := data.GetSetting("guild_id")
	if guildID == "" {
		guildID = os.Getenv("GUILD_ID")
	}

	formID := data.GetSetting("form_id")
	if formID == "" {
		formID = os.Getenv("FORM_ID")
	}

	formURL := data.GetSetting("form_url")
	if formURL == "" {
		formURL = os.Getenv("FORM_URL")
	}
	if formURL == "" && formID != "" {
		formURL = fmt.Sprintf("https://docs.google.com/forms/d/%s/viewform", formID)
	}

	discordEntry := data.GetSetting("discord_id_entry")
	if discordEntry == "" {
		discordEntry = os.Getenv("DISCORD_ID_ENTRY")
	}

	return Config{
		Token:            token,
		GuildID:          guildID,
		FormID:           formID,
		FormURL:          formURL,
		FormsCredentials: getenv("GOOGLE_CREDENTIALS", "credentials.json"),
		DiscordEntry:     discordEntry,
		MySQLDSN:         getenv("MYSQL_DSN", "gatekeeper:gatekeeper@tcp(127.0.0.1:3306)/gatekeeper?parseTime=true"),
		RedisURL:         getenv("REDIS_URL", "redis://127.0.0.1:6379/0"),
	}
}

// LoadEnv pulls in a local .env file when present.
func LoadEnv() {
	_ = godotenv.Load()
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
