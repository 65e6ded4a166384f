package config

import (
	"log"
	"os"

	"github.com/joho/godotenv"
)

type Config struct {
	MySQLDSN  string
	RedisURL  string
	JWTSecret string
	AdminKey  string
	Port      string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		if def == "" {
			log.Fatalf("missing env %s", key)
		}
		return def
	}
	return v
}

// Load reads the API configuration from the environment, pulling in a local
// .env file when present. Secrets have no defaults on purpose.
func Load() Config {
	_ = godotenv.Load()
	return Config{
		MySQLDSN:  getenv("MYSQL_DSN", "gatekeeper:gatekeeper@tcp(127.0.0.1:3306)/gatekeeper?parseTime=true"),
		RedisURL:  getenv("REDIS_URL", "redis://127.0.0.1:6379/0"),
		JWTSecret: getenv("JWT_SECRET", ""),
		AdminKey:  getenv("ADMIN_KEY", ""),
		Port:      getenv("PORT", "8080"),
	}
}
