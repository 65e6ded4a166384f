// Minimal end-to-end integration test for the Gatekeeper API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	baseURL  = getenv("API_URL", "http://localhost:8080/v1")
	redisURL = getenv("REDIS_URL", "redis://127.0.0.1:6379/0")
	adminKey = getenv("ADMIN_KEY", "")
)

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	if adminKey == "" {
		log.Fatal("ADMIN_KEY must be set")
	}

	token := login()
	total := listApplications(token)
	stats(token)
	outcomes(token)
	tailEvents()

	fmt.Printf("✓ all endpoints passed (%d applications)\n", total)
}

// ----------------------------- auth

func login() string {
	body, _ := json.Marshal(map[string]string{"key": adminKey})
	resp, err := http.Post(baseURL+"/auth/login", "application/json", bytes.NewReader(body))
	must(err)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("login: status %d", resp.StatusCode)
	}

	var out struct {
		Token string `json:"token"`
	}
	must(json.NewDecoder(resp.Body).Decode(&out))
	return out.Token
}

// ----------------------------- endpoints

func get(token, path string, out interface{}) {
	req, err := http.NewRequest("GET", baseURL+path, nil)
	must(err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	must(err)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("GET %s: status %d", path, resp.StatusCode)
	}
	must(json.NewDecoder(resp.Body).Decode(out))
}

func listApplications(token string) int64 {
	var out struct {
		Total int64 `json:"total"`
	}
	get(token, "/applications", &out)
	fmt.Printf("applications: %d total\n", out.Total)
	return out.Total
}

func stats(token string) {
	var out map[string]interface{}
	get(token, "/stats", &out)
	fmt.Printf("stats: %v\n", out)
}

func outcomes(token string) {
	var out struct {
		Items []json.RawMessage `json:"items"`
	}
	get(token, "/admin/outcomes", &out)
	fmt.Printf("pending outcome failures: %d\n", len(out.Items))
}

// ----------------------------- events

func tailEvents() {
	opt, err := redis.ParseURL(redisURL)
	must(err)
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgs, err := rdb.XRevRangeN(ctx, "gatekeeper.events", "+", "-", 5).Result()
	if err != nil {
		log.Printf("events: %v", err)
		return
	}
	for _, m := range msgs {
		fmt.Printf("event %s: %v %v\n", m.ID, m.Values["event"], m.Values["app_id"])
	}
}

func must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}
