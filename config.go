package main

import (
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

func loadConfig() config {
	adminToken := strings.TrimSpace(os.Getenv("ADMIN_TOKEN"))
	if adminToken == "" {
		log.Printf("warning: ADMIN_TOKEN is empty, admin API is open")
	}

	syncToken := strings.TrimSpace(os.Getenv("SYNC_TOKEN"))
	if syncToken == "" {
		syncToken = adminToken
	}

	return config{
		HTTPListen:      envOrDefault("HTTP_LISTEN", ":8080"),
		DBPath:          envOrDefault("DB_PATH", "lego-provider.db"),
		AdminToken:      adminToken,
		SyncToken:       syncToken,
		Peers:           splitCSV(os.Getenv("PEERS")),
		NotifyCommand:   strings.TrimSpace(os.Getenv("NOTIFY_COMMAND")),
		NotifyTimeout:   time.Duration(envOrDefaultUint32("NOTIFY_TIMEOUT_SECONDS", 10)) * time.Second,
		ChallengePrefix: envOrDefault("CHALLENGE_PREFIX", "_acme-challenge."),
		DefaultTTL:      envOrDefaultUint32("DEFAULT_TTL", 600),
		SyncHTTPClient: &http.Client{
			Timeout: 2 * time.Second,
		},
	}
}

func splitCSV(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}

	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}

	return out
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envOrDefaultUint32(key string, fallback uint32) uint32 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}

	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil || n == 0 {
		return fallback
	}

	return uint32(n)
}
