package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port     string
	Env      string
	LogLevel string

	// Database (비어 있으면 영속화 없이 동작)
	DatabaseURL string

	// Redis (비어 있으면 단일 인스턴스 메모리 모드)
	RedisURL string

	// Match ticket
	JWTSecret        string
	TicketExpiration time.Duration

	// CORS
	CORSAllowedOrigins []string

	// Matchmaking
	QueueName       string
	PairingInterval time.Duration
	QueueEntryTTL   time.Duration
	MaxRatingRange  int

	// Match timings
	SelectionWindow time.Duration
	Countdown       time.Duration
	MoveWindow      time.Duration
	RoundBreak      time.Duration
	ReconnectWindow time.Duration
	MaxIdleTurns    int

	// Collaborators
	SettlementURL        string
	SettlementContractID string
	ProverURL            string

	// Storage
	StoragePath string

	// Rate limit
	RateLimitPerMinute int
}

func Load() (*Config, error) {
	// .env 파일 로드 (있는 경우)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		Env:                  getEnv("ENV", "development"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		DatabaseURL:          getEnv("DATABASE_URL", ""),
		RedisURL:             getEnv("REDIS_URL", ""),
		JWTSecret:            getEnv("JWT_SECRET", "change-me"),
		TicketExpiration:     parseDuration(getEnv("TICKET_EXPIRATION", "2h"), 2*time.Hour),
		CORSAllowedOrigins:   splitList(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")),
		QueueName:            getEnv("QUEUE_NAME", "ranked"),
		PairingInterval:      parseDuration(getEnv("PAIRING_INTERVAL", "1s"), time.Second),
		QueueEntryTTL:        parseDuration(getEnv("QUEUE_ENTRY_TTL", "10m"), 10*time.Minute),
		MaxRatingRange:       parseInt(getEnv("MAX_RATING_RANGE", "500"), 500),
		SelectionWindow:      parseDuration(getEnv("SELECTION_WINDOW", "30s"), 30*time.Second),
		Countdown:            parseDuration(getEnv("COUNTDOWN", "3s"), 3*time.Second),
		MoveWindow:           parseDuration(getEnv("MOVE_WINDOW", "15s"), 15*time.Second),
		RoundBreak:           parseDuration(getEnv("ROUND_BREAK", "3s"), 3*time.Second),
		ReconnectWindow:      parseDuration(getEnv("RECONNECT_WINDOW", "15s"), 15*time.Second),
		MaxIdleTurns:         parseInt(getEnv("MAX_IDLE_TURNS", "3"), 3),
		SettlementURL:        getEnv("SETTLEMENT_URL", ""),
		SettlementContractID: getEnv("SETTLEMENT_CONTRACT_ID", ""),
		ProverURL:            getEnv("PROVER_URL", ""),
		StoragePath:          getEnv("STORAGE_PATH", "./storage"),
		RateLimitPerMinute:   parseInt(getEnv("RATE_LIMIT_PER_MINUTE", "120"), 120),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func parseInt(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
