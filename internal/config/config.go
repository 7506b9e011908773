package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port           string
	DatabaseURL    string
	RedisURL       string
	CounterBackend string
	LogLevel       string

	TokenTTL        time.Duration
	ExpiryInterval  time.Duration
	ExpiryBatchSize int

	RateLimitPerMinute        int
	RateLimitBurst            int
	PatientRateLimitPerMinute int
	PatientRateLimitBurst     int
}

func Load() Config {
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:           port,
		DatabaseURL:    os.Getenv("DB_DSN"),
		RedisURL:       os.Getenv("REDIS_URL"),
		CounterBackend: readString("COUNTER_BACKEND", "db"),
		LogLevel:       readString("LOG_LEVEL", "info"),

		TokenTTL:        readDurationSeconds("TOKEN_TTL_SECONDS", 24*60*60),
		ExpiryInterval:  readDurationSeconds("EXPIRY_SCAN_INTERVAL_SECONDS", 60),
		ExpiryBatchSize: readInt("EXPIRY_BATCH_SIZE", 100),

		RateLimitPerMinute:        readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:            readInt("RATE_LIMIT_BURST", 30),
		PatientRateLimitPerMinute: readInt("PATIENT_RATE_LIMIT_PER_MIN", 60),
		PatientRateLimitBurst:     readInt("PATIENT_RATE_LIMIT_BURST", 20),
	}
}

func readString(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
