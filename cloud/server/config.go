package main

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/firewatch-iot/firewatch/pkg/liveness"
)

// config is the full configuration surface of the API server. Everything
// comes from environment variables (optionally seeded from a .env file)
// with defaults suitable for local development.
type config struct {
	httpAddr    string
	metricsAddr string

	storeDriver string // "sqlite" or "redis"
	sqlitePath  string
	redisAddr   string

	onlineWindow     time.Duration
	historyPageLimit int // default page size for /api/history
	exportLimit      int // default row count for spreadsheet export

	adminUser string
	adminPass string
	tokenTTL  time.Duration
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		logger.Warn("invalid integer env var, using default", "key", key, "value", raw, "default", defaultVal)
		return defaultVal
	}
	return n
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		logger.Warn("invalid duration env var, using default", "key", key, "value", raw, "default", defaultVal.String())
		return defaultVal
	}
	return d
}

func loadConfig() config {
	// Best effort: a missing .env file is not an error.
	_ = godotenv.Load()

	return config{
		httpAddr:    getEnv("HTTP_ADDR", ":8080"),
		metricsAddr: getEnv("METRICS_ADDR", ":9091"),

		storeDriver: getEnv("STORE_DRIVER", "sqlite"),
		sqlitePath:  getEnv("SQLITE_PATH", "/tmp/firewatch.db"),
		redisAddr:   getEnv("REDIS_ADDR", "localhost:6379"),

		onlineWindow:     getEnvDuration("ONLINE_WINDOW", liveness.DefaultWindow),
		historyPageLimit: getEnvInt("HISTORY_PAGE_LIMIT", 20),
		exportLimit:      getEnvInt("EXPORT_LIMIT", 500),

		adminUser: getEnv("ADMIN_USER", "admin"),
		adminPass: getEnv("ADMIN_PASS", "123456"),
		tokenTTL:  getEnvDuration("TOKEN_TTL", 12*time.Hour),
	}
}
