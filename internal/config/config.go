package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPPort       int
	DBPath         string
	AuthSecret     string
	APIURL         string
	BackendTimeout time.Duration
	LogLevel       slog.Level
	LogFormat      string
	SessionMaxAge  time.Duration
	SessionIdle    time.Duration
	SecureCookies  bool
}

func Load() Config {
	return Config{
		HTTPPort:       getEnvInt("HTTP_PORT", 3030),
		DBPath:         getEnvString("DB_PATH", ""),
		AuthSecret:     getEnvString("AUTH_SECRET", ""),
		APIURL:         strings.TrimRight(getEnvString("API_URL", "http://localhost:5000"), "/"),
		BackendTimeout: getEnvDuration("BACKEND_TIMEOUT", 0),
		LogLevel:       ParseLevel(getEnvString("LOG_LEVEL", "info")),
		LogFormat:      strings.ToLower(getEnvString("LOG_FORMAT", "text")),
		SessionMaxAge:  getEnvDuration("SESSION_MAX_AGE", 30*24*time.Hour),
		SessionIdle:    getEnvDuration("SESSION_IDLE", time.Hour),
		SecureCookies:  getEnvBool("SECURE_COOKIES", false),
	}
}

// ParseLevel maps debug, info, warn and error to a slog level. Anything else
// is info.
func ParseLevel(raw string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func getEnvString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(strings.TrimSpace(value))
		if err == nil && parsed >= 0 {
			return parsed
		}
	}
	return fallback
}
