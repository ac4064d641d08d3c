// Package config loads runtime settings from the environment, with an
// optional .env file, and applies defaults and sanity limits.
package config

import (
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Session backends.
const (
	SessionMemory = "memory"
	SessionRedis  = "redis"
)

// RateLimit defines per-connection inbound frame throttling.
type RateLimit struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds every setting of the chat server.
type Config struct {
	Port           string
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimit
	SendBufferSize int

	DBDialect string
	DBDSN     string

	SessionBackend string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	SessionTTL     time.Duration

	InternalJWTSecret string

	LogLevel  string
	LogFormat string

	ShutdownTimeout time.Duration
	CookieSecure    bool
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port: ":8000",
		AllowedOrigins: []string{
			"http://localhost:3000",
			"http://127.0.0.1:3000",
		},
		MaxMessageSize: 64 * 1024,
		RateLimit: RateLimit{
			Burst:          20,
			RefillInterval: time.Second,
		},
		SendBufferSize:  256,
		DBDialect:       "sqlite",
		DBDSN:           "chat.db",
		SessionBackend:  SessionMemory,
		RedisAddr:       "localhost:6379",
		SessionTTL:      7 * 24 * time.Hour,
		LogLevel:        "info",
		LogFormat:       "console",
		ShutdownTimeout: 10 * time.Second,
	}
}

// Sanitize replaces missing or out-of-range values with defaults.
func Sanitize(cfg Config) Config {
	def := Default()

	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = def.SendBufferSize
	}
	if cfg.DBDialect == "" {
		cfg.DBDialect = def.DBDialect
	}
	if cfg.DBDSN == "" {
		cfg.DBDSN = def.DBDSN
	}
	switch cfg.SessionBackend {
	case SessionMemory, SessionRedis:
	default:
		cfg.SessionBackend = def.SessionBackend
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = def.RedisAddr
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = def.SessionTTL
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = def.LogFormat
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// Load reads .env from the working directory when present and then the
// process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, errors.Wrap(err, "load .env")
	}
	return FromEnv(), nil
}

// FromEnv builds a sanitized Config from environment variables.
func FromEnv() Config {
	cfg := Default()

	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseList(origins)
	}
	if v := os.Getenv("MAX_MESSAGE_SIZE"); v != "" {
		cfg.MaxMessageSize = parseInt64(v, cfg.MaxMessageSize)
	}
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		cfg.RateLimit.Burst = parseInt(v, cfg.RateLimit.Burst)
	}
	if v := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); v != "" {
		cfg.RateLimit.RefillInterval = parseDuration(v, time.Second, cfg.RateLimit.RefillInterval)
	}
	if v := os.Getenv("SEND_BUFFER_SIZE"); v != "" {
		cfg.SendBufferSize = parseInt(v, cfg.SendBufferSize)
	}
	if v := os.Getenv("DB_DIALECT"); v != "" {
		cfg.DBDialect = strings.ToLower(v)
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DBDSN = v
	}
	if v := os.Getenv("SESSION_BACKEND"); v != "" {
		cfg.SessionBackend = strings.ToLower(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil && db >= 0 {
			cfg.RedisDB = db
		}
	}
	if v := os.Getenv("SESSION_TTL"); v != "" {
		cfg.SessionTTL = parseDuration(v, time.Hour, cfg.SessionTTL)
	}
	cfg.InternalJWTSecret = os.Getenv("INTERNAL_JWT_SECRET")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("SHUTDOWN_TIMEOUT"); v != "" {
		cfg.ShutdownTimeout = parseDuration(v, time.Second, cfg.ShutdownTimeout)
	}
	if v := os.Getenv("COOKIE_SECURE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.CookieSecure = b
		}
	}

	return Sanitize(cfg)
}

func parseList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseInt64(value string, defaultValue int64) int64 {
	if n, err := strconv.ParseInt(value, 10, 64); err == nil && n > 0 {
		return n
	}
	return defaultValue
}

func parseInt(value string, defaultValue int) int {
	if n, err := strconv.Atoi(value); err == nil && n > 0 {
		return n
	}
	return defaultValue
}

// parseDuration reads a positive integer count of unit.
func parseDuration(value string, unit, defaultValue time.Duration) time.Duration {
	if n, err := strconv.Atoi(value); err == nil && n > 0 {
		return time.Duration(n) * unit
	}
	return defaultValue
}
