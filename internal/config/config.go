package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AppConfig holds the configuration of both binaries. Client keys are read by
// cmd/dmclient, the dev gateway keys by cmd/devgateway.
type AppConfig struct {
	APIBaseURL          string
	GatewayURL          string
	Token               string
	Transports          []string
	PageSize            int
	TypingIdle          time.Duration
	RemoteTypingTimeout time.Duration
	EnableFeed          bool

	LogLevel  string
	LogFormat string

	ServerPort  string
	DatabaseURL string
	JWTSecret   string
	TokenMaxAge time.Duration
	DevUsers    map[string]string
	CORSOrigins []string

	// Warnings lists fallbacks taken while loading; logged once a logger exists.
	Warnings []string
}

// LoadConfig loads configuration from environment variables.
// It first tries to load from a .env file if present.
func LoadConfig(envPath ...string) (*AppConfig, error) {
	envFile := ".env"
	if len(envPath) > 0 {
		envFile = envPath[0]
	}

	cfg := &AppConfig{}
	if err := godotenv.Load(envFile); err != nil {
		cfg.warnf("could not load %s file: %v; relying on environment variables", envFile, err)
	}

	cfg.APIBaseURL = strings.TrimRight(cfg.getEnv("API_BASE_URL", "http://localhost:8080/api/v1"), "/")
	cfg.GatewayURL = strings.TrimRight(cfg.getEnv("GATEWAY_URL", "ws://localhost:8080/rt"), "/")
	cfg.Token = cfg.getEnvQuiet("DM_TOKEN", "")
	cfg.Transports = splitList(cfg.getEnv("DM_TRANSPORTS", "websocket,polling"))
	cfg.PageSize = cfg.getInt("DM_PAGE_SIZE", 50)
	cfg.TypingIdle = time.Duration(cfg.getInt("TYPING_IDLE_MS", 2000)) * time.Millisecond
	cfg.RemoteTypingTimeout = time.Duration(cfg.getInt("REMOTE_TYPING_TIMEOUT_MS", 4000)) * time.Millisecond
	cfg.EnableFeed = cfg.getBool("ENABLE_FEED", false)

	cfg.LogLevel = cfg.getEnv("LOG_LEVEL", "info")
	cfg.LogFormat = cfg.getEnv("LOG_FORMAT", "console")

	cfg.ServerPort = cfg.getEnv("PORT", "8080")
	// Empty keeps the dev gateway in memory.
	cfg.DatabaseURL = cfg.getEnvQuiet("DATABASE_URL", "")
	cfg.JWTSecret = cfg.getEnvQuiet("JWT_SECRET", "a_very_long_and_secure_default_secret_key_please_change_this")
	cfg.TokenMaxAge = time.Hour * time.Duration(cfg.getInt("TOKEN_HOURS", 72))
	users, err := parseUsers(cfg.getEnv("DEV_USERS", "alice:password1,bob:password2"))
	if err != nil {
		return nil, err
	}
	cfg.DevUsers = users
	cfg.CORSOrigins = splitList(cfg.getEnv("CORS_ORIGINS", "http://localhost:3000,http://127.0.0.1:3000"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail much later at connect time.
func (c *AppConfig) Validate() error {
	if _, err := url.ParseRequestURI(c.APIBaseURL); err != nil {
		return fmt.Errorf("invalid API_BASE_URL %q: %w", c.APIBaseURL, err)
	}
	u, err := url.ParseRequestURI(c.GatewayURL)
	if err != nil {
		return fmt.Errorf("invalid GATEWAY_URL %q: %w", c.GatewayURL, err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("unsupported GATEWAY_URL scheme %q", u.Scheme)
	}
	for _, t := range c.Transports {
		if t != "websocket" && t != "polling" {
			return fmt.Errorf("unknown transport %q in DM_TRANSPORTS", t)
		}
	}
	if len(c.Transports) == 0 {
		return fmt.Errorf("DM_TRANSPORTS must name at least one transport")
	}
	if c.PageSize <= 0 || c.PageSize > 100 {
		return fmt.Errorf("DM_PAGE_SIZE must be within 1..100, got %d", c.PageSize)
	}
	return nil
}

// getEnv reads an environment variable or returns a default value
func (c *AppConfig) getEnv(key string, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	c.warnf("environment variable %s not set, using fallback value: %s", key, fallback)
	return fallback
}

// getEnvQuiet is getEnv for secrets: the fallback is never echoed.
func (c *AppConfig) getEnvQuiet(key string, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	c.warnf("environment variable %s not set, using built-in default", key)
	return fallback
}

func (c *AppConfig) getInt(key string, fallback int) int {
	raw := c.getEnv(key, strconv.Itoa(fallback))
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		c.warnf("invalid %s value %q, using default %d: %v", key, raw, fallback, err)
		return fallback
	}
	return v
}

func (c *AppConfig) getBool(key string, fallback bool) bool {
	raw := c.getEnv(key, strconv.FormatBool(fallback))
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		c.warnf("invalid %s value %q, using default %t: %v", key, raw, fallback, err)
		return fallback
	}
	return v
}

func (c *AppConfig) warnf(format string, args ...interface{}) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseUsers reads "name:password,name:password".
func parseUsers(raw string) (map[string]string, error) {
	users := make(map[string]string)
	for _, entry := range splitList(raw) {
		name, password, ok := strings.Cut(entry, ":")
		if !ok || name == "" || password == "" {
			return nil, fmt.Errorf("invalid DEV_USERS entry %q, expected name:password", entry)
		}
		users[name] = password
	}
	return users, nil
}
