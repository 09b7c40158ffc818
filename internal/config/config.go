package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type AuthMode string

const (
	AuthModeAPIKey AuthMode = "apikey"
	AuthModeLogin  AuthMode = "login"
)

const DefaultBackendURL = "https://api-rag-6qqf.onrender.com"

type Config struct {
	BackendURL      string
	AuthMode        AuthMode
	APIKey          string
	AdminPassword   string
	MultiCourse     bool
	HTTPPort        string
	LogLevel        string
	LogFile         string
	SessionSecret   string
	SessionStore    string
	SessionTTL      time.Duration
	SecureCookie    bool
	DatabaseURL     string
	RedisURL        string
	DisplayTimezone string
	HTTPTimeout     time.Duration
}

var AppConfig Config

// LoadConfig populates AppConfig and aborts the process when the configuration is unusable.
func LoadConfig() {
	err := godotenv.Load() // Load .env file if it exists
	if err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg, err := FromEnv()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	AppConfig = cfg
}

// FromEnv reads the configuration from the process environment without touching AppConfig.
func FromEnv() (Config, error) {
	cfg := Config{
		BackendURL:      strings.TrimRight(getEnv("BACKEND_URL", DefaultBackendURL), "/"),
		AuthMode:        AuthMode(strings.ToLower(getEnv("AUTH_MODE", string(AuthModeAPIKey)))),
		APIKey:          getEnv("API_BACKEND_KEY", ""),
		AdminPassword:   getEnv("ADMIN_PASSWORD", ""),
		MultiCourse:     getEnvAsBool("MULTI_COURSE", true),
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		LogLevel:        strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFile:         getEnv("LOG_FILE", ""),
		SessionSecret:   getEnv("SESSION_SECRET", ""),
		SessionStore:    strings.ToLower(getEnv("SESSION_STORE", "memory")),
		SessionTTL:      getEnvAsDuration("SESSION_TTL", 24*time.Hour),
		SecureCookie:    getEnvAsBool("COOKIE_SECURE", false),
		DatabaseURL:     getEnv("DATABASE_URL", "coursechat_sessions.db"),
		RedisURL:        getEnv("REDIS_URL", "redis://localhost:6379/0"),
		DisplayTimezone: getEnv("DISPLAY_TIMEZONE", "Local"),
		HTTPTimeout:     getEnvAsDuration("HTTP_TIMEOUT", 120*time.Second),
	}

	if cfg.BackendURL == "" {
		return cfg, fmt.Errorf("BACKEND_URL environment variable is required")
	}

	switch cfg.AuthMode {
	case AuthModeAPIKey:
		if cfg.APIKey == "" {
			return cfg, fmt.Errorf("API_BACKEND_KEY environment variable is required in %s mode", cfg.AuthMode)
		}
		if cfg.AdminPassword == "" {
			return cfg, fmt.Errorf("ADMIN_PASSWORD environment variable is required in %s mode", cfg.AuthMode)
		}
	case AuthModeLogin:
	default:
		return cfg, fmt.Errorf("unsupported AUTH_MODE %q (want %q or %q)", cfg.AuthMode, AuthModeAPIKey, AuthModeLogin)
	}

	if _, err := cfg.Location(); err != nil {
		return cfg, fmt.Errorf("invalid DISPLAY_TIMEZONE %q: %w", cfg.DisplayTimezone, err)
	}

	return cfg, nil
}

// ValidateGateway checks the settings only the HTTP gateway needs.
func (c Config) ValidateGateway() error {
	if c.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET environment variable is required")
	}
	switch c.SessionStore {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("unsupported SESSION_STORE %q", c.SessionStore)
	}
	return nil
}

func (c Config) Location() (*time.Location, error) {
	if c.DisplayTimezone == "" || c.DisplayTimezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.DisplayTimezone)
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil && value > 0 {
		return value
	}
	return defaultValue
}
