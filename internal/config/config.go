// Package config defines the runtime settings of the sharedo server, their
// defaults and the command line flags that populate them.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	MessageStorePrimary = "primary"
	MessageStoreMongo   = "mongo"
)

const developmentSecret = "dev_secret_change_me"

// RateLimitConfig defines the parameters for per-connection frame rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the server configuration.
type Config struct {
	Port           string
	Env            string
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig

	JWTSecret     string
	TokenTTL      time.Duration
	SessionCookie string

	MaxTextLength int
	SendQueueSize int
	HistoryLimit  int

	StoreDriver   string
	DatabaseURL   string
	MessageStore  string
	MongoURI      string
	MongoDatabase string
	RedisURL      string

	StoreTimeout    time.Duration
	ShutdownTimeout time.Duration

	origins string
}

// Default returns a Config populated with default values for all settings.
func Default() Config {
	return Config{
		Port:           ":8080",
		Env:            "development",
		AllowedOrigins: []string{"http://localhost:8080"},
		MaxMessageSize: 16384,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		TokenTTL:        time.Hour,
		SessionCookie:   "token",
		MaxTextLength:   2000,
		SendQueueSize:   256,
		HistoryLimit:    200,
		StoreDriver:     StoreMemory,
		MessageStore:    MessageStorePrimary,
		MongoDatabase:   "sharedo",
		StoreTimeout:    5 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// LoadDotEnv loads a .env file into the environment if one exists.
func LoadDotEnv() {
	_ = godotenv.Load()
}

// IsDevelopment returns true if running in development mode.
func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

// Sanitize replaces invalid values with defaults and resolves the raw origin
// list collected from flags.
func (c Config) Sanitize() Config {
	def := Default()

	if c.origins != "" {
		c.AllowedOrigins = parseOrigins(c.origins)
		c.origins = ""
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = def.AllowedOrigins
	}

	if c.Port == "" {
		c.Port = def.Port
	} else if !strings.Contains(c.Port, ":") {
		c.Port = ":" + c.Port
	}
	if c.Env == "" {
		c.Env = def.Env
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = def.TokenTTL
	}
	if c.SessionCookie == "" {
		c.SessionCookie = def.SessionCookie
	}
	if c.MaxTextLength <= 0 {
		c.MaxTextLength = def.MaxTextLength
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = def.HistoryLimit
	}
	if c.StoreDriver == "" {
		c.StoreDriver = def.StoreDriver
	}
	if c.MessageStore == "" {
		c.MessageStore = def.MessageStore
	}
	if c.MongoDatabase == "" {
		c.MongoDatabase = def.MongoDatabase
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = def.StoreTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.JWTSecret == "" && c.IsDevelopment() {
		c.JWTSecret = developmentSecret
	}
	return c
}

// Validate reports settings that cannot be defaulted.
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required outside development")
	}
	switch c.StoreDriver {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres store")
		}
	default:
		return errors.New("unknown store driver " + c.StoreDriver)
	}
	switch c.MessageStore {
	case MessageStorePrimary:
	case MessageStoreMongo:
		if c.MongoURI == "" {
			return errors.New("MONGO_URI is required for the mongo message store")
		}
	default:
		return errors.New("unknown message store " + c.MessageStore)
	}
	return nil
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
