package config

import (
	"strings"

	"github.com/urfave/cli/v2"
)

// Flags binds every setting of cfg to a command line flag with an environment
// variable fallback. Values already in cfg become the flag defaults.
func Flags(cfg *Config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "port",
			Usage:       "address to listen on",
			Value:       cfg.Port,
			EnvVars:     []string{"SERVER_PORT", "PORT"},
			Destination: &cfg.Port,
		},
		&cli.StringFlag{
			Name:        "env",
			Usage:       "environment",
			Value:       cfg.Env,
			EnvVars:     []string{"ENV"},
			Destination: &cfg.Env,
		},
		&cli.StringFlag{
			Name:        "allowed-origins",
			Usage:       "comma separated websocket and CORS origins, * allows any",
			Value:       strings.Join(cfg.AllowedOrigins, ","),
			EnvVars:     []string{"ALLOWED_ORIGINS"},
			Destination: &cfg.origins,
		},
		&cli.Int64Flag{
			Name:        "max-message-size",
			Usage:       "largest inbound websocket frame in bytes",
			Value:       cfg.MaxMessageSize,
			EnvVars:     []string{"MAX_MESSAGE_SIZE"},
			Destination: &cfg.MaxMessageSize,
		},
		&cli.IntFlag{
			Name:        "rate-limit-burst",
			Usage:       "frames a connection may send in a burst",
			Value:       cfg.RateLimit.Burst,
			EnvVars:     []string{"RATE_LIMIT_BURST"},
			Destination: &cfg.RateLimit.Burst,
		},
		&cli.DurationFlag{
			Name:        "rate-limit-refill",
			Usage:       "interval at which one frame of burst is refilled",
			Value:       cfg.RateLimit.RefillInterval,
			EnvVars:     []string{"RATE_LIMIT_REFILL_INTERVAL"},
			Destination: &cfg.RateLimit.RefillInterval,
		},
		&cli.StringFlag{
			Name:        "jwt-secret",
			Usage:       "HMAC secret for session and realtime tokens",
			EnvVars:     []string{"JWT_SECRET"},
			Destination: &cfg.JWTSecret,
		},
		&cli.DurationFlag{
			Name:        "token-ttl",
			Usage:       "lifetime of issued realtime tokens",
			Value:       cfg.TokenTTL,
			EnvVars:     []string{"TOKEN_TTL"},
			Destination: &cfg.TokenTTL,
		},
		&cli.StringFlag{
			Name:        "session-cookie",
			Usage:       "name of the cookie carrying the session token",
			Value:       cfg.SessionCookie,
			EnvVars:     []string{"SESSION_COOKIE"},
			Destination: &cfg.SessionCookie,
		},
		&cli.IntFlag{
			Name:        "max-text-length",
			Usage:       "messages are truncated to this many characters",
			Value:       cfg.MaxTextLength,
			EnvVars:     []string{"MAX_TEXT_LENGTH"},
			Destination: &cfg.MaxTextLength,
		},
		&cli.IntFlag{
			Name:        "send-queue-size",
			Usage:       "outbound frames buffered per connection before eviction",
			Value:       cfg.SendQueueSize,
			EnvVars:     []string{"SEND_QUEUE_SIZE"},
			Destination: &cfg.SendQueueSize,
		},
		&cli.IntFlag{
			Name:        "history-limit",
			Usage:       "messages returned by the history endpoint",
			Value:       cfg.HistoryLimit,
			EnvVars:     []string{"HISTORY_LIMIT"},
			Destination: &cfg.HistoryLimit,
		},
		&cli.StringFlag{
			Name:        "store",
			Usage:       "primary store driver: memory or postgres",
			Value:       cfg.StoreDriver,
			EnvVars:     []string{"STORE_DRIVER"},
			Destination: &cfg.StoreDriver,
		},
		&cli.StringFlag{
			Name:        "database-url",
			Usage:       "postgres connection string",
			EnvVars:     []string{"DATABASE_URL"},
			Destination: &cfg.DatabaseURL,
		},
		&cli.StringFlag{
			Name:        "message-store",
			Usage:       "where messages and reactions live: primary or mongo",
			Value:       cfg.MessageStore,
			EnvVars:     []string{"MESSAGE_STORE"},
			Destination: &cfg.MessageStore,
		},
		&cli.StringFlag{
			Name:        "mongo-uri",
			Usage:       "mongodb connection string",
			EnvVars:     []string{"MONGO_URI"},
			Destination: &cfg.MongoURI,
		},
		&cli.StringFlag{
			Name:        "mongo-database",
			Usage:       "mongodb database name",
			Value:       cfg.MongoDatabase,
			EnvVars:     []string{"MONGO_DATABASE"},
			Destination: &cfg.MongoDatabase,
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Usage:       "redis url for the presence mirror, empty disables it",
			EnvVars:     []string{"REDIS_URL"},
			Destination: &cfg.RedisURL,
		},
		&cli.DurationFlag{
			Name:        "store-timeout",
			Usage:       "deadline for a single store operation",
			Value:       cfg.StoreTimeout,
			EnvVars:     []string{"STORE_TIMEOUT"},
			Destination: &cfg.StoreTimeout,
		},
		&cli.DurationFlag{
			Name:        "shutdown-timeout",
			Usage:       "grace period for draining connections on shutdown",
			Value:       cfg.ShutdownTimeout,
			EnvVars:     []string{"SHUTDOWN_TIMEOUT"},
			Destination: &cfg.ShutdownTimeout,
		},
	}
}
