package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/sharedo/internal/auth"
	"github.com/Tyrowin/sharedo/internal/chat"
	"github.com/Tyrowin/sharedo/internal/config"
	"github.com/Tyrowin/sharedo/internal/membership"
	"github.com/Tyrowin/sharedo/internal/notify"
	"github.com/Tyrowin/sharedo/internal/presence"
	"github.com/Tyrowin/sharedo/internal/realtime"
	"github.com/Tyrowin/sharedo/internal/server"
	"github.com/Tyrowin/sharedo/internal/store"
)

const (
	serviceName = "sharedo"
	version     = "0.1.0"
)

func main() {
	config.LoadDotEnv()

	cfg := config.Default()
	app := &cli.App{
		Name:    serviceName,
		Usage:   "realtime collaboration server",
		Version: version,
		Flags:   config.Flags(&cfg),
		Action: func(c *cli.Context) error {
			cfg = cfg.Sanitize()
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(c.Context, cfg, newLogger(cfg))
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) zerolog.Logger {
	if cfg.IsDevelopment() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			Level(zerolog.DebugLevel).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).Level(zerolog.InfoLevel).With().
		Timestamp().
		Str("service", serviceName).
		Str("version", version).
		Logger()
}

// backends holds the opened stores and whatever must be released on exit.
type backends struct {
	stores  store.Stores
	checks  map[string]server.Pinger
	closers []func()
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackends(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*backends, error) {
	b := &backends{checks: make(map[string]server.Pinger)}

	switch cfg.StoreDriver {
	case config.StorePostgres:
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, pg.Close)
		b.checks["postgres"] = pg
		b.stores = pg.Stores()
		logger.Info().Msg("connected to postgres")
	default:
		mem := store.NewMemory()
		b.stores = mem.Stores()
		logger.Warn().Msg("using in-memory store, data is lost on restart")
	}

	if cfg.MessageStore == config.MessageStoreMongo {
		mg, err := store.NewMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			b.close()
			return nil, err
		}
		b.closers = append(b.closers, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := mg.Close(closeCtx); err != nil {
				logger.Warn().Err(err).Msg("error disconnecting from mongodb")
			}
		})
		b.checks["mongo"] = mg
		b.stores.Messages = mg
		b.stores.Reactions = mg
		logger.Info().Str("database", cfg.MongoDatabase).Msg("messages stored in mongodb")
	}

	return b, nil
}

func run(parent context.Context, cfg config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("env", cfg.Env).Str("store", cfg.StoreDriver).Msg("starting sharedo")

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.close()

	var mirror *presence.RedisMirror
	var tracker *presence.Tracker
	if cfg.RedisURL != "" {
		mirror, err = presence.NewRedisMirror(ctx, cfg.RedisURL, logger)
		if err != nil {
			return err
		}
		defer mirror.Close()
		b.checks["redis"] = mirror
		tracker = presence.NewTracker(mirror)
	} else {
		tracker = presence.NewTracker(nil)
	}

	hub := realtime.NewHub(tracker, logger)
	guard := membership.NewGuard(b.stores.Members, logger)
	router := notify.NewRouter(hub, logger)
	pipeline := chat.NewPipeline(guard, b.stores, hub, router, chat.Options{
		MaxTextLength: cfg.MaxTextLength,
		HistoryLimit:  cfg.HistoryLimit,
	}, logger)
	authn := auth.NewAuthenticator(cfg.JWTSecret, cfg.TokenTTL)

	gateway := realtime.NewGateway(hub, authn, guard, pipeline, realtime.NewOriginPolicy(cfg.AllowedOrigins, logger), realtime.GatewayOptions{
		Limits: realtime.Limits{
			MaxMessageSize: cfg.MaxMessageSize,
			SendQueueSize:  cfg.SendQueueSize,
			RateBurst:      cfg.RateLimit.Burst,
			RateInterval:   cfg.RateLimit.RefillInterval,
		},
		StoreTimeout: cfg.StoreTimeout,
	}, logger)

	httpServer := server.CreateServer(cfg.Port, server.SetupRoutes(server.Deps{
		Gateway:        gateway,
		Tokens:         authn,
		Chat:           pipeline,
		Presence:       tracker,
		Connections:    hub,
		Checks:         b.checks,
		AllowedOrigins: cfg.AllowedOrigins,
		SessionCookie:  cfg.SessionCookie,
		Logger:         logger,
	}))

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		hub.Run()
		return nil
	})
	if mirror != nil {
		group.Go(func() error { return mirror.Run(gctx) })
	}
	group.Go(func() error {
		return server.StartServer(httpServer, logger)
	})
	group.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutdown signal received")

		serverErr := server.ShutdownServer(httpServer, cfg.ShutdownTimeout, logger)
		if err := hub.Shutdown(cfg.ShutdownTimeout); err != nil {
			logger.Warn().Err(err).Msg("hub shutdown incomplete")
		}
		return serverErr
	})

	if err := group.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
