package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harsh7274v/confiido-paywatch/internal/booking"
	"github.com/harsh7274v/confiido-paywatch/internal/config"
	"github.com/harsh7274v/confiido-paywatch/internal/events"
	"github.com/harsh7274v/confiido-paywatch/internal/expiry"
	"github.com/harsh7274v/confiido-paywatch/internal/gateway"
	"github.com/harsh7274v/confiido-paywatch/internal/handled"
	"github.com/harsh7274v/confiido-paywatch/internal/sessions"
	"github.com/harsh7274v/confiido-paywatch/internal/timeout"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	configPath := flag.String("config", "paywatch.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.API.Token == "" {
		log.Warn().Msg("no API token configured; reconciliation calls will fail until one is set")
	}

	clock := clockwork.NewRealClock()

	store := buildHandledStore(cfg)
	handledSet := handled.NewSet(store)

	publisher, closePublisher := buildPublisher(cfg)
	defer closePublisher()

	client := booking.NewClient(cfg.API.BaseURL, cfg.API.Token, booking.WithClock(clock))
	registry := timeout.NewRegistry(clock)

	viewCfg := sessions.DefaultConfig()
	viewCfg.PageLimit = cfg.PageLimit
	viewCfg.RefreshInterval = cfg.RefreshInterval

	view := sessions.NewView(client, registry, handledSet, publisher, nil, clock, viewCfg)
	gw := gateway.NewServer(cfg.Gateway.Addr, view, clock, gateway.DefaultConnectionConfig())
	view.SetNotifier(gw)

	detector := expiry.NewDetector(view, registry, handledSet, clock)
	if cfg.TickInterval > 0 {
		detector.SetTickInterval(cfg.TickInterval)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The handled set must be loaded before the first detection tick, or a
	// restart could re-issue cancellations for sessions already processed.
	handledSet.Load(ctx)

	log.Info().
		Str("api", cfg.API.BaseURL).
		Str("handled_backend", cfg.Handled.Backend).
		Str("gateway", cfg.Gateway.Addr).
		Msg("starting payment session watcher")

	if err := view.Refresh(ctx); err != nil {
		log.Error().Err(err).Msg("initial session fetch failed, continuing with empty list")
	}

	go view.RunRefreshLoop(ctx)
	go detector.Run(ctx)
	go func() {
		if err := gw.Run(ctx); err != nil {
			log.Error().Err(err).Msg("gateway failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	cancel()

	// Give in-flight reconciliation calls a moment to finish.
	time.Sleep(2 * time.Second)
	log.Info().Msg("payment session watcher shutdown complete")
}

func buildHandledStore(cfg config.Config) handled.Store {
	switch cfg.Handled.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return handled.NewRedisStore(client, cfg.Handled.RedisKey)
	case "memory":
		return nil
	default:
		return handled.NewFileStore(cfg.Handled.FilePath)
	}
}

func buildPublisher(cfg config.Config) (events.Publisher, func()) {
	if cfg.NATS.URL == "" {
		return events.NewLogPublisher(), func() {}
	}

	jsCfg := events.DefaultJetStreamConfig()
	jsCfg.URL = cfg.NATS.URL
	publisher, err := events.NewJetStreamPublisher(jsCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect event publisher")
	}
	return publisher, func() {
		if err := publisher.Close(); err != nil {
			log.Error().Err(err).Msg("close event publisher")
		}
	}
}
