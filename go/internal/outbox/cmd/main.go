package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/plateful/opsrelay/go/internal/dbconfig"
	"github.com/plateful/opsrelay/go/internal/dispatch"
	"github.com/plateful/opsrelay/go/internal/outbox"
)

func main() {
	once := flag.Bool("once", false, "run a single cycle and exit (cron mode)")
	rulesPath := flag.String("rules", os.Getenv("DISPATCH_RULES_FILE"), "yaml file of event-type prefix to channel rules")
	flag.Parse()

	// load .env
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg := dbconfig.NewConfigFromEnv()
	dsn := cfg.DSN()
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatal().Err(err).Msg("ping database")
	}
	log.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("database", cfg.Database).
		Msg("connected to database")

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := outbox.EnsureSchema(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	rules, err := dispatch.LoadRules(*rulesPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load dispatch rules")
	}

	clock := clockwork.NewRealClock()
	registry := dispatch.NewRegistryFromEnv(rules, clock)

	store := outbox.NewStore(db)
	workerCfg := outbox.ConfigFromEnv()
	metrics := outbox.NewInMemoryMetrics()
	dispatcher := outbox.NewMetricDispatcher(registry, metrics)
	worker := outbox.NewWorker(store, dispatcher, workerCfg, clock, log.Logger).
		WithMetrics(metrics)

	if *once {
		if err := worker.RunOnce(ctx); err != nil {
			log.Fatal().Err(err).Msg("outbox cycle failed")
		}
		return
	}

	if err := worker.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start worker")
	}

	// LISTEN/NOTIFY wake-up with fallback polling
	ltCfg := outbox.DefaultListenerConfig()
	ltCfg.DatabaseURL = dsn
	if iv := os.Getenv("FALLBACK_INTERVAL"); iv != "" {
		if d, err := time.ParseDuration(iv); err == nil {
			ltCfg.FallbackInterval = d
		}
	}

	listener, err := outbox.NewListener(worker, ltCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("create outbox listener")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- listener.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
		if err := worker.Stop(); err != nil {
			log.Error().Err(err).Msg("stop worker")
		}
		snap := metrics.Snapshot()
		log.Info().
			Uint64("attempts", snap.Attempts).
			Uint64("failures", snap.Failures).
			Uint64("dead_lettered", snap.DeadLettered).
			Int("lag", snap.Lag).
			Msg("graceful shutdown complete")
	case err := <-errCh:
		log.Error().Err(err).Msg("listener exited unexpectedly")
		if stopErr := worker.Stop(); stopErr != nil {
			log.Error().Err(stopErr).Msg("stop worker")
		}
	}
}
