package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/plateful/opsrelay/go/internal/dbconfig"
	"github.com/plateful/opsrelay/go/internal/outbox"
	"github.com/plateful/opsrelay/go/internal/syncoutbox"
)

func main() {
	once := flag.Bool("once", false, "run a single cycle and exit (cron mode)")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg := dbconfig.NewConfigFromEnv()
	db, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatal().Err(err).Msg("ping database")
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := outbox.EnsureSchema(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	jsCfg := syncoutbox.DefaultJetStreamConfig()
	if url := os.Getenv("NATS_URL"); url != "" {
		jsCfg.URL = url
	}
	publisher, err := syncoutbox.NewJetStreamPublisher(jsCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("create JetStream publisher")
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Error().Err(err).Msg("close publisher")
		}
	}()

	repo := syncoutbox.NewRepository(db)
	worker := syncoutbox.NewWorker(repo, publisher, syncoutbox.DefaultConfig(), clockwork.NewRealClock(), log.Logger)

	if *once {
		if err := worker.RunOnce(ctx); err != nil {
			log.Fatal().Err(err).Msg("sync cycle failed")
		}
		return
	}

	if err := worker.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start worker")
	}

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")
	if err := worker.Stop(); err != nil {
		log.Error().Err(err).Msg("stop worker")
	}
	log.Info().Msg("graceful shutdown complete")
}
