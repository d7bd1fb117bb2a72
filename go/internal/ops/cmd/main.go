package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/plateful/opsrelay/go/internal/dbconfig"
	"github.com/plateful/opsrelay/go/internal/dispatch"
	"github.com/plateful/opsrelay/go/internal/ops"
	"github.com/plateful/opsrelay/go/internal/outbox"
	"github.com/plateful/opsrelay/go/internal/ratelimit"
)

func main() {
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

	clock := clockwork.NewRealClock()
	store := outbox.NewStore(db)

	// The ops binary runs its own worker so /healthz reflects live
	// processing stats even in single-binary deployments. It carries the
	// full provider registry: a replica that claims events it cannot
	// deliver would burn their retries.
	rules, err := dispatch.LoadRules(os.Getenv("DISPATCH_RULES_FILE"))
	if err != nil {
		log.Fatal().Err(err).Msg("load dispatch rules")
	}
	registry := dispatch.NewRegistryFromEnv(rules, clock)
	metrics := outbox.NewInMemoryMetrics()
	dispatcher := outbox.NewMetricDispatcher(registry, metrics)
	worker := outbox.NewWorker(store, dispatcher, outbox.ConfigFromEnv(), clock, log.Logger).
		WithMetrics(metrics)
	if err := worker.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start worker")
	}

	health := outbox.NewWorkerHealthChecker(worker, db, store, nil, 5*time.Minute)
	limiter := ratelimit.NewLimiter(db, 60, time.Minute, clock)

	// Expired counter rows reset on next use; the sweep just keeps the
	// table small.
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := limiter.Sweep(ctx); err != nil {
					log.Error().Err(err).Msg("sweep expired counters")
				}
			}
		}
	}()

	origins := []string{"*"}
	if v := os.Getenv("OPS_ALLOWED_ORIGINS"); v != "" {
		origins = strings.Split(v, ",")
	}

	addr := os.Getenv("OPS_LISTEN_ADDR")
	if addr == "" {
		addr = ":8090"
	}

	server := &http.Server{
		Addr:    addr,
		Handler: ops.NewServer(store, health, limiter, metrics).Handler(origins),
	}

	go func() {
		log.Info().Str("addr", addr).Msg("ops server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("ops server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")
	if err := worker.Stop(); err != nil {
		log.Error().Err(err).Msg("stop worker")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("ops server shutdown")
	}
	log.Info().Msg("graceful shutdown complete")
}
