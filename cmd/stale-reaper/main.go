package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/consultation-orchestrator/internal/config"
	"github.com/hackgods/consultation-orchestrator/internal/consultation"
	"github.com/hackgods/consultation-orchestrator/internal/db"
	"github.com/hackgods/consultation-orchestrator/internal/events"
	"github.com/hackgods/consultation-orchestrator/internal/logging"
	"github.com/hackgods/consultation-orchestrator/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if cfg.StoreDriver != config.StorePostgres {
		log.Fatal("stale-reaper needs STORE_DRIVER=postgres")
	}
	if cfg.StaleOngoingAfter <= 0 {
		log.Fatal("STALE_ONGOING_AFTER must be set to a positive duration")
	}

	log.Info("stale-reaper starting up",
		zap.String("env", cfg.Env),
		zap.Duration("interval", cfg.WorkerInterval),
		zap.Duration("threshold", cfg.StaleOngoingAfter),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	log.Info("connected to Postgres")

	var publisher events.Publisher = events.Nop{}
	if cfg.AMQPURL != "" {
		pub, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			log.Fatal("amqp connection error", zap.Error(err))
		}
		defer func() { _ = pub.Close() }()
		publisher = pub
	}

	st := store.NewPostgres(pgPool)
	journal := events.NewJournal(st, publisher, log.Named("events"))
	svc := consultation.NewService(st, journal, log.Named("consultation"))

	// Run once at startup
	runOnce(rootCtx, svc, cfg.StaleOngoingAfter, log)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info("shutdown signal received, stopping stale-reaper")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc, cfg.StaleOngoingAfter, log)
		}
	}
}

func runOnce(ctx context.Context, svc *consultation.Service, threshold time.Duration, log *zap.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	flagged, err := svc.FlagStale(runCtx, threshold)
	if err != nil {
		log.Error("stale sweep failed", zap.Error(err))
		return
	}
	log.Info("stale sweep complete", zap.Int("flagged", flagged), zap.Duration("took", time.Since(start)))
}
