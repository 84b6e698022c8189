package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/consultation-orchestrator/internal/api"
	"github.com/hackgods/consultation-orchestrator/internal/auth"
	"github.com/hackgods/consultation-orchestrator/internal/booking"
	"github.com/hackgods/consultation-orchestrator/internal/config"
	"github.com/hackgods/consultation-orchestrator/internal/consultation"
	"github.com/hackgods/consultation-orchestrator/internal/db"
	"github.com/hackgods/consultation-orchestrator/internal/events"
	"github.com/hackgods/consultation-orchestrator/internal/gateway"
	"github.com/hackgods/consultation-orchestrator/internal/logging"
	"github.com/hackgods/consultation-orchestrator/internal/messaging"
	redisclient "github.com/hackgods/consultation-orchestrator/internal/redis"
	"github.com/hackgods/consultation-orchestrator/internal/session"
	"github.com/hackgods/consultation-orchestrator/internal/store"
)

var version = "dev"

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

	if err := run(cfg, log); err != nil {
		log.Fatal("api-server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	log.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort),
		zap.String("store", cfg.StoreDriver),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(rootCtx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	rdb, err := redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		return fmt.Errorf("redis connection: %w", err)
	}
	var locker redisclient.Locker
	if rdb != nil {
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Warn("error closing redis", zap.Error(err))
			}
		}()
		locker = redisclient.NewSlotLocker(rdb, cfg.LockTTL)
		log.Info("connected to Redis")
	} else {
		log.Warn("REDIS_ADDR not set, booking relies on store conditional writes only")
	}

	publisher, closePublisher, err := openPublisher(cfg, log)
	if err != nil {
		return err
	}
	defer closePublisher()

	journal := events.NewJournal(st, publisher, log.Named("events"))
	tokens := auth.NewTokens(cfg.JWTSecret, cfg.JWTIssuer)
	rooms := session.NewRegistry(cfg.RoomShards, cfg.RoomIdleTimeout, log.Named("session"))
	defer rooms.Close()

	consultations := consultation.NewService(st, journal, log.Named("consultation"))
	messages := messaging.NewService(st, consultations, rooms, log.Named("messaging"))
	coordinator := booking.NewCoordinator(st, locker, journal, log.Named("booking"),
		booking.WithMaxAttempts(cfg.BookingMaxAttempts))
	ledger := booking.NewLedger(st, journal, log.Named("ledger"))

	gw := gateway.New(tokens, st, consultations, messages, rooms, log.Named("gateway"), gateway.Config{
		SendBuffer:        cfg.SendBuffer,
		MessagesPerSecond: cfg.WSMessagesPerSecond,
		AllowedOrigins:    cfg.CORSOrigins,
	})

	router := api.NewRouter(api.RouterConfig{
		Store:            st,
		Booking:          coordinator,
		Ledger:           ledger,
		Consultations:    consultations,
		Messages:         messages,
		Rooms:            rooms,
		Gateway:          gw,
		Tokens:           tokens,
		Redis:            rdb,
		Log:              log.Named("http"),
		Env:              cfg.Env,
		Version:          version,
		CORSOrigins:      cfg.CORSOrigins,
		BookingRateLimit: cfg.BookingRateLimit,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down api-server")

		// Websocket connections are hijacked and not tracked by Shutdown.
		gw.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (store.Store, func(), error) {
	if cfg.StoreDriver == config.StoreMemory {
		log.Warn("using in-memory store, data is lost on restart")
		return store.NewMemory(), func() {}, nil
	}

	pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres connection: %w", err)
	}
	if err := db.EnsureSchema(pgCtx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	log.Info("connected to Postgres")
	return store.NewPostgres(pool), pool.Close, nil
}

func openPublisher(cfg config.Config, log *zap.Logger) (events.Publisher, func(), error) {
	if cfg.AMQPURL == "" {
		log.Info("AMQP_URL not set, lifecycle events are journaled only")
		return events.Nop{}, func() {}, nil
	}
	pub, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	if err != nil {
		return nil, nil, fmt.Errorf("amqp connection: %w", err)
	}
	log.Info("connected to RabbitMQ", zap.String("exchange", cfg.AMQPExchange))
	return pub, func() {
		if err := pub.Close(); err != nil {
			log.Warn("error closing amqp publisher", zap.Error(err))
		}
	}, nil
}
