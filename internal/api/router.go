package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hackgods/consultation-orchestrator/internal/auth"
	"github.com/hackgods/consultation-orchestrator/internal/booking"
	"github.com/hackgods/consultation-orchestrator/internal/consultation"
	"github.com/hackgods/consultation-orchestrator/internal/messaging"
	"github.com/hackgods/consultation-orchestrator/internal/session"
	"github.com/hackgods/consultation-orchestrator/internal/store"
)

type RouterConfig struct {
	Store         store.Store
	Booking       *booking.Coordinator
	Ledger        *booking.Ledger
	Consultations *consultation.Service
	Messages      *messaging.Service
	Rooms         *session.Registry
	Gateway       http.Handler
	Tokens        *auth.Tokens
	Redis         *redis.Client
	Log           *zap.Logger

	Env              string
	Version          string
	CORSOrigins      []string
	BookingRateLimit int // per minute per IP, 0 disables
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	health := NewHealthHandler(cfg.Store, cfg.Redis, cfg.Rooms.Rooms, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	// The gateway authenticates before upgrading and answers 401 itself.
	if cfg.Gateway != nil {
		r.Handle("/ws", cfg.Gateway)
	}

	r.Get("/doctors/{id}/slots", listSlotsHandler(cfg.Store))

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(cfg.Tokens))

		book := http.Handler(bookConsultationHandler(cfg.Booking))
		if cfg.BookingRateLimit > 0 {
			book = httprate.LimitByIP(cfg.BookingRateLimit, time.Minute)(book)
		}
		r.Method(http.MethodPost, "/consultations", book)
		r.Get("/consultations", listConsultationsHandler(cfg.Consultations))

		r.Route("/consultations/{id}", func(r chi.Router) {
			r.Get("/", getConsultationHandler(cfg.Consultations))
			r.Post("/session", requestSessionHandler(cfg.Consultations, cfg.Rooms))
			r.Post("/start", transitionHandler(cfg.Consultations.Start))
			r.Post("/complete", completeConsultationHandler(cfg.Consultations, cfg.Rooms))
			r.Post("/cancel", transitionHandler(cfg.Consultations.Cancel))

			r.Get("/notes", listNotesHandler(cfg.Messages))
			r.Post("/notes", addNoteHandler(cfg.Messages))
			r.Get("/messages", listChatHandler(cfg.Messages))
			r.Post("/messages", sendChatHandler(cfg.Messages))
		})

		r.Post("/messages/{id}/read", markReadHandler(cfg.Messages))

		r.Get("/accounts/me", getAccountHandler(cfg.Ledger))
		r.Get("/accounts/me/transactions", listTransactionsHandler(cfg.Ledger))
		r.Post("/accounts/me/purchases", purchaseHandler(cfg.Ledger))
	})

	return r
}
