// Package gateway terminates the real-time websocket channel. Each
// connection is authenticated before the upgrade and then served by one
// reader and one writer goroutine.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hackgods/consultation-orchestrator/internal/auth"
	"github.com/hackgods/consultation-orchestrator/internal/consultation"
	"github.com/hackgods/consultation-orchestrator/internal/messaging"
	"github.com/hackgods/consultation-orchestrator/internal/session"
	"github.com/hackgods/consultation-orchestrator/internal/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	opTimeout      = 5 * time.Second
)

type Config struct {
	SendBuffer        int
	MessagesPerSecond int
	AllowedOrigins    []string
}

// Users is the identity and balance data the gateway re-checks.
type Users interface {
	GetUser(ctx context.Context, id uuid.UUID) (*store.User, error)
	GetAccount(ctx context.Context, userID uuid.UUID) (*store.Account, error)
}

type Gateway struct {
	tokens        *auth.Tokens
	users         Users
	consultations *consultation.Service
	messages      *messaging.Service
	rooms         *session.Registry
	log           *zap.Logger
	cfg           Config
	upgrader      websocket.Upgrader

	base   context.Context
	cancel context.CancelFunc
}

func New(
	tokens *auth.Tokens,
	users Users,
	consultations *consultation.Service,
	messages *messaging.Service,
	rooms *session.Registry,
	log *zap.Logger,
	cfg Config,
) *Gateway {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = 50
	}
	base, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		tokens:        tokens,
		users:         users,
		consultations: consultations,
		messages:      messages,
		rooms:         rooms,
		log:           log,
		cfg:           cfg,
		base:          base,
		cancel:        cancel,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range g.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Close drops every open connection.
func (g *Gateway) Close() {
	g.cancel()
}

// ServeHTTP authenticates the caller and upgrades the connection. Failed
// authentication is answered with a plain HTTP error and no upgrade.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := g.tokens.Verify(auth.BearerToken(r))
	if err != nil {
		writeHTTPError(w, http.StatusUnauthorized, "unauthenticated", err.Error())
		return
	}

	user, err := g.users.GetUser(r.Context(), id.UserID)
	if err != nil {
		writeHTTPError(w, http.StatusUnauthorized, "unauthenticated", "unknown user")
		return
	}
	if user.Blocked {
		writeHTTPError(w, http.StatusForbidden, "blocked", "user is blocked")
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &conn{
		g:       g,
		ws:      ws,
		userID:  id.UserID,
		send:    make(chan []byte, g.cfg.SendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(g.cfg.MessagesPerSecond), g.cfg.MessagesPerSecond),
		log:     g.log.With(zap.String("user_id", id.UserID.String())),
	}

	go c.writePump()
	c.readPump()
}

func writeHTTPError(w http.ResponseWriter, status int, code, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "details": details})
}
