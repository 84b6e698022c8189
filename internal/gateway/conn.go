package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hackgods/consultation-orchestrator/internal/consultation"
	"github.com/hackgods/consultation-orchestrator/internal/protocol"
	"github.com/hackgods/consultation-orchestrator/internal/session"
	"github.com/hackgods/consultation-orchestrator/internal/store"
)

type membership struct {
	consultationID uuid.UUID
	roomID         string
	role           store.Role
}

type conn struct {
	g       *Gateway
	ws      *websocket.Conn
	userID  uuid.UUID
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter
	log     *zap.Logger

	closeOnce sync.Once

	// Owned by the reader goroutine.
	joined *membership
}

// Deliver implements session.Peer. It never blocks; a full buffer drops the
// frame.
func (c *conn) Deliver(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close implements session.Peer.
func (c *conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *conn) reply(f protocol.Frame) {
	if !c.Deliver(protocol.Encode(f)) {
		c.log.Warn("send buffer full, reply dropped", zap.String("type", string(f.Type)))
	}
}

func (c *conn) fail(code protocol.Code, message string) {
	c.reply(protocol.Error(code, message))
}

func (c *conn) readPump() {
	defer func() {
		if c.joined != nil {
			c.g.rooms.Leave(c.joined.roomID, c.joined.role, c)
		}
		c.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket read failed", zap.Error(err))
			}
			return
		}

		if !c.limiter.Allow() {
			c.fail(protocol.CodeRateLimited, "too many messages")
			continue
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			c.fail(protocol.CodeInvalidMessage, err.Error())
			continue
		}

		ctx, cancel := context.WithTimeout(c.g.base, opTimeout)
		c.dispatch(ctx, frame, data)
		cancel()
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.g.base.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case <-c.done:
			return
		}
	}
}

func (c *conn) dispatch(ctx context.Context, f protocol.Frame, raw []byte) {
	switch f.Type {
	case protocol.KindJoin:
		c.handleJoin(ctx, f)
	case protocol.KindOffer, protocol.KindAnswer, protocol.KindICECandidate:
		c.handleRelay(ctx, raw)
	case protocol.KindEnd:
		c.handleEnd(ctx, raw)
	case protocol.KindAddNote:
		c.handleNote(ctx, f)
	case protocol.KindChatMessage:
		c.handleChat(ctx, f)
	}
}

func (c *conn) handleJoin(ctx context.Context, f protocol.Frame) {
	if c.joined != nil {
		c.fail(protocol.CodeInvalidMessage, "connection already joined a room")
		return
	}
	consultationID, err := uuid.Parse(f.ConsultationID)
	if err != nil {
		c.fail(protocol.CodeInvalidMessage, "consultationId must be a uuid")
		return
	}

	cons, rel, err := c.g.consultations.Participant(ctx, consultationID, c.userID)
	if err != nil {
		c.failWith(err)
		return
	}
	if rel == consultation.RelationPatient {
		acct, err := c.g.users.GetAccount(ctx, c.userID)
		if err != nil && !errors.Is(err, store.ErrAccountNotFound) {
			c.failWith(err)
			return
		}
		if acct != nil && acct.Credits < 0 {
			c.fail(protocol.CodePaymentRequired, "account balance is negative")
			return
		}
	}
	if cons.RoomID == nil || *cons.RoomID != f.RoomID {
		c.fail(protocol.CodeNotAuthorized, "room does not belong to this consultation")
		return
	}
	if cons.Status != store.StatusScheduled && cons.Status != store.StatusOngoing {
		c.fail(protocol.CodeConsultationClosed, "consultation is "+string(cons.Status))
		return
	}

	m := &membership{consultationID: cons.ID, roomID: f.RoomID, role: rel.Role()}
	if _, err := c.g.rooms.Join(ctx, joinRequest(m, c)); err != nil {
		c.failWith(err)
		return
	}
	c.joined = m
	c.log.Info("joined room",
		zap.String("consultation_id", cons.ID.String()),
		zap.String("role", string(m.role)),
	)

	if cons.Status == store.StatusScheduled {
		_, err := c.g.consultations.Start(ctx, cons.ID, c.userID)
		if err != nil && !errors.Is(err, consultation.ErrInvalidTransition) {
			c.log.Error("start consultation", zap.String("consultation_id", cons.ID.String()), zap.Error(err))
		}
	}
}

func (c *conn) handleRelay(ctx context.Context, raw []byte) {
	if c.joined == nil {
		c.fail(protocol.CodeNotJoined, "join a room first")
		return
	}
	if err := c.g.rooms.Relay(ctx, c.joined.roomID, c.joined.role, c, raw); err != nil {
		c.failWith(err)
	}
}

// handleEnd completes the consultation, then relays the end signal and
// closes the room. Nothing reaches the peer unless completion succeeded. A
// consultation already completed by the other party is accepted.
func (c *conn) handleEnd(ctx context.Context, raw []byte) {
	if c.joined == nil {
		c.fail(protocol.CodeNotJoined, "join a room first")
		return
	}

	_, err := c.g.consultations.Complete(ctx, c.joined.consultationID, c.userID)
	if errors.Is(err, consultation.ErrInvalidTransition) {
		cur, lerr := c.g.consultations.Load(ctx, c.joined.consultationID)
		if lerr == nil && cur.Status == store.StatusCompleted {
			err = nil
		}
	}
	if err != nil {
		c.failWith(err)
		return
	}

	if err := c.g.rooms.Relay(ctx, c.joined.roomID, c.joined.role, c, raw); err != nil && !errors.Is(err, session.ErrRoomEnded) {
		c.log.Debug("end signal not relayed", zap.String("room_id", c.joined.roomID), zap.Error(err))
	}
	c.g.rooms.End(ctx, c.joined.roomID)
}

func (c *conn) target(f protocol.Frame) (uuid.UUID, bool) {
	if c.joined != nil {
		return c.joined.consultationID, true
	}
	if id, err := uuid.Parse(f.ConsultationID); err == nil {
		return id, true
	}
	c.fail(protocol.CodeNotJoined, "join a room or name a consultationId")
	return uuid.Nil, false
}

func (c *conn) handleNote(ctx context.Context, f protocol.Frame) {
	id, ok := c.target(f)
	if !ok {
		return
	}
	note, err := c.g.messages.AddNote(ctx, id, c.userID, f.Text)
	if err != nil {
		c.failWith(err)
		return
	}
	at := note.CreatedAt
	c.reply(protocol.Frame{
		Type:           protocol.KindNoteAdded,
		ID:             note.ID.String(),
		ConsultationID: id.String(),
		UserID:         c.userID.String(),
		Role:           string(note.AuthorRole),
		Text:           note.Text,
		At:             &at,
	})
}

func (c *conn) handleChat(ctx context.Context, f protocol.Frame) {
	id, ok := c.target(f)
	if !ok {
		return
	}
	msg, err := c.g.messages.SendChat(ctx, id, c.userID, f.Text)
	if err != nil {
		c.failWith(err)
		return
	}
	at := msg.CreatedAt
	c.reply(protocol.Frame{
		Type:           protocol.KindChatMessage,
		ID:             msg.ID.String(),
		ConsultationID: id.String(),
		UserID:         c.userID.String(),
		Role:           string(msg.SenderRole),
		Text:           msg.Text,
		At:             &at,
	})
}

func (c *conn) failWith(err error) {
	code, message := codeFor(err)
	if code == protocol.CodeInternal {
		c.log.Error("gateway operation failed", zap.Error(err))
	}
	c.fail(code, message)
}
