package gateway

import (
	"context"
	"errors"

	"github.com/hackgods/consultation-orchestrator/internal/consultation"
	"github.com/hackgods/consultation-orchestrator/internal/messaging"
	"github.com/hackgods/consultation-orchestrator/internal/protocol"
	"github.com/hackgods/consultation-orchestrator/internal/session"
	"github.com/hackgods/consultation-orchestrator/internal/store"
)

func joinRequest(m *membership, c *conn) session.JoinRequest {
	return session.JoinRequest{
		RoomID:         m.roomID,
		ConsultationID: m.consultationID,
		UserID:         c.userID,
		Role:           m.role,
		Peer:           c,
	}
}

// codeFor maps a domain error onto the wire error code. Unknown errors are
// reported as Internal without leaking their text.
func codeFor(err error) (protocol.Code, string) {
	switch {
	case errors.Is(err, protocol.ErrInvalidMessage):
		return protocol.CodeInvalidMessage, err.Error()
	case errors.Is(err, consultation.ErrNotAuthorized),
		errors.Is(err, consultation.ErrUserBlocked),
		errors.Is(err, store.ErrConsultationNotFound),
		errors.Is(err, messaging.ErrNotRecipient),
		errors.Is(err, session.ErrRoomMismatch):
		return protocol.CodeNotAuthorized, "not a party to this consultation"
	case errors.Is(err, session.ErrRoomFull):
		return protocol.CodeRoomFull, "room already has two participants"
	case errors.Is(err, messaging.ErrChatLocked):
		return protocol.CodeChatLocked, "chat opens after the video call completes"
	case errors.Is(err, session.ErrNotJoined):
		return protocol.CodeNotJoined, "join a room first"
	case errors.Is(err, session.ErrRoomEnded),
		errors.Is(err, consultation.ErrInvalidTransition),
		errors.Is(err, consultation.ErrSessionClosed):
		return protocol.CodeConsultationClosed, "consultation is closed"
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.CodeInternal, "operation timed out"
	default:
		return protocol.CodeInternal, "internal error"
	}
}
