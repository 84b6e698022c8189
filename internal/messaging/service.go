// Package messaging persists consultation notes and post-call chat and
// pushes them to the other party when they are connected.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/consultation-orchestrator/internal/consultation"
	"github.com/hackgods/consultation-orchestrator/internal/protocol"
	"github.com/hackgods/consultation-orchestrator/internal/store"
)

var (
	ErrChatLocked   = errors.New("chat is not enabled for this consultation")
	ErrNotRecipient = store.ErrNotRecipient
)

type Store interface {
	AppendNote(ctx context.Context, n store.Note) (*store.Note, error)
	ListNotes(ctx context.Context, consultationID uuid.UUID) ([]store.Note, error)
	AppendChat(ctx context.Context, m store.ChatMessage) (*store.ChatMessage, error)
	ListChat(ctx context.Context, consultationID uuid.UUID) ([]store.ChatMessage, error)
	GetChatMessage(ctx context.Context, id uuid.UUID) (*store.ChatMessage, error)
	MarkChatRead(ctx context.Context, id, recipientID uuid.UUID, at time.Time) (*store.ChatMessage, error)
}

// Participants resolves and authorizes the caller against the durable
// consultation on every call.
type Participants interface {
	Participant(ctx context.Context, id, caller uuid.UUID) (*store.Consultation, consultation.Relationship, error)
}

// Notifier pushes a frame to one seat of a live room.
type Notifier interface {
	Notify(ctx context.Context, roomID string, to store.Role, frame []byte) bool
}

type Service struct {
	store        Store
	participants Participants
	notifier     Notifier
	log          *zap.Logger
	now          func() time.Time
}

func NewService(st Store, participants Participants, notifier Notifier, log *zap.Logger) *Service {
	return &Service{
		store:        st,
		participants: participants,
		notifier:     notifier,
		log:          log,
		now:          time.Now,
	}
}

// AddNote appends a note in any consultation status. Notes are never edited.
func (s *Service) AddNote(ctx context.Context, consultationID, author uuid.UUID, text string) (*store.Note, error) {
	if err := protocol.ValidateText(text); err != nil {
		return nil, err
	}
	c, rel, err := s.participants.Participant(ctx, consultationID, author)
	if err != nil {
		return nil, err
	}

	note, err := s.store.AppendNote(ctx, store.Note{
		ConsultationID: consultationID,
		AuthorID:       author,
		AuthorRole:     rel.Role(),
		Text:           text,
	})
	if err != nil {
		return nil, fmt.Errorf("append note: %w", err)
	}

	at := note.CreatedAt
	s.push(ctx, c, rel, protocol.Frame{
		Type:           protocol.KindNoteAdded,
		ID:             note.ID.String(),
		ConsultationID: consultationID.String(),
		UserID:         author.String(),
		Role:           string(note.AuthorRole),
		Text:           note.Text,
		At:             &at,
	})
	return note, nil
}

func (s *Service) ListNotes(ctx context.Context, consultationID, caller uuid.UUID) ([]store.Note, error) {
	if _, _, err := s.participants.Participant(ctx, consultationID, caller); err != nil {
		return nil, err
	}
	notes, err := s.store.ListNotes(ctx, consultationID)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	return notes, nil
}

// SendChat stores a message addressed to the other party. Chat opens once a
// video call has completed and needs no live room.
func (s *Service) SendChat(ctx context.Context, consultationID, sender uuid.UUID, text string) (*store.ChatMessage, error) {
	if err := protocol.ValidateText(text); err != nil {
		return nil, err
	}
	c, rel, err := s.participants.Participant(ctx, consultationID, sender)
	if err != nil {
		return nil, err
	}
	if !c.AllowedChat {
		return nil, ErrChatLocked
	}
	recipient, _ := consultation.Counterpart(c, sender)

	msg, err := s.store.AppendChat(ctx, store.ChatMessage{
		ConsultationID: consultationID,
		SenderID:       sender,
		SenderRole:     rel.Role(),
		RecipientID:    recipient,
		Text:           text,
	})
	if err != nil {
		return nil, fmt.Errorf("append chat message: %w", err)
	}

	at := msg.CreatedAt
	s.push(ctx, c, rel, protocol.Frame{
		Type:           protocol.KindChatMessage,
		ID:             msg.ID.String(),
		ConsultationID: consultationID.String(),
		UserID:         sender.String(),
		Role:           string(msg.SenderRole),
		Text:           msg.Text,
		At:             &at,
	})
	return msg, nil
}

func (s *Service) ListChat(ctx context.Context, consultationID, caller uuid.UUID) ([]store.ChatMessage, error) {
	if _, _, err := s.participants.Participant(ctx, consultationID, caller); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListChat(ctx, consultationID)
	if err != nil {
		return nil, fmt.Errorf("list chat: %w", err)
	}
	return msgs, nil
}

// MarkRead sets the read flag. Only the recipient may do so.
func (s *Service) MarkRead(ctx context.Context, messageID, caller uuid.UUID) (*store.ChatMessage, error) {
	msg, err := s.store.GetChatMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.RecipientID != caller {
		return nil, ErrNotRecipient
	}
	if _, _, err := s.participants.Participant(ctx, msg.ConsultationID, caller); err != nil {
		return nil, err
	}
	return s.store.MarkChatRead(ctx, messageID, caller, s.now())
}

func (s *Service) push(ctx context.Context, c *store.Consultation, from consultation.Relationship, frame protocol.Frame) {
	if s.notifier == nil || c.RoomID == nil {
		return
	}
	to := store.RoleDoctor
	if from == consultation.RelationDoctor {
		to = store.RolePatient
	}
	if !s.notifier.Notify(ctx, *c.RoomID, to, protocol.Encode(frame)) {
		s.log.Debug("counterpart not connected, skipped live delivery",
			zap.String("consultation_id", c.ID.String()),
			zap.String("type", string(frame.Type)),
		)
	}
}
