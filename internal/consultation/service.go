package consultation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/consultation-orchestrator/internal/events"
	"github.com/hackgods/consultation-orchestrator/internal/store"
)

var (
	ErrNotAuthorized = errors.New("caller is not a party to this consultation")
	ErrNotVideo      = errors.New("consultation is not a video consultation")
	ErrSessionClosed = errors.New("consultation no longer accepts sessions")
	ErrUserBlocked   = errors.New("user is blocked")
)

// maxAttempts bounds retries when a concurrent writer changed the record
// between our read and our conditional write.
const maxAttempts = 3

type Store interface {
	GetUser(ctx context.Context, id uuid.UUID) (*store.User, error)
	GetConsultation(ctx context.Context, id uuid.UUID) (*store.Consultation, error)
	ListConsultationsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]store.Consultation, error)
	FindStaleOngoing(ctx context.Context, startedBefore time.Time) ([]store.Consultation, error)
	AssignRoom(ctx context.Context, id uuid.UUID, roomID string) (*store.Consultation, error)
	InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error
}

type Service struct {
	store   Store
	journal *events.Journal
	log     *zap.Logger
	now     func() time.Time
}

type Option func(*Service)

// WithClock overrides the time source for transition timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(st Store, journal *events.Journal, log *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:   st,
		journal: journal,
		log:     log,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load returns the consultation without an authorization check.
func (s *Service) Load(ctx context.Context, id uuid.UUID) (*store.Consultation, error) {
	c, err := s.store.GetConsultation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load consultation: %w", err)
	}
	return c, nil
}

// Get returns the consultation if caller is one of its parties.
func (s *Service) Get(ctx context.Context, id, caller uuid.UUID) (*store.Consultation, Relationship, error) {
	c, err := s.Load(ctx, id)
	if err != nil {
		return nil, RelationNone, err
	}
	rel := Authorize(c, caller)
	if rel == RelationNone {
		return nil, RelationNone, ErrNotAuthorized
	}
	return c, rel, nil
}

// Participant re-reads the caller's identity and consultation and checks that
// the caller is an unblocked party to it. Sensitive actions call this instead
// of trusting identity established earlier in the connection.
func (s *Service) Participant(ctx context.Context, id, caller uuid.UUID) (*store.Consultation, Relationship, error) {
	u, err := s.store.GetUser(ctx, caller)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, RelationNone, ErrNotAuthorized
		}
		return nil, RelationNone, fmt.Errorf("load user: %w", err)
	}
	if u.Blocked {
		return nil, RelationNone, ErrUserBlocked
	}
	return s.Get(ctx, id, caller)
}

func (s *Service) ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]store.Consultation, error) {
	list, err := s.store.ListConsultationsByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list consultations: %w", err)
	}
	return list, nil
}

// RequestSession issues the room token for a video consultation. The token is
// created once and reused by both parties.
func (s *Service) RequestSession(ctx context.Context, id, caller uuid.UUID) (*store.Consultation, error) {
	c, _, err := s.Participant(ctx, id, caller)
	if err != nil {
		return nil, err
	}
	if c.Modality != store.ModalityVideo {
		return nil, ErrNotVideo
	}
	if c.Status != store.StatusScheduled && c.Status != store.StatusOngoing {
		return nil, ErrSessionClosed
	}
	if c.RoomID != nil {
		return c, nil
	}

	updated, err := s.store.AssignRoom(ctx, id, uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("assign room: %w", err)
	}
	return updated, nil
}

// Start moves a scheduled consultation to ongoing.
func (s *Service) Start(ctx context.Context, id, caller uuid.UUID) (*store.Consultation, error) {
	c, err := s.transition(ctx, id, caller, func(c store.Consultation) (store.Consultation, error) {
		return Start(c, s.now())
	}, nil)
	if err != nil {
		return nil, err
	}

	s.journal.Record(ctx, events.Event{
		Type:           events.ConsultationStarted,
		ConsultationID: &c.ID,
		Status:         string(c.Status),
		Data: map[string]any{
			"started_by": caller.String(),
			"started_at": c.StartedAt,
		},
	})
	return c, nil
}

// Complete ends an ongoing consultation and derives duration and chat access.
func (s *Service) Complete(ctx context.Context, id, caller uuid.UUID) (*store.Consultation, error) {
	c, err := s.transition(ctx, id, caller, func(c store.Consultation) (store.Consultation, error) {
		return Complete(c, s.now())
	}, nil)
	if err != nil {
		return nil, err
	}

	s.journal.Record(ctx, events.Event{
		Type:           events.ConsultationCompleted,
		ConsultationID: &c.ID,
		Status:         string(c.Status),
		Data: map[string]any{
			"completed_by":         caller.String(),
			"duration_seconds":     c.DurationSeconds,
			"video_call_completed": c.VideoCallCompleted,
			"allowed_chat":         c.AllowedChat,
		},
	})
	return c, nil
}

// Cancel cancels a consultation that has not started and refunds the charge
// to the patient in the same unit of work. The refund can happen only once
// because the status write is conditional on the pre-cancel status.
func (s *Service) Cancel(ctx context.Context, id, caller uuid.UUID) (*store.Consultation, error) {
	c, err := s.transition(ctx, id, caller, Cancel, func(ctx context.Context, tx store.Tx, before, after store.Consultation) error {
		if before.Refunded || !after.Refunded {
			return nil
		}
		if _, err := tx.Credit(ctx, after.PatientID, after.CreditsCharged); err != nil {
			return fmt.Errorf("refund credits: %w", err)
		}
		consultationID := after.ID
		if _, err := tx.AppendTransaction(ctx, store.Transaction{
			AccountID:      after.PatientID,
			Kind:           store.KindRefund,
			Amount:         after.CreditsCharged,
			Status:         store.TxCompleted,
			ConsultationID: &consultationID,
		}); err != nil {
			return fmt.Errorf("append refund transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.journal.Record(ctx, events.Event{
		Type:           events.ConsultationCancelled,
		ConsultationID: &c.ID,
		AccountID:      &c.PatientID,
		Status:         string(c.Status),
		Data: map[string]any{
			"cancelled_by": caller.String(),
			"refunded":     c.Refunded,
			"amount":       c.CreditsCharged,
		},
	})
	return c, nil
}

type sideEffect func(ctx context.Context, tx store.Tx, before, after store.Consultation) error

func (s *Service) transition(
	ctx context.Context,
	id, caller uuid.UUID,
	apply func(store.Consultation) (store.Consultation, error),
	effect sideEffect,
) (*store.Consultation, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		current, _, err := s.Participant(ctx, id, caller)
		if err != nil {
			return nil, err
		}

		next, err := apply(*current)
		if err != nil {
			return nil, err
		}

		var updated *store.Consultation
		err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			u, err := tx.UpdateConsultation(ctx, next, current.Status)
			if err != nil {
				return err
			}
			if effect != nil {
				if err := effect(ctx, tx, *current, *u); err != nil {
					return err
				}
			}
			updated = u
			return nil
		})
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, store.ErrStatusMismatch) && !errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("update consultation: %w", err)
		}

		s.log.Debug("consultation changed concurrently, retrying",
			zap.String("consultation_id", id.String()),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		lastErr = err
	}
	return nil, fmt.Errorf("update consultation: %w", lastErr)
}

// FlagStale reports consultations that have been ongoing longer than
// olderThan. It only records and publishes; closing them is an operator
// decision.
func (s *Service) FlagStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, errors.New("stale threshold must be positive")
	}
	now := s.now()
	stale, err := s.store.FindStaleOngoing(ctx, now.Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("find stale ongoing consultations: %w", err)
	}

	for _, c := range stale {
		c := c
		s.log.Warn("consultation ongoing past threshold",
			zap.String("consultation_id", c.ID.String()),
			zap.Timep("started_at", c.StartedAt),
			zap.Duration("threshold", olderThan),
		)
		s.journal.Record(ctx, events.Event{
			Type:           events.ConsultationStale,
			ConsultationID: &c.ID,
			Status:         string(c.Status),
			Data: map[string]any{
				"started_at": c.StartedAt,
				"threshold":  olderThan.String(),
			},
		})
	}
	return len(stale), nil
}
