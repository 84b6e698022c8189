package api

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/consultation-orchestrator/internal/booking"
	"github.com/hackgods/consultation-orchestrator/internal/session"
	"github.com/hackgods/consultation-orchestrator/internal/store"
)

type BookConsultationRequest struct {
	DoctorID string `json:"doctor_id" validate:"required,uuid"`
	SlotID   string `json:"slot_id" validate:"required,uuid"`
	Modality string `json:"modality" validate:"required,oneof=video physical"`
}

func (req BookConsultationRequest) toBooking(patientID uuid.UUID) (booking.Request, error) {
	doctorID, err := uuid.Parse(req.DoctorID)
	if err != nil {
		return booking.Request{}, errors.New("doctor_id must be a valid UUID")
	}
	slotID, err := uuid.Parse(req.SlotID)
	if err != nil {
		return booking.Request{}, errors.New("slot_id must be a valid UUID")
	}
	return booking.Request{
		PatientID: patientID,
		DoctorID:  doctorID,
		SlotID:    slotID,
		Modality:  store.Modality(req.Modality),
	}, nil
}

type BookConsultationResponse struct {
	ConsultationID uuid.UUID `json:"consultation_id"`
	CreditsCharged int64     `json:"credits_charged"`
	Status         string    `json:"status"`
}

type TextRequest struct {
	Text string `json:"text" validate:"required,max=5000"`
}

type PurchaseRequest struct {
	Amount int64 `json:"amount" validate:"required,gt=0,lte=100000"`
}

type ConsultationResponse struct {
	ID                 uuid.UUID  `json:"id"`
	PatientID          uuid.UUID  `json:"patient_id"`
	DoctorID           uuid.UUID  `json:"doctor_id"`
	SlotID             uuid.UUID  `json:"slot_id"`
	Modality           string     `json:"modality"`
	CreditsCharged     int64      `json:"credits_charged"`
	Status             string     `json:"status"`
	RoomID             *string    `json:"room_id,omitempty"`
	VideoCallCompleted bool       `json:"video_call_completed"`
	AllowedChat        bool       `json:"allowed_chat"`
	Refunded           bool       `json:"refunded"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	DurationSeconds    *int64     `json:"duration_seconds,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

func toConsultationResponse(c *store.Consultation) ConsultationResponse {
	return ConsultationResponse{
		ID:                 c.ID,
		PatientID:          c.PatientID,
		DoctorID:           c.DoctorID,
		SlotID:             c.SlotID,
		Modality:           string(c.Modality),
		CreditsCharged:     c.CreditsCharged,
		Status:             string(c.Status),
		RoomID:             c.RoomID,
		VideoCallCompleted: c.VideoCallCompleted,
		AllowedChat:        c.AllowedChat,
		Refunded:           c.Refunded,
		StartedAt:          c.StartedAt,
		CompletedAt:        c.CompletedAt,
		DurationSeconds:    c.DurationSeconds,
		CreatedAt:          c.CreatedAt,
	}
}

type SessionResponse struct {
	ConsultationID uuid.UUID `json:"consultation_id"`
	RoomID         string    `json:"room_id"`
	Phase          string    `json:"phase,omitempty"`
}

func phaseOf(cs session.CallSession, live bool) string {
	if !live {
		return string(session.PhaseWaiting)
	}
	return string(cs.Phase)
}

type NoteResponse struct {
	ID         uuid.UUID `json:"id"`
	AuthorID   uuid.UUID `json:"author_id"`
	AuthorRole string    `json:"author_role"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"created_at"`
}

func toNoteResponse(n store.Note) NoteResponse {
	return NoteResponse{
		ID:         n.ID,
		AuthorID:   n.AuthorID,
		AuthorRole: string(n.AuthorRole),
		Text:       n.Text,
		CreatedAt:  n.CreatedAt,
	}
}

type ChatMessageResponse struct {
	ID          uuid.UUID  `json:"id"`
	SenderID    uuid.UUID  `json:"sender_id"`
	SenderRole  string     `json:"sender_role"`
	RecipientID uuid.UUID  `json:"recipient_id"`
	Text        string     `json:"text"`
	Read        bool       `json:"read"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func toChatResponse(m store.ChatMessage) ChatMessageResponse {
	return ChatMessageResponse{
		ID:          m.ID,
		SenderID:    m.SenderID,
		SenderRole:  string(m.SenderRole),
		RecipientID: m.RecipientID,
		Text:        m.Text,
		Read:        m.Read,
		ReadAt:      m.ReadAt,
		CreatedAt:   m.CreatedAt,
	}
}

type SlotResponse struct {
	ID       uuid.UUID `json:"id"`
	DoctorID uuid.UUID `json:"doctor_id"`
	Date     string    `json:"date"`
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
}

type AccountResponse struct {
	UserID  uuid.UUID `json:"user_id"`
	Credits int64     `json:"credits"`
}

type TransactionResponse struct {
	ID             uuid.UUID  `json:"id"`
	Kind           string     `json:"kind"`
	Amount         int64      `json:"amount"`
	Status         string     `json:"status"`
	ConsultationID *uuid.UUID `json:"consultation_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func toTransactionResponse(t store.Transaction) TransactionResponse {
	return TransactionResponse{
		ID:             t.ID,
		Kind:           string(t.Kind),
		Amount:         t.Amount,
		Status:         string(t.Status),
		ConsultationID: t.ConsultationID,
		CreatedAt:      t.CreatedAt,
	}
}

type PurchaseResponse struct {
	Account     AccountResponse     `json:"account"`
	Transaction TransactionResponse `json:"transaction"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type InsufficientCreditsResponse struct {
	Error     string `json:"error"`
	Details   string `json:"details,omitempty"`
	Balance   int64  `json:"balance"`
	Fee       int64  `json:"fee"`
	Shortfall int64  `json:"shortfall"`
}
