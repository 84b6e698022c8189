package store

import (
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
)

type Modality string

const (
	ModalityVideo    Modality = "video"
	ModalityPhysical Modality = "physical"
)

func (m Modality) Valid() bool {
	return m == ModalityVideo || m == ModalityPhysical
}

type Status string

const (
	StatusCreated   Status = "created"
	StatusScheduled Status = "scheduled"
	StatusOngoing   Status = "ongoing"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type TransactionKind string

const (
	KindPayment  TransactionKind = "payment"
	KindRefund   TransactionKind = "refund"
	KindPurchase TransactionKind = "purchase"
)

type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
)

type User struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	Role      Role
	Blocked   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Doctor struct {
	UserID      uuid.UUID
	Specialty   *string
	Approved    bool
	Suspended   bool
	Available   bool
	VideoFee    int64
	PhysicalFee int64
	UpdatedAt   time.Time
}

// AcceptingPatients is the booking precondition on the doctor profile.
func (d *Doctor) AcceptingPatients() bool {
	return d.Approved && !d.Suspended
}

// Fee returns the price in credits of one consultation of the given modality.
func (d *Doctor) Fee(m Modality) int64 {
	if m == ModalityPhysical {
		return d.PhysicalFee
	}
	return d.VideoFee
}

type Account struct {
	UserID    uuid.UUID
	Credits   int64
	UpdatedAt time.Time
}

type Slot struct {
	ID             uuid.UUID
	DoctorID       uuid.UUID
	StartsAt       time.Time
	EndsAt         time.Time
	IsBooked       bool
	ConsultationID *uuid.UUID
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Date is the calendar day the slot starts on.
func (s *Slot) Date() string {
	return s.StartsAt.Format(time.DateOnly)
}

type Consultation struct {
	ID                 uuid.UUID
	PatientID          uuid.UUID
	DoctorID           uuid.UUID
	SlotID             uuid.UUID
	Modality           Modality
	CreditsCharged     int64
	Status             Status
	RoomID             *string
	VideoCallCompleted bool
	AllowedChat        bool
	Refunded           bool
	StartedAt          *time.Time
	CompletedAt        *time.Time
	DurationSeconds    *int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type Transaction struct {
	ID             uuid.UUID
	AccountID      uuid.UUID
	Kind           TransactionKind
	Amount         int64
	Status         TransactionStatus
	ConsultationID *uuid.UUID
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Note struct {
	ID             uuid.UUID
	ConsultationID uuid.UUID
	AuthorID       uuid.UUID
	AuthorRole     Role
	Text           string
	CreatedAt      time.Time
}

type ChatMessage struct {
	ID             uuid.UUID
	ConsultationID uuid.UUID
	SenderID       uuid.UUID
	SenderRole     Role
	RecipientID    uuid.UUID
	Text           string
	Read           bool
	ReadAt         *time.Time
	CreatedAt      time.Time
}

type EventLog struct {
	ID             int64
	EventType      string
	ConsultationID *uuid.UUID
	Payload        []byte
	CreatedAt      time.Time
}
