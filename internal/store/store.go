// Package store holds the durable records of the orchestrator (accounts,
// slots, consultations, ledger transactions, notes and chat) behind one
// interface with a Postgres and an in-memory implementation.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrDoctorNotFound       = errors.New("doctor not found")
	ErrAccountNotFound      = errors.New("account not found")
	ErrSlotNotFound         = errors.New("slot not found")
	ErrConsultationNotFound = errors.New("consultation not found")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrMessageNotFound      = errors.New("chat message not found")

	// ErrSlotTaken is returned when the conditional claim finds the slot booked.
	ErrSlotTaken = errors.New("slot already booked")
	// ErrInsufficientFunds is returned when a conditional debit would go negative.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrStatusMismatch is returned when a consultation is no longer in the
	// status the caller read.
	ErrStatusMismatch = errors.New("consultation status changed")
	// ErrConflict marks a retryable serialization failure.
	ErrConflict = errors.New("write conflict")
	// ErrReconciliation marks a slot that is free but already referenced by a
	// consultation. It needs a human, not a retry.
	ErrReconciliation = errors.New("slot referenced by another consultation")
	// ErrNotRecipient is returned when someone other than the recipient marks
	// a chat message read.
	ErrNotRecipient = errors.New("caller is not the recipient")
)

// Tx is a single unit of work. Every method is a conditional write: it
// either applies fully or returns an error without effect.
type Tx interface {
	// ClaimSlot flips IsBooked false→true for a slot owned by doctorID and
	// binds it to consultationID.
	ClaimSlot(ctx context.Context, slotID, doctorID, consultationID uuid.UUID) (*Slot, error)
	Debit(ctx context.Context, accountID uuid.UUID, amount int64) (*Account, error)
	Credit(ctx context.Context, accountID uuid.UUID, amount int64) (*Account, error)
	InsertConsultation(ctx context.Context, c Consultation) (*Consultation, error)
	// UpdateConsultation writes every mutable field of c if the stored status
	// still equals from.
	UpdateConsultation(ctx context.Context, c Consultation, from Status) (*Consultation, error)
	AppendTransaction(ctx context.Context, t Transaction) (*Transaction, error)
	SettleTransaction(ctx context.Context, id uuid.UUID, status TransactionStatus) (*Transaction, error)
}

// Store contains every durable operation the services need.
type Store interface {
	Ping(ctx context.Context) error

	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
	GetDoctor(ctx context.Context, userID uuid.UUID) (*Doctor, error)
	SetDoctorAvailability(ctx context.Context, userID uuid.UUID, available bool) error
	GetAccount(ctx context.Context, userID uuid.UUID) (*Account, error)

	GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error)
	ListOpenSlots(ctx context.Context, doctorID uuid.UUID, from time.Time, limit int) ([]Slot, error)
	CountOpenSlots(ctx context.Context, doctorID uuid.UUID, from time.Time) (int, error)

	GetConsultation(ctx context.Context, id uuid.UUID) (*Consultation, error)
	ListConsultationsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Consultation, error)
	FindStaleOngoing(ctx context.Context, startedBefore time.Time) ([]Consultation, error)
	// AssignRoom sets the room token if none is set yet and returns the
	// stored consultation either way.
	AssignRoom(ctx context.Context, id uuid.UUID, roomID string) (*Consultation, error)

	AppendNote(ctx context.Context, n Note) (*Note, error)
	ListNotes(ctx context.Context, consultationID uuid.UUID) ([]Note, error)
	AppendChat(ctx context.Context, m ChatMessage) (*ChatMessage, error)
	ListChat(ctx context.Context, consultationID uuid.UUID) ([]ChatMessage, error)
	GetChatMessage(ctx context.Context, id uuid.UUID) (*ChatMessage, error)
	MarkChatRead(ctx context.Context, id, recipientID uuid.UUID, at time.Time) (*ChatMessage, error)

	ListTransactions(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]Transaction, error)

	InsertEvent(ctx context.Context, ev EventLog) error

	// InTx runs fn as one unit of work.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
