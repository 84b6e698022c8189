// Package events publishes consultation lifecycle changes to collaborators
// (reporting, notification delivery) over a RabbitMQ topic exchange.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Routing keys.
const (
	ConsultationBooked    = "consultation.booked"
	ConsultationStarted   = "consultation.started"
	ConsultationCompleted = "consultation.completed"
	ConsultationCancelled = "consultation.cancelled"
	ConsultationStale     = "consultation.stale"
	CreditsPurchased      = "ledger.purchase"
)

type Event struct {
	ID             uuid.UUID      `json:"id"`
	Type           string         `json:"type"`
	ConsultationID *uuid.UUID     `json:"consultation_id,omitempty"`
	AccountID      *uuid.UUID     `json:"account_id,omitempty"`
	Status         string         `json:"status,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
	Data           map[string]any `json:"data,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop drops every event. Used when AMQP_URL is not configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
