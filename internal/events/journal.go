package events

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/consultation-orchestrator/internal/store"
)

type EventLogWriter interface {
	InsertEvent(ctx context.Context, ev store.EventLog) error
}

// Journal appends an event to the durable event log and publishes it.
// Both are best effort: failures are logged and never undo the state change
// that produced the event.
type Journal struct {
	log *zap.Logger
	db  EventLogWriter
	pub Publisher
}

func NewJournal(db EventLogWriter, pub Publisher, log *zap.Logger) *Journal {
	if pub == nil {
		pub = Nop{}
	}
	return &Journal{log: log, db: db, pub: pub}
}

func (j *Journal) Record(ctx context.Context, ev Event) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		j.log.Warn("marshal event payload", zap.String("event_type", ev.Type), zap.Error(err))
		payload = nil
	}

	if err := j.db.InsertEvent(ctx, store.EventLog{
		EventType:      ev.Type,
		ConsultationID: ev.ConsultationID,
		Payload:        payload,
		CreatedAt:      ev.OccurredAt,
	}); err != nil {
		j.log.Error("insert event log", zap.String("event_type", ev.Type), zap.Error(err))
	}

	if err := j.pub.Publish(ctx, ev); err != nil {
		j.log.Warn("publish event", zap.String("event_type", ev.Type), zap.Error(err))
	}
}
