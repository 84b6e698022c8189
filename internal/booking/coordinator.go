// Package booking turns "book this slot" into one all-or-nothing unit of
// work: claim the slot, debit the patient, create the consultation and
// record the payment.
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/consultation-orchestrator/internal/consultation"
	"github.com/hackgods/consultation-orchestrator/internal/events"
	redisclient "github.com/hackgods/consultation-orchestrator/internal/redis"
	"github.com/hackgods/consultation-orchestrator/internal/store"
)

const EventReconciliationRequired = "RECONCILIATION_REQUIRED"

var (
	ErrInvalidRequest      = errors.New("invalid booking request")
	ErrSlotUnavailable     = errors.New("slot is no longer available")
	ErrSlotBusy            = errors.New("slot is being booked by another request, retry")
	ErrDoctorUnavailable   = errors.New("doctor is not accepting bookings")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrPatientNotFound     = errors.New("patient not found")
	ErrNotPatient          = errors.New("only patients can book consultations")
	ErrPatientBlocked      = errors.New("patient is blocked")
)

// InsufficientCreditsError carries the numbers the client needs to top up.
// It matches ErrInsufficientCredits with errors.Is.
type InsufficientCreditsError struct {
	Balance   int64
	Fee       int64
	Shortfall int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: balance %d, fee %d, short by %d", e.Balance, e.Fee, e.Shortfall)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

func insufficient(balance, fee int64) error {
	return &InsufficientCreditsError{Balance: balance, Fee: fee, Shortfall: fee - balance}
}

type Request struct {
	PatientID uuid.UUID      `validate:"required"`
	DoctorID  uuid.UUID      `validate:"required"`
	SlotID    uuid.UUID      `validate:"required"`
	Modality  store.Modality `validate:"required,oneof=video physical"`
}

type Coordinator struct {
	store       store.Store
	locker      redisclient.Locker
	journal     *events.Journal
	log         *zap.Logger
	validate    *validator.Validate
	maxAttempts int
	backoff     time.Duration
	now         func() time.Time
}

type Option func(*Coordinator)

func WithMaxAttempts(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

func WithBackoff(d time.Duration) Option {
	return func(c *Coordinator) { c.backoff = d }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(st store.Store, locker redisclient.Locker, journal *events.Journal, log *zap.Logger, opts ...Option) *Coordinator {
	if locker == nil {
		locker = redisclient.NewSlotLocker(nil, 0)
	}
	c := &Coordinator{
		store:       st,
		locker:      locker,
		journal:     journal,
		log:         log,
		validate:    validator.New(),
		maxAttempts: 3,
		backoff:     20 * time.Millisecond,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Book reserves the slot for the patient and charges the doctor's fee for
// the modality. On success the slot is booked, the account debited and a
// scheduled consultation plus a completed payment transaction exist. On any
// failure none of those effects remain.
func (c *Coordinator) Book(ctx context.Context, req Request) (*store.Consultation, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	patient, err := c.store.GetUser(ctx, req.PatientID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, ErrPatientNotFound
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}
	if patient.Blocked {
		return nil, ErrPatientBlocked
	}
	if patient.Role != store.RolePatient {
		return nil, ErrNotPatient
	}

	doctor, err := c.store.GetDoctor(ctx, req.DoctorID)
	if err != nil {
		if errors.Is(err, store.ErrDoctorNotFound) {
			return nil, ErrDoctorUnavailable
		}
		return nil, fmt.Errorf("load doctor: %w", err)
	}
	if !doctor.AcceptingPatients() {
		return nil, ErrDoctorUnavailable
	}
	fee := doctor.Fee(req.Modality)

	// Fast path: reject obviously doomed requests before taking the lock.
	// Nothing here is trusted; the unit of work re-checks each condition.
	slot, err := c.store.GetSlot(ctx, req.SlotID)
	if err != nil {
		return nil, fmt.Errorf("load slot: %w", err)
	}
	if slot.DoctorID != req.DoctorID {
		return nil, store.ErrSlotNotFound
	}
	if slot.IsBooked {
		return nil, ErrSlotUnavailable
	}
	account, err := c.store.GetAccount(ctx, req.PatientID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if account.Credits < fee {
		return nil, insufficient(account.Credits, fee)
	}

	var booked *store.Consultation
	err = c.withSlotLock(ctx, req.SlotID, func(lockCtx context.Context) error {
		var err error
		booked, err = c.bookWithRetry(lockCtx, req, fee)
		return err
	})
	if err != nil {
		return nil, c.mapError(ctx, req, fee, err)
	}

	c.log.Info("consultation booked",
		zap.String("consultation_id", booked.ID.String()),
		zap.String("slot_id", req.SlotID.String()),
		zap.String("patient_id", req.PatientID.String()),
		zap.Int64("credits_charged", fee),
	)
	c.journal.Record(ctx, events.Event{
		Type:           events.ConsultationBooked,
		ConsultationID: &booked.ID,
		AccountID:      &booked.PatientID,
		Status:         string(booked.Status),
		Data: map[string]any{
			"slot_id":         req.SlotID.String(),
			"doctor_id":       req.DoctorID.String(),
			"modality":        string(req.Modality),
			"credits_charged": fee,
			"date":            slot.Date(),
		},
	})
	c.refreshAvailability(ctx, req.DoctorID)

	return booked, nil
}

// withSlotLock waits for a contended slot lock with the same attempt budget
// as the unit of work. The holder may fail and leave the slot bookable.
func (c *Coordinator) withSlotLock(ctx context.Context, slotID uuid.UUID, fn func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := c.locker.WithSlotLock(ctx, slotID, fn)
		if !errors.Is(err, redisclient.ErrLockNotAcquired) || attempt >= c.maxAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * c.backoff):
		}
	}
}

func (c *Coordinator) bookWithRetry(ctx context.Context, req Request, fee int64) (*store.Consultation, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		booked, err := c.unitOfWork(ctx, req, fee)
		if err == nil {
			return booked, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		lastErr = err

		c.log.Debug("booking conflicted, retrying",
			zap.String("slot_id", req.SlotID.String()),
			zap.Int("attempt", attempt),
		)
		if attempt == c.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * c.backoff):
		}
	}
	return nil, fmt.Errorf("booking gave up after %d attempts: %w", c.maxAttempts, lastErr)
}

func (c *Coordinator) unitOfWork(ctx context.Context, req Request, fee int64) (*store.Consultation, error) {
	var booked *store.Consultation
	err := c.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		consultationID := uuid.New()

		if _, err := tx.ClaimSlot(ctx, req.SlotID, req.DoctorID, consultationID); err != nil {
			return err
		}
		if _, err := tx.Debit(ctx, req.PatientID, fee); err != nil {
			return err
		}

		draft, err := consultation.Schedule(store.Consultation{
			ID:             consultationID,
			PatientID:      req.PatientID,
			DoctorID:       req.DoctorID,
			SlotID:         req.SlotID,
			Modality:       req.Modality,
			CreditsCharged: fee,
			Status:         store.StatusCreated,
		})
		if err != nil {
			return err
		}
		created, err := tx.InsertConsultation(ctx, draft)
		if err != nil {
			return err
		}

		if _, err := tx.AppendTransaction(ctx, store.Transaction{
			AccountID:      req.PatientID,
			Kind:           store.KindPayment,
			Amount:         fee,
			Status:         store.TxCompleted,
			ConsultationID: &consultationID,
		}); err != nil {
			return err
		}

		booked = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return booked, nil
}

func (c *Coordinator) mapError(ctx context.Context, req Request, fee int64, err error) error {
	switch {
	case errors.Is(err, redisclient.ErrLockNotAcquired):
		if slot, serr := c.store.GetSlot(ctx, req.SlotID); serr == nil && !slot.IsBooked {
			return ErrSlotBusy
		}
		return ErrSlotUnavailable
	case errors.Is(err, store.ErrSlotTaken):
		return ErrSlotUnavailable
	case errors.Is(err, store.ErrInsufficientFunds):
		balance := int64(0)
		if acct, aerr := c.store.GetAccount(ctx, req.PatientID); aerr == nil {
			balance = acct.Credits
		}
		return insufficient(balance, fee)
	case errors.Is(err, store.ErrReconciliation):
		c.log.Error("slot free but referenced by another consultation",
			zap.String("slot_id", req.SlotID.String()),
			zap.String("patient_id", req.PatientID.String()),
			zap.Error(err),
		)
		c.journal.Record(ctx, events.Event{
			Type: EventReconciliationRequired,
			Data: map[string]any{
				"slot_id":    req.SlotID.String(),
				"doctor_id":  req.DoctorID.String(),
				"patient_id": req.PatientID.String(),
			},
		})
		return err
	default:
		return err
	}
}

// refreshAvailability marks the doctor unavailable once no future open slot
// remains. Failures are logged; the booking has already committed.
func (c *Coordinator) refreshAvailability(ctx context.Context, doctorID uuid.UUID) {
	open, err := c.store.CountOpenSlots(ctx, doctorID, c.now())
	if err != nil {
		c.log.Warn("count open slots", zap.String("doctor_id", doctorID.String()), zap.Error(err))
		return
	}
	if open > 0 {
		return
	}
	if err := c.store.SetDoctorAvailability(ctx, doctorID, false); err != nil {
		c.log.Warn("mark doctor unavailable", zap.String("doctor_id", doctorID.String()), zap.Error(err))
	}
}
