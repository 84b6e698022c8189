package store_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/consultation-orchestrator/internal/booking"
	"github.com/hackgods/consultation-orchestrator/internal/consultation"
	"github.com/hackgods/consultation-orchestrator/internal/db"
	"github.com/hackgods/consultation-orchestrator/internal/events"
	"github.com/hackgods/consultation-orchestrator/internal/store"
)

// testPool is shared by every Postgres test and stays nil when
// POSTGRES_TEST_DSN is unset. Tests create their own rows under fresh ids so
// they never see each other's data.
var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		os.Exit(m.Run())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		cancel()
		fmt.Fprintf(os.Stderr, "connect test postgres: %v\n", err)
		os.Exit(1)
	}
	if err := db.EnsureSchema(ctx, pool); err != nil {
		cancel()
		pool.Close()
		fmt.Fprintf(os.Stderr, "ensure schema: %v\n", err)
		os.Exit(1)
	}
	cancel()

	testPool = pool
	code := m.Run()
	pool.Close()
	os.Exit(code)
}

type pgFixture struct {
	pg     *store.Postgres
	doctor uuid.UUID
}

func newPGFixture(t *testing.T) *pgFixture {
	t.Helper()
	if testPool == nil {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	f := &pgFixture{pg: store.NewPostgres(testPool), doctor: uuid.New()}

	ctx := context.Background()
	_, err := testPool.Exec(ctx, `
		INSERT INTO users (id, name, email, role) VALUES ($1, $2, $3, 'doctor')
	`, f.doctor, "Dr. "+gofakeit.Name(), gofakeit.Email())
	require.NoError(t, err)
	_, err = testPool.Exec(ctx, `
		INSERT INTO doctors (user_id, specialty, approved, available, video_fee, physical_fee)
		VALUES ($1, 'General Practice', true, true, 100, 60)
	`, f.doctor)
	require.NoError(t, err)
	return f
}

func (f *pgFixture) patient(t *testing.T, credits int64) uuid.UUID {
	t.Helper()
	id := uuid.New()
	ctx := context.Background()
	_, err := testPool.Exec(ctx, `
		INSERT INTO users (id, name, email, role) VALUES ($1, $2, $3, 'patient')
	`, id, gofakeit.Name(), gofakeit.Email())
	require.NoError(t, err)
	_, err = testPool.Exec(ctx, `INSERT INTO accounts (user_id, credits) VALUES ($1, $2)`, id, credits)
	require.NoError(t, err)
	return id
}

func (f *pgFixture) slot(t *testing.T) uuid.UUID {
	t.Helper()
	id := uuid.New()
	start := time.Now().UTC().Add(48 * time.Hour).Truncate(time.Minute)
	_, err := testPool.Exec(context.Background(), `
		INSERT INTO slots (id, doctor_id, starts_at, ends_at) VALUES ($1, $2, $3, $4)
	`, id, f.doctor, start, start.Add(30*time.Minute))
	require.NoError(t, err)
	return id
}

func (f *pgFixture) balance(t *testing.T, id uuid.UUID) int64 {
	t.Helper()
	acct, err := f.pg.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return acct.Credits
}

func (f *pgFixture) draft(patient, slot uuid.UUID) store.Consultation {
	return store.Consultation{
		ID:             uuid.New(),
		PatientID:      patient,
		DoctorID:       f.doctor,
		SlotID:         slot,
		Modality:       store.ModalityVideo,
		CreditsCharged: 100,
		Status:         store.StatusScheduled,
	}
}

// claim books slot for patient the way the booking unit of work does.
func (f *pgFixture) claim(ctx context.Context, patient, slot uuid.UUID) (*store.Consultation, error) {
	c := f.draft(patient, slot)
	var created *store.Consultation
	err := f.pg.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.ClaimSlot(ctx, slot, f.doctor, c.ID); err != nil {
			return err
		}
		var err error
		created, err = tx.InsertConsultation(ctx, c)
		return err
	})
	return created, err
}

func TestPostgres_ClaimSlotIsConditional(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	p := f.patient(t, 0)
	slot := f.slot(t)

	// The slot references a consultation inserted later in the same unit of
	// work; the deferred foreign key only checks at commit.
	c, err := f.claim(ctx, p, slot)
	require.NoError(t, err)

	s, err := f.pg.GetSlot(ctx, slot)
	require.NoError(t, err)
	assert.True(t, s.IsBooked)
	require.NotNil(t, s.ConsultationID)
	assert.Equal(t, c.ID, *s.ConsultationID)

	_, err = f.claim(ctx, f.patient(t, 0), slot)
	assert.ErrorIs(t, err, store.ErrSlotTaken)

	_, err = f.claim(ctx, p, uuid.New())
	assert.ErrorIs(t, err, store.ErrSlotNotFound)
}

func TestPostgres_ClaimWithoutConsultationFailsAtCommit(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	slot := f.slot(t)

	err := f.pg.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.ClaimSlot(ctx, slot, f.doctor, uuid.New())
		return err
	})
	require.Error(t, err)

	s, err := f.pg.GetSlot(ctx, slot)
	require.NoError(t, err)
	assert.False(t, s.IsBooked)
}

func TestPostgres_DebitIsConditional(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	p := f.patient(t, 80)

	err := f.pg.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.Debit(ctx, p, 100)
		return err
	})
	assert.ErrorIs(t, err, store.ErrInsufficientFunds)
	assert.Equal(t, int64(80), f.balance(t, p))

	err = f.pg.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		acct, err := tx.Debit(ctx, p, 80)
		if err == nil {
			assert.Equal(t, int64(0), acct.Credits)
		}
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), f.balance(t, p))

	err = f.pg.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.Debit(ctx, uuid.New(), 1)
		return err
	})
	assert.ErrorIs(t, err, store.ErrAccountNotFound)
}

func TestPostgres_FailedUnitOfWorkLeavesNothing(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	p := f.patient(t, 100)
	slot := f.slot(t)
	boom := errors.New("payment step failed")

	err := f.pg.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		c := f.draft(p, slot)
		if _, err := tx.ClaimSlot(ctx, slot, f.doctor, c.ID); err != nil {
			return err
		}
		if _, err := tx.Debit(ctx, p, 100); err != nil {
			return err
		}
		if _, err := tx.InsertConsultation(ctx, c); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	s, err := f.pg.GetSlot(ctx, slot)
	require.NoError(t, err)
	assert.False(t, s.IsBooked)
	assert.Equal(t, int64(100), f.balance(t, p))
	list, err := f.pg.ListConsultationsByUser(ctx, p, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestPostgres_UpdateConsultationIsStatusConditional(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	c, err := f.claim(ctx, f.patient(t, 0), f.slot(t))
	require.NoError(t, err)

	now := time.Now().UTC()
	next := *c
	next.Status = store.StatusOngoing
	next.StartedAt = &now

	update := func(c store.Consultation, from store.Status) error {
		return f.pg.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			_, err := tx.UpdateConsultation(ctx, c, from)
			return err
		})
	}

	assert.ErrorIs(t, update(next, store.StatusOngoing), store.ErrStatusMismatch)
	require.NoError(t, update(next, store.StatusScheduled))
	assert.ErrorIs(t, update(next, store.StatusScheduled), store.ErrStatusMismatch)

	missing := next
	missing.ID = uuid.New()
	assert.ErrorIs(t, update(missing, store.StatusScheduled), store.ErrConsultationNotFound)

	got, err := f.pg.GetConsultation(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusOngoing, got.Status)
	require.NotNil(t, got.StartedAt)
}

func TestPostgres_ConcurrentBookingsBookSlotOnce(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	log := zap.NewNop()
	journal := events.NewJournal(f.pg, nil, log)
	coord := booking.NewCoordinator(f.pg, nil, journal, log, booking.WithBackoff(5*time.Millisecond))

	slot := f.slot(t)
	f.slot(t) // keeps the doctor available after the race

	const contenders = 12
	patients := make([]uuid.UUID, contenders)
	for i := range patients {
		patients[i] = f.patient(t, 100)
	}

	var (
		wg       sync.WaitGroup
		start    = make(chan struct{})
		mu       sync.Mutex
		winners  []uuid.UUID
		failures []error
	)
	for _, p := range patients {
		wg.Add(1)
		go func(p uuid.UUID) {
			defer wg.Done()
			<-start
			c, err := coord.Book(ctx, booking.Request{PatientID: p, DoctorID: f.doctor, SlotID: slot, Modality: store.ModalityVideo})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return
			}
			winners = append(winners, c.PatientID)
		}(p)
	}
	close(start)
	wg.Wait()

	require.Len(t, winners, 1)
	for _, err := range failures {
		assert.ErrorIs(t, err, booking.ErrSlotUnavailable)
	}

	var total int64
	for _, p := range patients {
		b := f.balance(t, p)
		if p == winners[0] {
			assert.Equal(t, int64(0), b)
		} else {
			assert.Equal(t, int64(100), b)
		}
		total += b
	}
	assert.Equal(t, int64(contenders*100-100), total)

	var booked int
	require.NoError(t, testPool.QueryRow(ctx, `SELECT count(*) FROM consultations WHERE slot_id = $1`, slot).Scan(&booked))
	assert.Equal(t, 1, booked)
}

func TestPostgres_CancelRefundsOnce(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	log := zap.NewNop()
	journal := events.NewJournal(f.pg, nil, log)
	coord := booking.NewCoordinator(f.pg, nil, journal, log)
	consultations := consultation.NewService(f.pg, journal, log)

	p := f.patient(t, 150)
	f.slot(t)
	c, err := coord.Book(ctx, booking.Request{PatientID: p, DoctorID: f.doctor, SlotID: f.slot(t), Modality: store.ModalityVideo})
	require.NoError(t, err)
	assert.Equal(t, int64(50), f.balance(t, p))

	var (
		wg        sync.WaitGroup
		start     = make(chan struct{})
		cancelled int
		rejected  int
		mu        sync.Mutex
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := consultations.Cancel(ctx, c.ID, p)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				cancelled++
			case errors.Is(err, consultation.ErrInvalidTransition):
				rejected++
			default:
				t.Errorf("unexpected cancel error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, cancelled)
	assert.Equal(t, 3, rejected)
	assert.Equal(t, int64(150), f.balance(t, p))

	got, err := f.pg.GetConsultation(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, got.Status)
	assert.True(t, got.Refunded)

	txs, err := f.pg.ListTransactions(ctx, p, 50, 0)
	require.NoError(t, err)
	refunds := 0
	for _, tr := range txs {
		if tr.Kind == store.KindRefund {
			refunds++
			assert.Equal(t, int64(100), tr.Amount)
		}
	}
	assert.Equal(t, 1, refunds)
}
