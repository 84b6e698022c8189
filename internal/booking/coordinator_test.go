package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/consultation-orchestrator/internal/events"
	redisclient "github.com/hackgods/consultation-orchestrator/internal/redis"
	"github.com/hackgods/consultation-orchestrator/internal/store"
)

var testNow = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	mem    *store.Memory
	coord  *Coordinator
	doctor uuid.UUID
	slots  []uuid.UUID
}

func newFixture(t *testing.T, slotCount int, opts ...Option) *fixture {
	t.Helper()
	mem := store.NewMemory()
	mem.SetClock(func() time.Time { return testNow })

	f := &fixture{mem: mem, doctor: uuid.New()}
	mem.PutUser(store.User{ID: f.doctor, Name: gofakeit.Name(), Role: store.RoleDoctor})
	mem.PutDoctor(store.Doctor{
		UserID:      f.doctor,
		Approved:    true,
		Available:   true,
		VideoFee:    100,
		PhysicalFee: 60,
	})
	for i := 0; i < slotCount; i++ {
		id := uuid.New()
		start := testNow.Add(time.Duration(i+1) * time.Hour)
		mem.PutSlot(store.Slot{ID: id, DoctorID: f.doctor, StartsAt: start, EndsAt: start.Add(30 * time.Minute)})
		f.slots = append(f.slots, id)
	}

	opts = append([]Option{WithClock(func() time.Time { return testNow }), WithBackoff(time.Millisecond)}, opts...)
	journal := events.NewJournal(mem, nil, zap.NewNop())
	f.coord = NewCoordinator(mem, nil, journal, zap.NewNop(), opts...)
	return f
}

func (f *fixture) patient(credits int64) uuid.UUID {
	id := uuid.New()
	f.mem.PutUser(store.User{ID: id, Name: gofakeit.Name(), Role: store.RolePatient})
	f.mem.PutAccount(store.Account{UserID: id, Credits: credits})
	return id
}

func (f *fixture) balance(t *testing.T, id uuid.UUID) int64 {
	t.Helper()
	acct, err := f.mem.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return acct.Credits
}

func TestBook_DebitsAndSchedules(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	p := f.patient(250)

	c, err := f.coord.Book(ctx, Request{PatientID: p, DoctorID: f.doctor, SlotID: f.slots[0], Modality: store.ModalityVideo})
	require.NoError(t, err)
	assert.Equal(t, store.StatusScheduled, c.Status)
	assert.Equal(t, int64(100), c.CreditsCharged)
	assert.Equal(t, int64(150), f.balance(t, p))

	slot, err := f.mem.GetSlot(ctx, f.slots[0])
	require.NoError(t, err)
	assert.True(t, slot.IsBooked)
	require.NotNil(t, slot.ConsultationID)
	assert.Equal(t, c.ID, *slot.ConsultationID)

	txs, err := f.mem.ListTransactions(ctx, p, 10, 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, store.KindPayment, txs[0].Kind)
	assert.Equal(t, store.TxCompleted, txs[0].Status)
	assert.Equal(t, int64(100), txs[0].Amount)

	evs := f.mem.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, events.ConsultationBooked, evs[0].EventType)

	doc, err := f.mem.GetDoctor(ctx, f.doctor)
	require.NoError(t, err)
	assert.True(t, doc.Available)
}

func TestBook_PhysicalUsesPhysicalFee(t *testing.T) {
	f := newFixture(t, 1)
	p := f.patient(60)

	c, err := f.coord.Book(context.Background(), Request{PatientID: p, DoctorID: f.doctor, SlotID: f.slots[0], Modality: store.ModalityPhysical})
	require.NoError(t, err)
	assert.Equal(t, int64(60), c.CreditsCharged)
	assert.Equal(t, int64(0), f.balance(t, p))
}

func TestBook_ConcurrentRequestsForOneSlot(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	const contenders = 20
	patients := make([]uuid.UUID, contenders)
	for i := range patients {
		patients[i] = f.patient(100)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		others    []error
	)
	for _, p := range patients {
		wg.Add(1)
		go func(p uuid.UUID) {
			defer wg.Done()
			_, err := f.coord.Book(ctx, Request{PatientID: p, DoctorID: f.doctor, SlotID: f.slots[0], Modality: store.ModalityVideo})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			others = append(others, err)
		}(p)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	for _, err := range others {
		assert.ErrorIs(t, err, ErrSlotUnavailable)
	}

	var total int64
	for _, p := range patients {
		total += f.balance(t, p)
	}
	assert.Equal(t, int64(contenders*100-100), total)
}

func TestBook_InsufficientCreditsLeavesNoTrace(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	p := f.patient(50)

	_, err := f.coord.Book(ctx, Request{PatientID: p, DoctorID: f.doctor, SlotID: f.slots[0], Modality: store.ModalityVideo})
	require.ErrorIs(t, err, ErrInsufficientCredits)

	var ice *InsufficientCreditsError
	require.True(t, errors.As(err, &ice))
	assert.Equal(t, int64(50), ice.Balance)
	assert.Equal(t, int64(100), ice.Fee)
	assert.Equal(t, int64(50), ice.Shortfall)

	slot, err := f.mem.GetSlot(ctx, f.slots[0])
	require.NoError(t, err)
	assert.False(t, slot.IsBooked)

	txs, err := f.mem.ListTransactions(ctx, p, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, txs)
	assert.Equal(t, int64(50), f.balance(t, p))
}

func TestBook_LastSlotMarksDoctorUnavailable(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	p := f.patient(100)

	_, err := f.coord.Book(ctx, Request{PatientID: p, DoctorID: f.doctor, SlotID: f.slots[0], Modality: store.ModalityVideo})
	require.NoError(t, err)

	doc, err := f.mem.GetDoctor(ctx, f.doctor)
	require.NoError(t, err)
	assert.False(t, doc.Available)
}

func TestBook_FailedStepIsCompensated(t *testing.T) {
	for _, step := range []string{store.StepDebit, store.StepInsertConsultation, store.StepAppendTransaction} {
		t.Run(step, func(t *testing.T) {
			f := newFixture(t, 1)
			ctx := context.Background()
			p := f.patient(300)

			f.mem.InjectFault(step, errors.New("injected"))
			_, err := f.coord.Book(ctx, Request{PatientID: p, DoctorID: f.doctor, SlotID: f.slots[0], Modality: store.ModalityVideo})
			require.Error(t, err)

			assert.Equal(t, int64(300), f.balance(t, p))
			slot, err := f.mem.GetSlot(ctx, f.slots[0])
			require.NoError(t, err)
			assert.False(t, slot.IsBooked)
			assert.Nil(t, slot.ConsultationID)

			list, err := f.mem.ListConsultationsByUser(ctx, p, 10, 0)
			require.NoError(t, err)
			assert.Empty(t, list)
			txs, err := f.mem.ListTransactions(ctx, p, 10, 0)
			require.NoError(t, err)
			assert.Empty(t, txs)

			// The slot is bookable again after compensation.
			_, err = f.coord.Book(ctx, Request{PatientID: p, DoctorID: f.doctor, SlotID: f.slots[0], Modality: store.ModalityVideo})
			require.NoError(t, err)
			assert.Equal(t, int64(200), f.balance(t, p))
		})
	}
}

func TestBook_RetriesConflicts(t *testing.T) {
	f := newFixture(t, 1)
	p := f.patient(100)

	f.mem.InjectFault(store.StepClaimSlot, store.ErrConflict)
	c, err := f.coord.Book(context.Background(), Request{PatientID: p, DoctorID: f.doctor, SlotID: f.slots[0], Modality: store.ModalityVideo})
	require.NoError(t, err)
	assert.Equal(t, store.StatusScheduled, c.Status)
}

func TestBook_GivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, 1, WithMaxAttempts(1))
	p := f.patient(100)

	f.mem.InjectFault(store.StepClaimSlot, store.ErrConflict)
	_, err := f.coord.Book(context.Background(), Request{PatientID: p, DoctorID: f.doctor, SlotID: f.slots[0], Modality: store.ModalityVideo})
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.Equal(t, int64(100), f.balance(t, p))
}

func TestBook_ReconciliationIsSurfacedAndRecorded(t *testing.T) {
	f := newFixture(t, 1)
	p := f.patient(100)

	f.mem.InjectFault(store.StepClaimSlot, store.ErrReconciliation)
	_, err := f.coord.Book(context.Background(), Request{PatientID: p, DoctorID: f.doctor, SlotID: f.slots[0], Modality: store.ModalityVideo})
	assert.ErrorIs(t, err, store.ErrReconciliation)

	evs := f.mem.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, EventReconciliationRequired, evs[0].EventType)
}

type busyLocker struct{}

func (busyLocker) WithSlotLock(context.Context, uuid.UUID, func(context.Context) error) error {
	return redisclient.ErrLockNotAcquired
}

// releasingLocker reports contention for the first busy calls, then runs fn.
type releasingLocker struct {
	mu   sync.Mutex
	busy int
}

func (l *releasingLocker) WithSlotLock(ctx context.Context, _ uuid.UUID, fn func(context.Context) error) error {
	l.mu.Lock()
	if l.busy > 0 {
		l.busy--
		l.mu.Unlock()
		return redisclient.ErrLockNotAcquired
	}
	l.mu.Unlock()
	return fn(ctx)
}

func TestBook_LockContention(t *testing.T) {
	ctx := context.Background()

	t.Run("free slot behind a held lock is busy, not gone", func(t *testing.T) {
		f := newFixture(t, 1)
		p := f.patient(100)
		f.coord.locker = busyLocker{}

		_, err := f.coord.Book(ctx, Request{PatientID: p, DoctorID: f.doctor, SlotID: f.slots[0], Modality: store.ModalityVideo})
		assert.ErrorIs(t, err, ErrSlotBusy)
		assert.NotErrorIs(t, err, ErrSlotUnavailable)
		assert.Equal(t, int64(100), f.balance(t, p))
	})

	t.Run("lock released by a failed holder is retried", func(t *testing.T) {
		f := newFixture(t, 1)
		p := f.patient(100)
		f.coord.locker = &releasingLocker{busy: 2}

		c, err := f.coord.Book(ctx, Request{PatientID: p, DoctorID: f.doctor, SlotID: f.slots[0], Modality: store.ModalityVideo})
		require.NoError(t, err)
		assert.Equal(t, store.StatusScheduled, c.Status)
		assert.Equal(t, int64(0), f.balance(t, p))
	})

	t.Run("slot booked by the holder is unavailable", func(t *testing.T) {
		f := newFixture(t, 1)
		winner, loser := f.patient(100), f.patient(100)
		_, err := f.coord.Book(ctx, Request{PatientID: winner, DoctorID: f.doctor, SlotID: f.slots[0], Modality: store.ModalityVideo})
		require.NoError(t, err)

		slot, err := f.mem.GetSlot(ctx, f.slots[0])
		require.NoError(t, err)
		require.True(t, slot.IsBooked)

		f.coord.locker = busyLocker{}
		err = f.coord.mapError(ctx, Request{PatientID: loser, DoctorID: f.doctor, SlotID: f.slots[0], Modality: store.ModalityVideo}, 100, redisclient.ErrLockNotAcquired)
		assert.ErrorIs(t, err, ErrSlotUnavailable)
	})
}

func TestBook_Preconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("suspended doctor", func(t *testing.T) {
		f := newFixture(t, 1)
		p := f.patient(100)
		f.mem.PutDoctor(store.Doctor{UserID: f.doctor, Approved: true, Suspended: true, VideoFee: 100})
		_, err := f.coord.Book(ctx, Request{PatientID: p, DoctorID: f.doctor, SlotID: f.slots[0], Modality: store.ModalityVideo})
		assert.ErrorIs(t, err, ErrDoctorUnavailable)
	})

	t.Run("unapproved doctor", func(t *testing.T) {
		f := newFixture(t, 1)
		p := f.patient(100)
		f.mem.PutDoctor(store.Doctor{UserID: f.doctor, VideoFee: 100})
		_, err := f.coord.Book(ctx, Request{PatientID: p, DoctorID: f.doctor, SlotID: f.slots[0], Modality: store.ModalityVideo})
		assert.ErrorIs(t, err, ErrDoctorUnavailable)
	})

	t.Run("unknown modality", func(t *testing.T) {
		f := newFixture(t, 1)
		p := f.patient(100)
		_, err := f.coord.Book(ctx, Request{PatientID: p, DoctorID: f.doctor, SlotID: f.slots[0], Modality: "audio"})
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("missing slot id", func(t *testing.T) {
		f := newFixture(t, 1)
		p := f.patient(100)
		_, err := f.coord.Book(ctx, Request{PatientID: p, DoctorID: f.doctor, Modality: store.ModalityVideo})
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("slot of another doctor", func(t *testing.T) {
		f := newFixture(t, 1)
		p := f.patient(100)
		other := uuid.New()
		f.mem.PutDoctor(store.Doctor{UserID: other, Approved: true, VideoFee: 10})
		_, err := f.coord.Book(ctx, Request{PatientID: p, DoctorID: other, SlotID: f.slots[0], Modality: store.ModalityVideo})
		assert.ErrorIs(t, err, store.ErrSlotNotFound)
	})

	t.Run("blocked patient", func(t *testing.T) {
		f := newFixture(t, 1)
		p := f.patient(100)
		f.mem.PutUser(store.User{ID: p, Role: store.RolePatient, Blocked: true})
		_, err := f.coord.Book(ctx, Request{PatientID: p, DoctorID: f.doctor, SlotID: f.slots[0], Modality: store.ModalityVideo})
		assert.ErrorIs(t, err, ErrPatientBlocked)
	})

	t.Run("doctor cannot book", func(t *testing.T) {
		f := newFixture(t, 1)
		f.mem.PutAccount(store.Account{UserID: f.doctor, Credits: 500})
		_, err := f.coord.Book(ctx, Request{PatientID: f.doctor, DoctorID: f.doctor, SlotID: f.slots[0], Modality: store.ModalityVideo})
		assert.ErrorIs(t, err, ErrNotPatient)
	})
}
