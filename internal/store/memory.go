package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is a process-local Store. Records live in per-record cells with
// their own mutex, so writes to unrelated accounts or slots never contend.
// It has no multi-record atomicity: InTx runs the unit of work as a saga and
// undoes the applied steps in reverse order when a later step fails.
type Memory struct {
	now func() time.Time

	mu            sync.RWMutex // guards the maps, not the records
	users         map[uuid.UUID]User
	doctors       map[uuid.UUID]*cell[Doctor]
	accounts      map[uuid.UUID]*cell[Account]
	slots         map[uuid.UUID]*cell[Slot]
	consultations map[uuid.UUID]*cell[Consultation]
	bySlot        map[uuid.UUID]uuid.UUID
	transactions  map[uuid.UUID]*cell[Transaction]
	txOrder       []uuid.UUID

	logMu  sync.Mutex
	notes  []Note
	chats  []*cell[ChatMessage]
	events []EventLog
	seq    int64

	faultMu sync.Mutex
	faults  map[string]error
}

type cell[T any] struct {
	mu sync.Mutex
	v  T
}

// Steps that can be failed with InjectFault.
const (
	StepClaimSlot          = "claim_slot"
	StepDebit              = "debit"
	StepCredit             = "credit"
	StepInsertConsultation = "insert_consultation"
	StepUpdateConsultation = "update_consultation"
	StepAppendTransaction  = "append_transaction"
)

func NewMemory() *Memory {
	return &Memory{
		now:           time.Now,
		users:         make(map[uuid.UUID]User),
		doctors:       make(map[uuid.UUID]*cell[Doctor]),
		accounts:      make(map[uuid.UUID]*cell[Account]),
		slots:         make(map[uuid.UUID]*cell[Slot]),
		consultations: make(map[uuid.UUID]*cell[Consultation]),
		bySlot:        make(map[uuid.UUID]uuid.UUID),
		transactions:  make(map[uuid.UUID]*cell[Transaction]),
		faults:        make(map[string]error),
	}
}

// SetClock replaces the time source used for record timestamps.
func (m *Memory) SetClock(now func() time.Time) {
	m.now = now
}

// InjectFault makes the next call of step inside a unit of work fail with err.
func (m *Memory) InjectFault(step string, err error) {
	m.faultMu.Lock()
	defer m.faultMu.Unlock()
	m.faults[step] = err
}

func (m *Memory) fault(step string) error {
	m.faultMu.Lock()
	defer m.faultMu.Unlock()
	err, ok := m.faults[step]
	if ok {
		delete(m.faults, step)
	}
	return err
}

// Fixtures

func (m *Memory) PutUser(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = m.now()
		u.UpdatedAt = u.CreatedAt
	}
	m.users[u.ID] = u
}

func (m *Memory) PutDoctor(d Doctor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doctors[d.UserID] = &cell[Doctor]{v: d}
}

func (m *Memory) PutAccount(a Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.UserID] = &cell[Account]{v: a}
}

func (m *Memory) PutSlot(s Slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[s.ID] = &cell[Slot]{v: s}
}

// Reads

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *Memory) GetUser(_ context.Context, id uuid.UUID) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func lookup[T any](m *Memory, table map[uuid.UUID]*cell[T], id uuid.UUID) (*cell[T], bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := table[id]
	return c, ok
}

func read[T any](c *cell[T]) T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v
}

func (m *Memory) GetDoctor(_ context.Context, userID uuid.UUID) (*Doctor, error) {
	c, ok := lookup(m, m.doctors, userID)
	if !ok {
		return nil, ErrDoctorNotFound
	}
	d := read(c)
	return &d, nil
}

func (m *Memory) SetDoctorAvailability(_ context.Context, userID uuid.UUID, available bool) error {
	c, ok := lookup(m, m.doctors, userID)
	if !ok {
		return ErrDoctorNotFound
	}
	c.mu.Lock()
	c.v.Available = available
	c.v.UpdatedAt = m.now()
	c.mu.Unlock()
	return nil
}

func (m *Memory) GetAccount(_ context.Context, userID uuid.UUID) (*Account, error) {
	c, ok := lookup(m, m.accounts, userID)
	if !ok {
		return nil, ErrAccountNotFound
	}
	a := read(c)
	return &a, nil
}

func (m *Memory) GetSlot(_ context.Context, id uuid.UUID) (*Slot, error) {
	c, ok := lookup(m, m.slots, id)
	if !ok {
		return nil, ErrSlotNotFound
	}
	s := read(c)
	return &s, nil
}

func (m *Memory) openSlots(doctorID uuid.UUID, from time.Time) []Slot {
	m.mu.RLock()
	cells := make([]*cell[Slot], 0, len(m.slots))
	for _, c := range m.slots {
		cells = append(cells, c)
	}
	m.mu.RUnlock()

	var out []Slot
	for _, c := range cells {
		s := read(c)
		if s.DoctorID == doctorID && !s.IsBooked && s.StartsAt.After(from) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out
}

func (m *Memory) ListOpenSlots(_ context.Context, doctorID uuid.UUID, from time.Time, limit int) ([]Slot, error) {
	limit, _ = clampPage(limit, 0)
	out := m.openSlots(doctorID, from)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CountOpenSlots(_ context.Context, doctorID uuid.UUID, from time.Time) (int, error) {
	return len(m.openSlots(doctorID, from)), nil
}

func (m *Memory) GetConsultation(_ context.Context, id uuid.UUID) (*Consultation, error) {
	c, ok := lookup(m, m.consultations, id)
	if !ok {
		return nil, ErrConsultationNotFound
	}
	v := read(c)
	return &v, nil
}

func (m *Memory) allConsultations() []Consultation {
	m.mu.RLock()
	cells := make([]*cell[Consultation], 0, len(m.consultations))
	for _, c := range m.consultations {
		cells = append(cells, c)
	}
	m.mu.RUnlock()

	out := make([]Consultation, 0, len(cells))
	for _, c := range cells {
		out = append(out, read(c))
	}
	return out
}

func (m *Memory) ListConsultationsByUser(_ context.Context, userID uuid.UUID, limit, offset int) ([]Consultation, error) {
	limit, offset = clampPage(limit, offset)

	var mine []Consultation
	for _, c := range m.allConsultations() {
		if c.PatientID == userID || c.DoctorID == userID {
			mine = append(mine, c)
		}
	}
	sort.Slice(mine, func(i, j int) bool { return mine[i].CreatedAt.After(mine[j].CreatedAt) })

	if offset >= len(mine) {
		return nil, nil
	}
	end := offset + limit
	if end > len(mine) {
		end = len(mine)
	}
	return mine[offset:end], nil
}

func (m *Memory) FindStaleOngoing(_ context.Context, startedBefore time.Time) ([]Consultation, error) {
	var out []Consultation
	for _, c := range m.allConsultations() {
		if c.Status == StatusOngoing && c.StartedAt != nil && c.StartedAt.Before(startedBefore) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) AssignRoom(_ context.Context, id uuid.UUID, roomID string) (*Consultation, error) {
	c, ok := lookup(m, m.consultations, id)
	if !ok {
		return nil, ErrConsultationNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.v.RoomID == nil {
		c.v.RoomID = &roomID
		c.v.UpdatedAt = m.now()
	}
	v := c.v
	return &v, nil
}

func (m *Memory) AppendNote(_ context.Context, n Note) (*Note, error) {
	m.logMu.Lock()
	defer m.logMu.Unlock()
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	n.CreatedAt = m.now()
	m.notes = append(m.notes, n)
	return &n, nil
}

func (m *Memory) ListNotes(_ context.Context, consultationID uuid.UUID) ([]Note, error) {
	m.logMu.Lock()
	defer m.logMu.Unlock()
	var out []Note
	for _, n := range m.notes {
		if n.ConsultationID == consultationID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *Memory) AppendChat(_ context.Context, msg ChatMessage) (*ChatMessage, error) {
	m.logMu.Lock()
	defer m.logMu.Unlock()
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	msg.Read = false
	msg.ReadAt = nil
	msg.CreatedAt = m.now()
	m.chats = append(m.chats, &cell[ChatMessage]{v: msg})
	return &msg, nil
}

func (m *Memory) ListChat(_ context.Context, consultationID uuid.UUID) ([]ChatMessage, error) {
	m.logMu.Lock()
	cells := append([]*cell[ChatMessage](nil), m.chats...)
	m.logMu.Unlock()

	var out []ChatMessage
	for _, c := range cells {
		v := read(c)
		if v.ConsultationID == consultationID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *Memory) chatCell(id uuid.UUID) (*cell[ChatMessage], bool) {
	m.logMu.Lock()
	defer m.logMu.Unlock()
	for _, c := range m.chats {
		if c.v.ID == id {
			return c, true
		}
	}
	return nil, false
}

func (m *Memory) GetChatMessage(_ context.Context, id uuid.UUID) (*ChatMessage, error) {
	c, ok := m.chatCell(id)
	if !ok {
		return nil, ErrMessageNotFound
	}
	v := read(c)
	return &v, nil
}

func (m *Memory) MarkChatRead(_ context.Context, id, recipientID uuid.UUID, at time.Time) (*ChatMessage, error) {
	c, ok := m.chatCell(id)
	if !ok {
		return nil, ErrMessageNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.v.RecipientID != recipientID {
		return nil, ErrNotRecipient
	}
	c.v.Read = true
	if c.v.ReadAt == nil {
		c.v.ReadAt = &at
	}
	v := c.v
	return &v, nil
}

func (m *Memory) ListTransactions(_ context.Context, accountID uuid.UUID, limit, offset int) ([]Transaction, error) {
	limit, offset = clampPage(limit, offset)

	m.mu.RLock()
	var cells []*cell[Transaction]
	for i := len(m.txOrder) - 1; i >= 0; i-- {
		cells = append(cells, m.transactions[m.txOrder[i]])
	}
	m.mu.RUnlock()

	var out []Transaction
	for _, c := range cells {
		if v := read(c); v.AccountID == accountID {
			out = append(out, v)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	end := offset + limit
	if end > len(out) {
		end = len(out)
	}
	return out[offset:end], nil
}

func (m *Memory) InsertEvent(_ context.Context, ev EventLog) error {
	m.logMu.Lock()
	defer m.logMu.Unlock()
	m.seq++
	ev.ID = m.seq
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = m.now()
	}
	m.events = append(m.events, ev)
	return nil
}

// Events returns a copy of the recorded event log.
func (m *Memory) Events() []EventLog {
	m.logMu.Lock()
	defer m.logMu.Unlock()
	return append([]EventLog(nil), m.events...)
}

// Units of work

func (m *Memory) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx := &memoryTx{m: m}
	if err := fn(ctx, tx); err != nil {
		tx.compensate()
		return err
	}
	return nil
}

type memoryTx struct {
	m    *Memory
	undo []func()
}

func (t *memoryTx) compensate() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memoryTx) begin(ctx context.Context, step string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.m.fault(step)
}

func (t *memoryTx) ClaimSlot(ctx context.Context, slotID, doctorID, consultationID uuid.UUID) (*Slot, error) {
	if err := t.begin(ctx, StepClaimSlot); err != nil {
		return nil, err
	}
	c, ok := lookup(t.m, t.m.slots, slotID)
	if !ok {
		return nil, ErrSlotNotFound
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.v.DoctorID != doctorID {
		return nil, ErrSlotNotFound
	}
	if c.v.IsBooked {
		return nil, ErrSlotTaken
	}

	t.m.mu.Lock()
	if _, taken := t.m.bySlot[slotID]; taken {
		t.m.mu.Unlock()
		return nil, ErrReconciliation
	}
	t.m.bySlot[slotID] = consultationID
	t.m.mu.Unlock()

	prev := c.v
	c.v.IsBooked = true
	c.v.ConsultationID = &consultationID
	c.v.UpdatedAt = t.m.now()
	out := c.v

	t.undo = append(t.undo, func() {
		c.mu.Lock()
		c.v = prev
		c.mu.Unlock()
		t.m.mu.Lock()
		delete(t.m.bySlot, slotID)
		t.m.mu.Unlock()
	})
	return &out, nil
}

func (t *memoryTx) adjust(ctx context.Context, step string, accountID uuid.UUID, delta int64) (*Account, error) {
	if err := t.begin(ctx, step); err != nil {
		return nil, err
	}
	c, ok := lookup(t.m, t.m.accounts, accountID)
	if !ok {
		return nil, ErrAccountNotFound
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.v.Credits+delta < 0 {
		return nil, ErrInsufficientFunds
	}
	c.v.Credits += delta
	c.v.UpdatedAt = t.m.now()
	out := c.v

	t.undo = append(t.undo, func() {
		c.mu.Lock()
		c.v.Credits -= delta
		c.mu.Unlock()
	})
	return &out, nil
}

func (t *memoryTx) Debit(ctx context.Context, accountID uuid.UUID, amount int64) (*Account, error) {
	return t.adjust(ctx, StepDebit, accountID, -amount)
}

func (t *memoryTx) Credit(ctx context.Context, accountID uuid.UUID, amount int64) (*Account, error) {
	return t.adjust(ctx, StepCredit, accountID, amount)
}

func (t *memoryTx) InsertConsultation(ctx context.Context, c Consultation) (*Consultation, error) {
	if err := t.begin(ctx, StepInsertConsultation); err != nil {
		return nil, err
	}
	now := t.m.now()
	c.CreatedAt = now
	c.UpdatedAt = now

	t.m.mu.Lock()
	if _, exists := t.m.consultations[c.ID]; exists {
		t.m.mu.Unlock()
		return nil, errors.New("consultation already exists")
	}
	if owner, ok := t.m.bySlot[c.SlotID]; ok && owner != c.ID {
		t.m.mu.Unlock()
		return nil, ErrReconciliation
	}
	t.m.consultations[c.ID] = &cell[Consultation]{v: c}
	t.m.mu.Unlock()

	t.undo = append(t.undo, func() {
		t.m.mu.Lock()
		delete(t.m.consultations, c.ID)
		t.m.mu.Unlock()
	})
	return &c, nil
}

func (t *memoryTx) UpdateConsultation(ctx context.Context, next Consultation, from Status) (*Consultation, error) {
	if err := t.begin(ctx, StepUpdateConsultation); err != nil {
		return nil, err
	}
	c, ok := lookup(t.m, t.m.consultations, next.ID)
	if !ok {
		return nil, ErrConsultationNotFound
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.v.Status != from {
		return nil, ErrStatusMismatch
	}
	prev := c.v

	// Identity fields are immutable.
	next.PatientID = prev.PatientID
	next.DoctorID = prev.DoctorID
	next.SlotID = prev.SlotID
	next.Modality = prev.Modality
	next.CreditsCharged = prev.CreditsCharged
	next.CreatedAt = prev.CreatedAt
	next.UpdatedAt = t.m.now()
	c.v = next

	t.undo = append(t.undo, func() {
		c.mu.Lock()
		c.v = prev
		c.mu.Unlock()
	})
	return &next, nil
}

func (t *memoryTx) AppendTransaction(ctx context.Context, tr Transaction) (*Transaction, error) {
	if err := t.begin(ctx, StepAppendTransaction); err != nil {
		return nil, err
	}
	if tr.ID == uuid.Nil {
		tr.ID = uuid.New()
	}
	now := t.m.now()
	tr.CreatedAt = now
	tr.UpdatedAt = now

	t.m.mu.Lock()
	t.m.transactions[tr.ID] = &cell[Transaction]{v: tr}
	t.m.txOrder = append(t.m.txOrder, tr.ID)
	t.m.mu.Unlock()

	t.undo = append(t.undo, func() {
		t.m.mu.Lock()
		defer t.m.mu.Unlock()
		delete(t.m.transactions, tr.ID)
		for i, id := range t.m.txOrder {
			if id == tr.ID {
				t.m.txOrder = append(t.m.txOrder[:i], t.m.txOrder[i+1:]...)
				break
			}
		}
	})
	return &tr, nil
}

func (t *memoryTx) SettleTransaction(ctx context.Context, id uuid.UUID, status TransactionStatus) (*Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, ok := lookup(t.m, t.m.transactions, id)
	if !ok {
		return nil, ErrTransactionNotFound
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.v.Status != TxPending {
		return nil, ErrTransactionNotFound
	}
	prev := c.v
	c.v.Status = status
	c.v.UpdatedAt = t.m.now()
	out := c.v

	t.undo = append(t.undo, func() {
		c.mu.Lock()
		c.v = prev
		c.mu.Unlock()
	})
	return &out, nil
}
