package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
	pgCheckViolation       = "23514"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const (
	userColumns         = `id, name, email, role, blocked, created_at, updated_at`
	doctorColumns       = `user_id, specialty, approved, suspended, available, video_fee, physical_fee, updated_at`
	accountColumns      = `user_id, credits, updated_at`
	slotColumns         = `id, doctor_id, starts_at, ends_at, is_booked, consultation_id, created_at, updated_at`
	consultationColumns = `id, patient_id, doctor_id, slot_id, modality, credits_charged, status, room_id,
		video_call_completed, allowed_chat, refunded, started_at, completed_at, duration_seconds, created_at, updated_at`
	transactionColumns = `id, account_id, kind, amount, status, consultation_id, created_at, updated_at`
	noteColumns        = `id, consultation_id, author_id, author_role, body, created_at`
	chatColumns        = `id, consultation_id, sender_id, sender_role, recipient_id, body, read, read_at, created_at`
)

// Helpers

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.Blocked, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	err := row.Scan(&d.UserID, &d.Specialty, &d.Approved, &d.Suspended, &d.Available,
		&d.VideoFee, &d.PhysicalFee, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}
	return &d, nil
}

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	if err := row.Scan(&a.UserID, &a.Credits, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &a, nil
}

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot
	err := row.Scan(&s.ID, &s.DoctorID, &s.StartsAt, &s.EndsAt, &s.IsBooked, &s.ConsultationID,
		&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}
	return &s, nil
}

func scanConsultation(row pgx.Row) (*Consultation, error) {
	var c Consultation
	err := row.Scan(
		&c.ID,
		&c.PatientID,
		&c.DoctorID,
		&c.SlotID,
		&c.Modality,
		&c.CreditsCharged,
		&c.Status,
		&c.RoomID,
		&c.VideoCallCompleted,
		&c.AllowedChat,
		&c.Refunded,
		&c.StartedAt,
		&c.CompletedAt,
		&c.DurationSeconds,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConsultationNotFound
		}
		return nil, err
	}
	return &c, nil
}

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var t Transaction
	err := row.Scan(&t.ID, &t.AccountID, &t.Kind, &t.Amount, &t.Status, &t.ConsultationID,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &t, nil
}

func scanNote(row pgx.Row) (*Note, error) {
	var n Note
	if err := row.Scan(&n.ID, &n.ConsultationID, &n.AuthorID, &n.AuthorRole, &n.Text, &n.CreatedAt); err != nil {
		return nil, err
	}
	return &n, nil
}

func scanChat(row pgx.Row) (*ChatMessage, error) {
	var m ChatMessage
	err := row.Scan(&m.ID, &m.ConsultationID, &m.SenderID, &m.SenderRole, &m.RecipientID,
		&m.Text, &m.Read, &m.ReadAt, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return &m, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]T, error) {
	defer rows.Close()

	var result []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// translate maps driver errors onto the store's sentinel errors.
func translate(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgSerializationFailure, pgDeadlockDetected:
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
	case pgUniqueViolation:
		if pgErr.ConstraintName == "consultations_slot_id_key" {
			return fmt.Errorf("%w: %s", ErrReconciliation, pgErr.Detail)
		}
	case pgCheckViolation:
		if pgErr.ConstraintName == "accounts_credits_check" {
			return ErrInsufficientFunds
		}
	}
	return err
}

// Interface methods

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (p *Postgres) GetDoctor(ctx context.Context, userID uuid.UUID) (*Doctor, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+doctorColumns+` FROM doctors WHERE user_id = $1`, userID)
	return scanDoctor(row)
}

func (p *Postgres) SetDoctorAvailability(ctx context.Context, userID uuid.UUID, available bool) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE doctors
		SET available = $2,
		    updated_at = now()
		WHERE user_id = $1
	`, userID, available)
	if err != nil {
		return fmt.Errorf("set doctor availability: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDoctorNotFound
	}
	return nil
}

func (p *Postgres) GetAccount(ctx context.Context, userID uuid.UUID) (*Account, error) {
	return getAccount(ctx, p.pool, userID)
}

func getAccount(ctx context.Context, q querier, userID uuid.UUID) (*Account, error) {
	row := q.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE user_id = $1`, userID)
	return scanAccount(row)
}

func (p *Postgres) GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+slotColumns+` FROM slots WHERE id = $1`, id)
	return scanSlot(row)
}

func (p *Postgres) ListOpenSlots(ctx context.Context, doctorID uuid.UUID, from time.Time, limit int) ([]Slot, error) {
	limit, _ = clampPage(limit, 0)
	rows, err := p.pool.Query(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE doctor_id = $1
		  AND NOT is_booked
		  AND starts_at > $2
		ORDER BY starts_at
		LIMIT $3
	`, doctorID, from, limit)
	if err != nil {
		return nil, fmt.Errorf("list open slots: %w", err)
	}
	return collect(rows, scanSlot)
}

func (p *Postgres) CountOpenSlots(ctx context.Context, doctorID uuid.UUID, from time.Time) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM slots
		WHERE doctor_id = $1
		  AND NOT is_booked
		  AND starts_at > $2
	`, doctorID, from).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open slots: %w", err)
	}
	return n, nil
}

func (p *Postgres) GetConsultation(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+consultationColumns+` FROM consultations WHERE id = $1`, id)
	return scanConsultation(row)
}

func (p *Postgres) ListConsultationsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Consultation, error) {
	limit, offset = clampPage(limit, offset)
	rows, err := p.pool.Query(ctx, `
		SELECT `+consultationColumns+`
		FROM consultations
		WHERE patient_id = $1 OR doctor_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list consultations: %w", err)
	}
	return collect(rows, scanConsultation)
}

func (p *Postgres) FindStaleOngoing(ctx context.Context, startedBefore time.Time) ([]Consultation, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+consultationColumns+`
		FROM consultations
		WHERE status = 'ongoing'
		  AND started_at IS NOT NULL
		  AND started_at < $1
	`, startedBefore)
	if err != nil {
		return nil, fmt.Errorf("find stale ongoing: %w", err)
	}
	return collect(rows, scanConsultation)
}

func (p *Postgres) AssignRoom(ctx context.Context, id uuid.UUID, roomID string) (*Consultation, error) {
	row := p.pool.QueryRow(ctx, `
		UPDATE consultations
		SET room_id = $2,
		    updated_at = now()
		WHERE id = $1
		  AND room_id IS NULL
		RETURNING `+consultationColumns, id, roomID)
	c, err := scanConsultation(row)
	if errors.Is(err, ErrConsultationNotFound) {
		// Either missing or already assigned; the read tells which.
		return p.GetConsultation(ctx, id)
	}
	return c, err
}

func (p *Postgres) AppendNote(ctx context.Context, n Note) (*Note, error) {
	row := p.pool.QueryRow(ctx, `
		INSERT INTO consultation_notes (id, consultation_id, author_id, author_role, body, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		RETURNING `+noteColumns, n.ID, n.ConsultationID, n.AuthorID, n.AuthorRole, n.Text)
	return scanNote(row)
}

func (p *Postgres) ListNotes(ctx context.Context, consultationID uuid.UUID) ([]Note, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+noteColumns+`
		FROM consultation_notes
		WHERE consultation_id = $1
		ORDER BY created_at, id
	`, consultationID)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	return collect(rows, scanNote)
}

func (p *Postgres) AppendChat(ctx context.Context, m ChatMessage) (*ChatMessage, error) {
	row := p.pool.QueryRow(ctx, `
		INSERT INTO chat_messages (id, consultation_id, sender_id, sender_role, recipient_id, body, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, false, now())
		RETURNING `+chatColumns, m.ID, m.ConsultationID, m.SenderID, m.SenderRole, m.RecipientID, m.Text)
	return scanChat(row)
}

func (p *Postgres) ListChat(ctx context.Context, consultationID uuid.UUID) ([]ChatMessage, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+chatColumns+`
		FROM chat_messages
		WHERE consultation_id = $1
		ORDER BY created_at, id
	`, consultationID)
	if err != nil {
		return nil, fmt.Errorf("list chat: %w", err)
	}
	return collect(rows, scanChat)
}

func (p *Postgres) GetChatMessage(ctx context.Context, id uuid.UUID) (*ChatMessage, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+chatColumns+` FROM chat_messages WHERE id = $1`, id)
	return scanChat(row)
}

func (p *Postgres) MarkChatRead(ctx context.Context, id, recipientID uuid.UUID, at time.Time) (*ChatMessage, error) {
	row := p.pool.QueryRow(ctx, `
		UPDATE chat_messages
		SET read = true,
		    read_at = COALESCE(read_at, $3)
		WHERE id = $1
		  AND recipient_id = $2
		RETURNING `+chatColumns, id, recipientID, at)
	m, err := scanChat(row)
	if errors.Is(err, ErrMessageNotFound) {
		if _, getErr := p.GetChatMessage(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrNotRecipient
	}
	return m, err
}

func (p *Postgres) ListTransactions(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]Transaction, error) {
	limit, offset = clampPage(limit, offset)
	rows, err := p.pool.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return collect(rows, scanTransaction)
}

func (p *Postgres) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, consultation_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.ConsultationID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func (p *Postgres) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", translate(err))
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", translate(err))
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) ClaimSlot(ctx context.Context, slotID, doctorID, consultationID uuid.UUID) (*Slot, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE slots
		SET is_booked = true,
		    consultation_id = $3,
		    updated_at = now()
		WHERE id = $1
		  AND doctor_id = $2
		  AND NOT is_booked
		RETURNING `+slotColumns, slotID, doctorID, consultationID)
	s, err := scanSlot(row)
	if errors.Is(err, ErrSlotNotFound) {
		var exists bool
		if qErr := t.tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM slots WHERE id = $1 AND doctor_id = $2)`,
			slotID, doctorID).Scan(&exists); qErr != nil {
			return nil, translate(qErr)
		}
		if exists {
			return nil, ErrSlotTaken
		}
		return nil, ErrSlotNotFound
	}
	if err != nil {
		return nil, translate(err)
	}
	return s, nil
}

func (t *pgTx) Debit(ctx context.Context, accountID uuid.UUID, amount int64) (*Account, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE accounts
		SET credits = credits - $2,
		    updated_at = now()
		WHERE user_id = $1
		  AND credits >= $2
		RETURNING `+accountColumns, accountID, amount)
	a, err := scanAccount(row)
	if errors.Is(err, ErrAccountNotFound) {
		if _, getErr := getAccount(ctx, t.tx, accountID); getErr != nil {
			return nil, translate(getErr)
		}
		return nil, ErrInsufficientFunds
	}
	if err != nil {
		return nil, translate(err)
	}
	return a, nil
}

func (t *pgTx) Credit(ctx context.Context, accountID uuid.UUID, amount int64) (*Account, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE accounts
		SET credits = credits + $2,
		    updated_at = now()
		WHERE user_id = $1
		RETURNING `+accountColumns, accountID, amount)
	a, err := scanAccount(row)
	if err != nil {
		return nil, translate(err)
	}
	return a, nil
}

func (t *pgTx) InsertConsultation(ctx context.Context, c Consultation) (*Consultation, error) {
	row := t.tx.QueryRow(ctx, `
		INSERT INTO consultations (id, patient_id, doctor_id, slot_id, modality, credits_charged, status,
			room_id, video_call_completed, allowed_chat, refunded, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false, false, false, now(), now())
		RETURNING `+consultationColumns,
		c.ID, c.PatientID, c.DoctorID, c.SlotID, c.Modality, c.CreditsCharged, c.Status, c.RoomID)
	out, err := scanConsultation(row)
	if err != nil {
		return nil, translate(err)
	}
	return out, nil
}

func (t *pgTx) UpdateConsultation(ctx context.Context, c Consultation, from Status) (*Consultation, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE consultations
		SET status = $3,
		    room_id = $4,
		    video_call_completed = $5,
		    allowed_chat = $6,
		    refunded = $7,
		    started_at = $8,
		    completed_at = $9,
		    duration_seconds = $10,
		    updated_at = now()
		WHERE id = $1
		  AND status = $2
		RETURNING `+consultationColumns,
		c.ID, from, c.Status, c.RoomID, c.VideoCallCompleted, c.AllowedChat, c.Refunded,
		c.StartedAt, c.CompletedAt, c.DurationSeconds)
	out, err := scanConsultation(row)
	if errors.Is(err, ErrConsultationNotFound) {
		var exists bool
		if qErr := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM consultations WHERE id = $1)`, c.ID).
			Scan(&exists); qErr != nil {
			return nil, translate(qErr)
		}
		if exists {
			return nil, ErrStatusMismatch
		}
		return nil, ErrConsultationNotFound
	}
	if err != nil {
		return nil, translate(err)
	}
	return out, nil
}

func (t *pgTx) AppendTransaction(ctx context.Context, tr Transaction) (*Transaction, error) {
	if tr.ID == uuid.Nil {
		tr.ID = uuid.New()
	}
	row := t.tx.QueryRow(ctx, `
		INSERT INTO transactions (id, account_id, kind, amount, status, consultation_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		RETURNING `+transactionColumns,
		tr.ID, tr.AccountID, tr.Kind, tr.Amount, tr.Status, tr.ConsultationID)
	out, err := scanTransaction(row)
	if err != nil {
		return nil, translate(err)
	}
	return out, nil
}

func (t *pgTx) SettleTransaction(ctx context.Context, id uuid.UUID, status TransactionStatus) (*Transaction, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE transactions
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'pending'
		RETURNING `+transactionColumns, id, status)
	out, err := scanTransaction(row)
	if err != nil {
		return nil, translate(err)
	}
	return out, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
