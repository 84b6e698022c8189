package booking

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/consultation-orchestrator/internal/events"
	"github.com/hackgods/consultation-orchestrator/internal/store"
)

// MaxPurchase caps a single simulated top-up.
const MaxPurchase = 100_000

var ErrInvalidAmount = errors.New("purchase amount must be between 1 and 100000")

// Ledger serves account reads and simulated credit purchases. The real
// payment provider is an external collaborator; a purchase here is recorded
// pending, credited and settled within one unit of work.
type Ledger struct {
	store   store.Store
	journal *events.Journal
	log     *zap.Logger
}

func NewLedger(st store.Store, journal *events.Journal, log *zap.Logger) *Ledger {
	return &Ledger{store: st, journal: journal, log: log}
}

func (l *Ledger) Balance(ctx context.Context, accountID uuid.UUID) (*store.Account, error) {
	acct, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	return acct, nil
}

func (l *Ledger) Transactions(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]store.Transaction, error) {
	txs, err := l.store.ListTransactions(ctx, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return txs, nil
}

func (l *Ledger) Purchase(ctx context.Context, accountID uuid.UUID, amount int64) (*store.Account, *store.Transaction, error) {
	if amount <= 0 || amount > MaxPurchase {
		return nil, nil, ErrInvalidAmount
	}

	var (
		acct    *store.Account
		settled *store.Transaction
	)
	err := l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		pending, err := tx.AppendTransaction(ctx, store.Transaction{
			AccountID: accountID,
			Kind:      store.KindPurchase,
			Amount:    amount,
			Status:    store.TxPending,
		})
		if err != nil {
			return fmt.Errorf("record purchase: %w", err)
		}
		if acct, err = tx.Credit(ctx, accountID, amount); err != nil {
			return fmt.Errorf("credit account: %w", err)
		}
		if settled, err = tx.SettleTransaction(ctx, pending.ID, store.TxCompleted); err != nil {
			return fmt.Errorf("settle purchase: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	l.log.Info("credits purchased",
		zap.String("account_id", accountID.String()),
		zap.Int64("amount", amount),
		zap.Int64("balance", acct.Credits),
	)
	l.journal.Record(ctx, events.Event{
		Type:      events.CreditsPurchased,
		AccountID: &accountID,
		Data: map[string]any{
			"transaction_id": settled.ID.String(),
			"amount":         amount,
			"balance":        acct.Credits,
		},
	})
	return acct, settled, nil
}
