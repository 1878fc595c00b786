// Package ledger reserves and refunds account credits for analysis jobs.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/leadscout/internal/store"
	"github.com/kiranshivaraju/leadscout/pkg/models"
)

var ErrInsufficientCredits = errors.New("insufficient credits")

// refundAttempts is the total number of tries a refund gets, first one included.
const refundAttempts = 3

// BalanceStore is the account balance collaborator. store.PostgresStore implements it.
type BalanceStore interface {
	GetBalance(ctx context.Context, accountID uuid.UUID) (int, error)
	Debit(ctx context.Context, accountID uuid.UUID, amount int, jobID uuid.UUID) error
	Credit(ctx context.Context, accountID uuid.UUID, amount int, referenceID *uuid.UUID, txType string) error
}

// Ledger applies the job credit rules on top of a BalanceStore. Reservations
// and refunds are keyed by job ID so repeating either one is harmless.
type Ledger struct {
	store         BalanceStore
	logger        *slog.Logger
	refundBackOff func() backoff.BackOff
}

type Option func(*Ledger)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithRefundBackOff replaces the delay policy between refund attempts.
// The attempt count stays fixed.
func WithRefundBackOff(fn func() backoff.BackOff) Option {
	return func(l *Ledger) {
		l.refundBackOff = fn
	}
}

func New(s BalanceStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:         s,
		logger:        slog.Default(),
		refundBackOff: defaultRefundBackOff,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "ledger")
	return l
}

func defaultRefundBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0
	return b
}

func (l *Ledger) Balance(ctx context.Context, accountID uuid.UUID) (int, error) {
	balance, err := l.store.GetBalance(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// CanAfford returns ErrInsufficientCredits when the balance is below amount.
// It is advisory: Reserve re-checks inside the debit transaction.
func (l *Ledger) CanAfford(ctx context.Context, accountID uuid.UUID, amount int) error {
	balance, err := l.Balance(ctx, accountID)
	if err != nil {
		return err
	}
	if balance < amount {
		return fmt.Errorf("%w: balance %d, need %d", ErrInsufficientCredits, balance, amount)
	}
	return nil
}

// Reserve debits amount for jobID. A job that already holds a reservation is
// left untouched and Reserve returns nil.
func (l *Ledger) Reserve(ctx context.Context, accountID, jobID uuid.UUID, amount int) error {
	if amount <= 0 {
		return nil
	}
	err := l.store.Debit(ctx, accountID, amount, jobID)
	switch {
	case err == nil:
		l.logger.Info("credits reserved", "account_id", accountID, "job_id", jobID, "amount", amount)
		return nil
	case errors.Is(err, store.ErrDuplicateKey):
		l.logger.Info("reservation already recorded", "job_id", jobID)
		return nil
	case errors.Is(err, store.ErrInsufficientFunds):
		return fmt.Errorf("%w: need %d", ErrInsufficientCredits, amount)
	default:
		return fmt.Errorf("reserve credits: %w", err)
	}
}

// Refund returns a job's reservation to the account. It retries transient
// store failures and treats an existing refund for the job as success.
func (l *Ledger) Refund(ctx context.Context, accountID, jobID uuid.UUID, amount int) error {
	if amount <= 0 {
		return nil
	}
	ref := jobID
	op := func() error {
		err := l.store.Credit(ctx, accountID, amount, &ref, models.TransactionRefund)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, store.ErrDuplicateKey):
			l.logger.Info("refund already recorded", "job_id", jobID)
			return nil
		case errors.Is(err, store.ErrNotFound):
			return backoff.Permanent(err)
		default:
			return err
		}
	}
	notify := func(err error, wait time.Duration) {
		l.logger.Warn("refund attempt failed", "job_id", jobID, "error", err, "retry_in", wait)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(l.refundBackOff(), refundAttempts-1), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return fmt.Errorf("refund credits: %w", err)
	}
	l.logger.Info("credits refunded", "account_id", accountID, "job_id", jobID, "amount", amount)
	return nil
}

// Grant adds credits outside any job, for example a plan top-up.
func (l *Ledger) Grant(ctx context.Context, accountID uuid.UUID, amount int) error {
	if amount <= 0 {
		return fmt.Errorf("grant amount must be positive, got %d", amount)
	}
	if err := l.store.Credit(ctx, accountID, amount, nil, models.TransactionGrant); err != nil {
		return fmt.Errorf("grant credits: %w", err)
	}
	return nil
}
