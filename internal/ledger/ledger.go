// Package ledger guards tenant credit balances. Every debit is a single
// conditional update in the store, so concurrent dispatchers cannot
// overdraw a tenant.
package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Cypherspark/outreach-dispatch/internal/core"
)

type DebitResult struct {
	Success    bool
	NewBalance int
}

type Ledger struct {
	store  core.CreditStore
	logger *slog.Logger
}

func New(store core.CreditStore, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger}
}

// TryDebit takes amount from the tenant balance if it is covered. An
// insufficient balance is not an error: Success is false and nothing
// changes.
func (l *Ledger) TryDebit(ctx context.Context, tenantID string, amount int, correlationID string) (DebitResult, error) {
	if amount <= 0 {
		return DebitResult{}, fmt.Errorf("%w: debit amount %d", core.ErrInvalidInput, amount)
	}
	bal, ok, err := l.store.DebitIfSufficient(ctx, tenantID, amount, correlationID)
	if err != nil {
		return DebitResult{}, fmt.Errorf("debit %s: %w", tenantID, err)
	}
	if !ok {
		l.logger.Debug("debit refused",
			slog.String("tenant_id", tenantID),
			slog.Int("amount", amount),
			slog.Int("balance", bal),
		)
	}
	return DebitResult{Success: ok, NewBalance: bal}, nil
}

// Refund returns credits for a debit whose send did not go out.
func (l *Ledger) Refund(ctx context.Context, tenantID string, amount int, correlationID string) (int, error) {
	bal, err := l.store.Credit(ctx, tenantID, amount, core.LedgerRefund, correlationID)
	if err != nil {
		return 0, fmt.Errorf("refund %s: %w", tenantID, err)
	}
	return bal, nil
}

func (l *Ledger) TopUp(ctx context.Context, tenantID string, amount int) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: top-up amount %d", core.ErrInvalidInput, amount)
	}
	return l.store.Credit(ctx, tenantID, amount, core.LedgerTopUp, "")
}

func (l *Ledger) Balance(ctx context.Context, tenantID string) (int, error) {
	return l.store.Balance(ctx, tenantID)
}

// Covers reports whether the current balance would pay for amount. It is
// advisory; only TryDebit commits.
func (l *Ledger) Covers(ctx context.Context, tenantID string, amount int) (bool, error) {
	bal, err := l.store.Balance(ctx, tenantID)
	if err != nil {
		return false, err
	}
	return bal >= amount, nil
}

func (l *Ledger) Entries(ctx context.Context, tenantID string, limit int) ([]core.LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return l.store.LedgerEntries(ctx, tenantID, limit)
}
