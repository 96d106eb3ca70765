package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Cypherspark/outreach-dispatch/internal/core"
)

var _ core.Store = (*Store)(nil)

// Store is the Postgres core.Store. Claims use FOR UPDATE SKIP LOCKED and
// every state change after a claim is a conditional UPDATE on the token.
type Store struct {
	db     *DB
	logger *slog.Logger
}

type Option func(*Store)

func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

func NewStore(db *DB, opts ...Option) *Store {
	s := &Store{db: db, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Ping(ctx context.Context) error { return s.db.Pool.Ping(ctx) }

// ---- Credits ----

func (s *Store) CreateTenant(ctx context.Context, name string) (string, error) {
	var id string
	err := s.db.Pool.QueryRow(ctx, `INSERT INTO tenants(id, name) VALUES($1, $2) RETURNING id`, uuid.NewString(), name).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("create tenant: %w", err)
	}
	return id, nil
}

func (s *Store) Balance(ctx context.Context, tenantID string) (int, error) {
	var bal int
	err := s.db.Pool.QueryRow(ctx, `SELECT balance FROM tenants WHERE id=$1`, tenantID).Scan(&bal)
	if err != nil {
		return 0, notFound(err)
	}
	return bal, nil
}

// DebitIfSufficient is one conditional UPDATE, so concurrent debits for a
// tenant serialize on the row and none can take the balance below zero.
func (s *Store) DebitIfSufficient(ctx context.Context, tenantID string, amount int, correlationID string) (int, bool, error) {
	var (
		bal int
		ok  bool
	)
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			UPDATE tenants SET balance = balance - $2
			WHERE id=$1 AND balance >= $2
			RETURNING balance
		`, tenantID, amount).Scan(&bal)
		if isNoRows(err) {
			// tell "missing tenant" apart from "too poor"
			if err := tx.QueryRow(ctx, `SELECT balance FROM tenants WHERE id=$1`, tenantID).Scan(&bal); err != nil {
				return notFound(err)
			}
			return nil
		}
		if err != nil {
			return err
		}
		ok = true
		_, err = tx.Exec(ctx, `INSERT INTO ledger_entries(tenant_id, amount, reason, correlation_id)
			VALUES($1, $2, $3, $4)`, tenantID, -amount, core.LedgerDebit, correlationID)
		return err
	})
	if err != nil {
		return 0, false, fmt.Errorf("debit: %w", err)
	}
	return bal, ok, nil
}

func (s *Store) Credit(ctx context.Context, tenantID string, amount int, reason core.LedgerReason, correlationID string) (int, error) {
	var bal int
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `UPDATE tenants SET balance = balance + $2 WHERE id=$1 RETURNING balance`, tenantID, amount).Scan(&bal)
		if err != nil {
			return notFound(err)
		}
		_, err = tx.Exec(ctx, `INSERT INTO ledger_entries(tenant_id, amount, reason, correlation_id)
			VALUES($1, $2, $3, $4)`, tenantID, amount, reason, correlationID)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("credit: %w", err)
	}
	return bal, nil
}

func (s *Store) LedgerEntries(ctx context.Context, tenantID string, limit int) ([]core.LedgerEntry, error) {
	if limit <= 0 {
		limit = core.DefaultLedgerLimit
	}
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id::text, tenant_id, amount, reason, correlation_id, created_at
		FROM ledger_entries WHERE tenant_id=$1
		ORDER BY id DESC LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger entries: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (core.LedgerEntry, error) {
		var e core.LedgerEntry
		err := row.Scan(&e.ID, &e.TenantID, &e.Amount, &e.Reason, &e.CorrelationID, &e.CreatedAt)
		e.CreatedAt = e.CreatedAt.UTC()
		return e, err
	})
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
