package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Cypherspark/outreach-dispatch/internal/core"
)

// ---- Threads ----

const threadColumns = `tenant_id, phone, lead_id, inbound_count, outbound_count, last_message, last_message_at, opted_out`

func scanThread(row pgx.Row) (*core.Thread, error) {
	var t core.Thread
	err := row.Scan(&t.TenantID, &t.Phone, &t.LeadID, &t.InboundCount, &t.OutboundCount, &t.LastMessage, &t.LastMessageAt, &t.OptedOut)
	if err != nil {
		return nil, notFound(err)
	}
	t.LastMessageAt = t.LastMessageAt.UTC()
	return &t, nil
}

func (s *Store) GetThread(ctx context.Context, tenantID, phone string) (*core.Thread, error) {
	return scanThread(s.db.Pool.QueryRow(ctx, `SELECT `+threadColumns+` FROM threads WHERE tenant_id=$1 AND phone=$2`, tenantID, phone))
}

func (s *Store) FindThreadByPhone(ctx context.Context, phone string) (*core.Thread, error) {
	return scanThread(s.db.Pool.QueryRow(ctx, `SELECT `+threadColumns+` FROM threads
		WHERE phone=$1 ORDER BY last_message_at DESC LIMIT 1`, phone))
}

// AppendThreadMessage inserts m and bumps the thread counters in one
// transaction.
func (s *Store) AppendThreadMessage(ctx context.Context, m *core.ThreadMessage) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	inbound, outbound := 0, 1
	if m.Direction == core.Inbound {
		inbound, outbound = 1, 0
	}
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO thread_messages(id, tenant_id, phone, lead_id, direction, channel, body,
				provider_message_id, status, error, scheduled_message_id, created_at)
			VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`, m.ID, m.TenantID, m.Phone, m.LeadID, m.Direction, m.Channel, m.Body,
			m.ProviderMessageID, m.Status, m.Error, m.ScheduledMessageID, m.CreatedAt)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO threads(tenant_id, phone, lead_id, inbound_count, outbound_count, last_message, last_message_at)
			VALUES($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (tenant_id, phone) DO UPDATE SET
				lead_id = CASE WHEN EXCLUDED.lead_id <> '' THEN EXCLUDED.lead_id ELSE threads.lead_id END,
				inbound_count = threads.inbound_count + EXCLUDED.inbound_count,
				outbound_count = threads.outbound_count + EXCLUDED.outbound_count,
				last_message = EXCLUDED.last_message,
				last_message_at = EXCLUDED.last_message_at
		`, m.TenantID, m.Phone, m.LeadID, inbound, outbound, m.Body, m.CreatedAt)
		return err
	})
	if isUniqueViolation(err) {
		return core.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("append thread message: %w", err)
	}
	return nil
}

// UpdateDeliveryStatus moves a thread message forward only. applied is
// false for repeats and regressions.
func (s *Store) UpdateDeliveryStatus(ctx context.Context, providerMessageID string, status core.DeliveryStatus, errText string) (bool, error) {
	var applied bool
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var cur core.DeliveryStatus
		err := tx.QueryRow(ctx, `SELECT status FROM thread_messages WHERE provider_message_id=$1 FOR UPDATE`, providerMessageID).Scan(&cur)
		if err != nil {
			return notFound(err)
		}
		if !cur.Advances(status) {
			return nil
		}
		_, err = tx.Exec(ctx, `UPDATE thread_messages SET status=$2, error=$3 WHERE provider_message_id=$1`, providerMessageID, status, errText)
		applied = err == nil
		return err
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (s *Store) CountOutbound(ctx context.Context, tenantID string, since time.Time) (int, error) {
	var n int
	err := s.db.Pool.QueryRow(ctx, `
		SELECT count(*) FROM thread_messages
		WHERE tenant_id=$1 AND direction='outbound' AND created_at >= $2
	`, tenantID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count outbound: %w", err)
	}
	return n, nil
}

func (s *Store) SetThreadOptOut(ctx context.Context, tenantID, phone string, optedOut bool) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO threads(tenant_id, phone, opted_out) VALUES($1, $2, $3)
		ON CONFLICT (tenant_id, phone) DO UPDATE SET opted_out=EXCLUDED.opted_out
	`, tenantID, phone, optedOut)
	if err != nil {
		return fmt.Errorf("set thread opt-out: %w", err)
	}
	return nil
}

// ---- Settings ----

func (s *Store) GetSettings(ctx context.Context, tenantID string) (core.TenantSettings, error) {
	var raw []byte
	err := s.db.Pool.QueryRow(ctx, `SELECT settings FROM tenant_settings WHERE tenant_id=$1`, tenantID).Scan(&raw)
	if isNoRows(err) {
		return core.DefaultSettings(tenantID), nil
	}
	if err != nil {
		return core.TenantSettings{}, fmt.Errorf("get settings: %w", err)
	}
	st := core.DefaultSettings(tenantID)
	if err := json.Unmarshal(raw, &st); err != nil {
		return core.TenantSettings{}, fmt.Errorf("decode settings: %w", err)
	}
	st.TenantID = tenantID
	return st, nil
}

func (s *Store) PutSettings(ctx context.Context, st core.TenantSettings) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	_, err = s.db.Pool.Exec(ctx, `
		INSERT INTO tenant_settings(tenant_id, settings) VALUES($1, $2)
		ON CONFLICT (tenant_id) DO UPDATE SET settings=EXCLUDED.settings
	`, st.TenantID, raw)
	if err != nil {
		return fmt.Errorf("put settings: %w", err)
	}
	return nil
}
