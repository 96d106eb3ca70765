package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Cypherspark/outreach-dispatch/internal/core"
)

const messageColumns = `id, tenant_id, lead_id, channel, body, subject, status, due_at,
	credit_cost, segments, source, campaign_id, campaign_cycle, error_message,
	provider_message_id, deferral_count, last_deferred_reason, claim_token,
	claim_expires_at, created_at, updated_at, sent_at`

// notLeased matches rows no dispatcher currently holds at $now.
const notLeased = `(claim_token = '' OR claim_expires_at IS NULL OR claim_expires_at <= %s)`

func scanMessage(row pgx.Row) (core.ScheduledMessage, error) {
	var m core.ScheduledMessage
	err := row.Scan(&m.ID, &m.TenantID, &m.LeadID, &m.Channel, &m.Body, &m.Subject, &m.Status, &m.DueAt,
		&m.CreditCost, &m.Segments, &m.Source, &m.CampaignID, &m.CampaignCycle, &m.ErrorMessage,
		&m.ProviderMessageID, &m.DeferralCount, &m.LastDeferredReason, &m.ClaimToken,
		&m.ClaimExpiresAt, &m.CreatedAt, &m.UpdatedAt, &m.SentAt)
	m.DueAt, m.CreatedAt, m.UpdatedAt = m.DueAt.UTC(), m.CreatedAt.UTC(), m.UpdatedAt.UTC()
	m.ClaimExpiresAt, m.SentAt = utcPtr(m.ClaimExpiresAt), utcPtr(m.SentAt)
	return m, err
}

func collectMessages(rows pgx.Rows) ([]core.ScheduledMessage, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (core.ScheduledMessage, error) {
		return scanMessage(row)
	})
}

// CreateScheduledMessage inserts m. A second message for the same campaign,
// cycle and lead yields core.ErrDuplicate.
func (s *Store) CreateScheduledMessage(ctx context.Context, m *core.ScheduledMessage) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	m.UpdatedAt = m.CreatedAt
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO scheduled_messages(`+messageColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
	`, m.ID, m.TenantID, m.LeadID, m.Channel, m.Body, m.Subject, m.Status, m.DueAt,
		m.CreditCost, m.Segments, m.Source, m.CampaignID, m.CampaignCycle, m.ErrorMessage,
		m.ProviderMessageID, m.DeferralCount, m.LastDeferredReason, m.ClaimToken,
		m.ClaimExpiresAt, m.CreatedAt, m.UpdatedAt, m.SentAt)
	if isUniqueViolation(err) {
		return core.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert scheduled message: %w", err)
	}
	return nil
}

func (s *Store) GetScheduledMessage(ctx context.Context, tenantID, id string) (*core.ScheduledMessage, error) {
	row := s.db.Pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM scheduled_messages
		WHERE id=$1 AND ($2 = '' OR tenant_id=$2)`, id, tenantID)
	m, err := scanMessage(row)
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

func (s *Store) ListScheduledMessages(ctx context.Context, f core.MessageFilter) ([]core.ScheduledMessage, error) {
	q := `SELECT ` + messageColumns + ` FROM scheduled_messages WHERE tenant_id=$1`
	args := []any{f.TenantID}
	idx := 2
	if f.Status != nil {
		q += fmt.Sprintf(" AND status=$%d", idx)
		args = append(args, *f.Status)
		idx++
	}
	if f.CampaignID != "" {
		q += fmt.Sprintf(" AND campaign_id=$%d", idx)
		args = append(args, f.CampaignID)
		idx++
	}
	if f.From != nil {
		q += fmt.Sprintf(" AND due_at >= $%d", idx)
		args = append(args, *f.From)
		idx++
	}
	if f.To != nil {
		q += fmt.Sprintf(" AND due_at < $%d", idx)
		args = append(args, *f.To)
		idx++
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, f.Offset)

	rows, err := s.db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list scheduled messages: %w", err)
	}
	return collectMessages(rows)
}

func (s *Store) CancelScheduledMessage(ctx context.Context, tenantID, id string, at time.Time) error {
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE scheduled_messages
		SET status='cancelled', claim_token='', claim_expires_at=NULL, updated_at=$3
		WHERE id=$1 AND tenant_id=$2 AND status='pending' AND `+fmt.Sprintf(notLeased, "$3"),
		id, tenantID, at)
	if err != nil {
		return fmt.Errorf("cancel scheduled message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.whyNotPending(ctx, tenantID, id)
	}
	return nil
}

func (s *Store) whyNotPending(ctx context.Context, tenantID, id string) error {
	var one int
	err := s.db.Pool.QueryRow(ctx, `SELECT 1 FROM scheduled_messages WHERE id=$1 AND tenant_id=$2`, id, tenantID).Scan(&one)
	if err != nil {
		return notFound(err)
	}
	return core.ErrNotPending
}

func (s *Store) ClaimMessage(ctx context.Context, tenantID, id string, now time.Time, lease time.Duration) (*core.ScheduledMessage, error) {
	row := s.db.Pool.QueryRow(ctx, `
		UPDATE scheduled_messages
		SET claim_token=$3, claim_expires_at=$5
		WHERE id=$1 AND tenant_id=$2 AND status='pending' AND `+fmt.Sprintf(notLeased, "$4")+`
		RETURNING `+messageColumns,
		id, tenantID, uuid.NewString(), now, now.Add(lease))
	m, err := scanMessage(row)
	if isNoRows(err) {
		return nil, s.whyNotPending(ctx, tenantID, id)
	}
	if err != nil {
		return nil, fmt.Errorf("claim message: %w", err)
	}
	return &m, nil
}

// ClaimDueMessages leases up to limit due pending messages, oldest due
// first. Rows locked by a concurrent claim are skipped, not waited on.
func (s *Store) ClaimDueMessages(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]core.ScheduledMessage, error) {
	rows, err := s.db.Pool.Query(ctx, `
		WITH claimed AS (
			UPDATE scheduled_messages
			SET claim_token = gen_random_uuid()::text, claim_expires_at = $3
			WHERE id IN (
				SELECT id FROM scheduled_messages
				WHERE status = 'pending' AND due_at <= $1 AND `+fmt.Sprintf(notLeased, "$1")+`
				ORDER BY due_at
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+messageColumns+`
		)
		SELECT * FROM claimed ORDER BY due_at`,
		now, limit, now.Add(lease))
	if err != nil {
		return nil, fmt.Errorf("claim due messages: %w", err)
	}
	return collectMessages(rows)
}

func (s *Store) DeferMessage(ctx context.Context, id, token, reason string, at time.Time) error {
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE scheduled_messages
		SET deferral_count = deferral_count + 1, last_deferred_reason=$3,
		    claim_token='', claim_expires_at=NULL, updated_at=$4
		WHERE id=$1 AND claim_token=$2 AND status='pending'
	`, id, token, reason, at)
	if err != nil {
		return fmt.Errorf("defer message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrClaimLost
	}
	return nil
}

func (s *Store) CompleteMessage(ctx context.Context, id, token string, out core.MessageOutcome) error {
	if out.Status == core.MessagePending {
		return core.ErrInvalidTransition
	}
	var sentAt *time.Time
	if out.Status == core.MessageSent {
		sentAt = &out.At
	}
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE scheduled_messages
		SET status=$3, error_message=$4, provider_message_id=$5,
		    credit_cost = CASE WHEN $6 > 0 THEN $6 ELSE credit_cost END,
		    segments = CASE WHEN $7 > 0 THEN $7 ELSE segments END,
		    updated_at=$8, sent_at=COALESCE($9, sent_at),
		    claim_token='', claim_expires_at=NULL
		WHERE id=$1 AND claim_token=$2 AND status='pending'
	`, id, token, out.Status, out.Error, out.ProviderMessageID, out.CreditCost, out.Segments, out.At, sentAt)
	if err != nil {
		return fmt.Errorf("complete message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrClaimLost
	}
	return nil
}
