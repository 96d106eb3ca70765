package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Cypherspark/outreach-dispatch/internal/core"
)

const campaignColumns = `id, tenant_id, name, channel, subject, template, recipient_ids, total,
	sent_so_far, batch_percent, interval_hours, next_batch_at, auto_repeat, status, source,
	tags, cycle, pause_reason, claim_token, claim_expires_at, created_at, updated_at, batch_end`

func scanCampaign(row pgx.Row) (core.ScheduledCampaign, error) {
	var c core.ScheduledCampaign
	err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.Channel, &c.Subject, &c.Template, &c.RecipientIDs, &c.Total,
		&c.SentSoFar, &c.BatchPercent, &c.IntervalHours, &c.NextBatchAt, &c.AutoRepeat, &c.Status, &c.Source,
		&c.Tags, &c.Cycle, &c.PauseReason, &c.ClaimToken, &c.ClaimExpiresAt, &c.CreatedAt, &c.UpdatedAt, &c.BatchEnd)
	c.NextBatchAt, c.ClaimExpiresAt = utcPtr(c.NextBatchAt), utcPtr(c.ClaimExpiresAt)
	c.CreatedAt, c.UpdatedAt = c.CreatedAt.UTC(), c.UpdatedAt.UTC()
	return c, err
}

func collectCampaigns(rows pgx.Rows) ([]core.ScheduledCampaign, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (core.ScheduledCampaign, error) {
		return scanCampaign(row)
	})
}

func (s *Store) CreateCampaign(ctx context.Context, c *core.ScheduledCampaign) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.UpdatedAt = c.CreatedAt
	tags := c.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO scheduled_campaigns(`+campaignColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
	`, c.ID, c.TenantID, c.Name, c.Channel, c.Subject, c.Template, c.RecipientIDs, c.Total,
		c.SentSoFar, c.BatchPercent, c.IntervalHours, c.NextBatchAt, c.AutoRepeat, c.Status, c.Source,
		tags, c.Cycle, c.PauseReason, c.ClaimToken, c.ClaimExpiresAt, c.CreatedAt, c.UpdatedAt, c.BatchEnd)
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}
	return nil
}

func (s *Store) GetCampaign(ctx context.Context, tenantID, id string) (*core.ScheduledCampaign, error) {
	row := s.db.Pool.QueryRow(ctx, `SELECT `+campaignColumns+` FROM scheduled_campaigns
		WHERE id=$1 AND tenant_id=$2`, id, tenantID)
	c, err := scanCampaign(row)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (s *Store) ListCampaigns(ctx context.Context, f core.CampaignFilter) ([]core.ScheduledCampaign, error) {
	q := `SELECT ` + campaignColumns + ` FROM scheduled_campaigns WHERE tenant_id=$1`
	args := []any{f.TenantID}
	idx := 2
	if f.Status != nil {
		q += fmt.Sprintf(" AND status=$%d", idx)
		args = append(args, *f.Status)
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
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	return collectCampaigns(rows)
}

func (s *Store) ClaimDueCampaigns(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]core.ScheduledCampaign, error) {
	rows, err := s.db.Pool.Query(ctx, `
		WITH claimed AS (
			UPDATE scheduled_campaigns
			SET claim_token = gen_random_uuid()::text, claim_expires_at = $3
			WHERE id IN (
				SELECT id FROM scheduled_campaigns
				WHERE status IN ('scheduled', 'running') AND next_batch_at <= $1
				  AND (claim_token = '' OR claim_expires_at IS NULL OR claim_expires_at <= $1)
				ORDER BY next_batch_at
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+campaignColumns+`
		)
		SELECT * FROM claimed ORDER BY next_batch_at`,
		now, limit, now.Add(lease))
	if err != nil {
		return nil, fmt.Errorf("claim due campaigns: %w", err)
	}
	return collectCampaigns(rows)
}

func (s *Store) ReleaseCampaign(ctx context.Context, id, token string) error {
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE scheduled_campaigns SET claim_token='', claim_expires_at=NULL
		WHERE id=$1 AND claim_token=$2
	`, id, token)
	if err != nil {
		return fmt.Errorf("release campaign: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrClaimLost
	}
	return nil
}

func (s *Store) SaveCampaignProgress(ctx context.Context, c *core.ScheduledCampaign, token string) error {
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE scheduled_campaigns
		SET sent_so_far=$3, status=$4, next_batch_at=$5, pause_reason=$6, cycle=$7, batch_end=$8,
		    claim_token='', claim_expires_at=NULL, updated_at=now()
		WHERE id=$1 AND claim_token=$2 AND status IN ('scheduled', 'running')
	`, c.ID, token, c.SentSoFar, c.Status, c.NextBatchAt, c.PauseReason, c.Cycle, c.BatchEnd)
	if err != nil {
		return fmt.Errorf("save campaign progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrClaimLost
	}
	return nil
}

// TransitionCampaign moves a campaign between user-driven states. It
// clears any claim, so a batch in flight cannot save over the new state.
func (s *Store) TransitionCampaign(ctx context.Context, tenantID, id string, from []core.CampaignStatus, to core.CampaignStatus, next *time.Time, reason string) (*core.ScheduledCampaign, error) {
	fromText := make([]string, len(from))
	for i, st := range from {
		fromText[i] = string(st)
	}
	row := s.db.Pool.QueryRow(ctx, `
		UPDATE scheduled_campaigns
		SET status=$4, next_batch_at=$5, pause_reason=$6,
		    claim_token='', claim_expires_at=NULL, updated_at=now()
		WHERE id=$1 AND tenant_id=$2 AND status = ANY($3)
		RETURNING `+campaignColumns,
		id, tenantID, fromText, to, next, reason)
	c, err := scanCampaign(row)
	if isNoRows(err) {
		if _, err := s.GetCampaign(ctx, tenantID, id); err != nil {
			return nil, err
		}
		return nil, core.ErrInvalidTransition
	}
	if err != nil {
		return nil, fmt.Errorf("transition campaign: %w", err)
	}
	return &c, nil
}
