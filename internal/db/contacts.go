package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Cypherspark/outreach-dispatch/internal/core"
)

// ---- DNC ----

// FindDNC prefers the tenant's own record over a global one.
func (s *Store) FindDNC(ctx context.Context, tenantID, phone string) (*core.DNCRecord, error) {
	var r core.DNCRecord
	err := s.db.Pool.QueryRow(ctx, `
		SELECT tenant_id, phone, reason, source, created_at FROM dnc_records
		WHERE phone=$2 AND (tenant_id=$1 OR tenant_id='')
		ORDER BY tenant_id DESC LIMIT 1
	`, tenantID, phone).Scan(&r.TenantID, &r.Phone, &r.Reason, &r.Source, &r.CreatedAt)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find dnc: %w", err)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return &r, nil
}

func (s *Store) UpsertDNC(ctx context.Context, r core.DNCRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO dnc_records(tenant_id, phone, reason, source, created_at)
		VALUES($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, phone) DO UPDATE SET reason=EXCLUDED.reason, source=EXCLUDED.source
	`, r.TenantID, r.Phone, r.Reason, r.Source, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert dnc: %w", err)
	}
	return nil
}

func (s *Store) RemoveDNC(ctx context.Context, tenantID, phone string) (bool, error) {
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM dnc_records WHERE tenant_id=$1 AND phone=$2`, tenantID, phone)
	if err != nil {
		return false, fmt.Errorf("remove dnc: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) RecordBlockedAttempt(ctx context.Context, a core.BlockedAttempt) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO blocked_attempts(tenant_id, phone, reason, message_id, at)
		VALUES($1, $2, $3, $4, $5)
	`, a.TenantID, a.Phone, a.Reason, a.MessageID, a.At)
	if err != nil {
		return fmt.Errorf("record blocked attempt: %w", err)
	}
	return nil
}

// ---- Leads ----

const leadColumns = `id, tenant_id, first_name, last_name, phone, email, postal_code, opted_in, tags`

func scanLead(row pgx.Row) (core.Lead, error) {
	var l core.Lead
	err := row.Scan(&l.ID, &l.TenantID, &l.FirstName, &l.LastName, &l.Phone, &l.Email, &l.PostalCode, &l.OptedIn, &l.Tags)
	return l, err
}

func (s *Store) UpsertLead(ctx context.Context, l *core.Lead) error {
	tags := l.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO leads(`+leadColumns+`)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			first_name=EXCLUDED.first_name, last_name=EXCLUDED.last_name, phone=EXCLUDED.phone,
			email=EXCLUDED.email, postal_code=EXCLUDED.postal_code, opted_in=EXCLUDED.opted_in,
			tags=EXCLUDED.tags
	`, l.ID, l.TenantID, l.FirstName, l.LastName, l.Phone, l.Email, l.PostalCode, l.OptedIn, tags)
	if err != nil {
		return fmt.Errorf("upsert lead: %w", err)
	}
	return nil
}

func (s *Store) GetLead(ctx context.Context, tenantID, id string) (*core.Lead, error) {
	l, err := scanLead(s.db.Pool.QueryRow(ctx, `SELECT `+leadColumns+` FROM leads WHERE tenant_id=$1 AND id=$2`, tenantID, id))
	if err != nil {
		return nil, notFound(err)
	}
	return &l, nil
}

func (s *Store) FindLeadByPhone(ctx context.Context, phone string) (*core.Lead, error) {
	l, err := scanLead(s.db.Pool.QueryRow(ctx, `SELECT `+leadColumns+` FROM leads WHERE phone=$1 ORDER BY tenant_id, id LIMIT 1`, phone))
	if err != nil {
		return nil, notFound(err)
	}
	return &l, nil
}

func (s *Store) SetLeadOptIn(ctx context.Context, tenantID, leadID string, optedIn bool) error {
	tag, err := s.db.Pool.Exec(ctx, `UPDATE leads SET opted_in=$3 WHERE tenant_id=$1 AND id=$2`, tenantID, leadID, optedIn)
	if err != nil {
		return fmt.Errorf("set lead opt-in: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

// MergeLeadTags adds tags to each lead, keeping existing ones and order.
func (s *Store) MergeLeadTags(ctx context.Context, tenantID string, leadIDs, tags []string) error {
	if len(leadIDs) == 0 || len(tags) == 0 {
		return nil
	}
	_, err := s.db.Pool.Exec(ctx, `
		UPDATE leads SET tags = tags || ARRAY(
			SELECT t FROM unnest($3::text[]) WITH ORDINALITY AS x(t, n)
			WHERE NOT t = ANY(leads.tags) ORDER BY n
		)
		WHERE tenant_id=$1 AND id = ANY($2)
	`, tenantID, leadIDs, tags)
	if err != nil {
		return fmt.Errorf("merge lead tags: %w", err)
	}
	return nil
}

// ---- Numbers ----

func (s *Store) AddNumber(ctx context.Context, n core.OwnedNumber) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO owned_numbers(phone, tenant_id, active) VALUES($1, $2, $3)
		ON CONFLICT (phone) DO UPDATE SET tenant_id=EXCLUDED.tenant_id, active=EXCLUDED.active
	`, n.Phone, n.TenantID, n.Active)
	if err != nil {
		return fmt.Errorf("add number: %w", err)
	}
	return nil
}

func (s *Store) ActiveNumbers(ctx context.Context, tenantID string) ([]core.OwnedNumber, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT tenant_id, phone, active FROM owned_numbers
		WHERE tenant_id=$1 AND active ORDER BY acquired
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("active numbers: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (core.OwnedNumber, error) {
		var n core.OwnedNumber
		err := row.Scan(&n.TenantID, &n.Phone, &n.Active)
		return n, err
	})
}

func (s *Store) FindNumberOwner(ctx context.Context, phone string) (string, error) {
	var tenantID string
	err := s.db.Pool.QueryRow(ctx, `SELECT tenant_id FROM owned_numbers WHERE phone=$1`, phone).Scan(&tenantID)
	if err != nil {
		return "", notFound(err)
	}
	return tenantID, nil
}
