// Package compliance decides whether an outbound message may go out:
// do-not-contact lists first, then tenant rate limits, then spam risk.
package compliance

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Cypherspark/outreach-dispatch/internal/core"
)

type Code string

const (
	CodeAllowed     Code = ""
	CodeDNC         Code = "dnc"
	CodeRateLimited Code = "rate_limited"
	CodeSpam        Code = "spam_risk"
)

type Decision struct {
	Allowed   bool
	Code      Code
	Reason    string
	RiskScore int
	HighRisk  bool
	// Retryable marks a block that should defer the item rather than
	// fail it.
	Retryable bool
}

type Request struct {
	Settings  core.TenantSettings
	Phone     string
	Body      string
	MessageID string
	Now       time.Time
}

// Stores is the slice of persistence the gate reads.
type Stores interface {
	core.DNCStore
	core.SettingsStore
	CountOutbound(ctx context.Context, tenantID string, since time.Time) (int, error)
}

type Gate struct {
	store  Stores
	logger *slog.Logger
	now    func() time.Time
}

func NewGate(store Stores, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: store, logger: logger, now: time.Now}
}

// Check loads the tenant settings and evaluates an outbound message.
func (g *Gate) Check(ctx context.Context, tenantID, phone, body string) (Decision, error) {
	s, err := g.store.GetSettings(ctx, tenantID)
	if err != nil {
		return Decision{}, fmt.Errorf("load settings: %w", err)
	}
	return g.Evaluate(ctx, Request{Settings: s, Phone: phone, Body: body, Now: g.now()})
}

// Evaluate runs the checks in order and stops at the first block.
func (g *Gate) Evaluate(ctx context.Context, r Request) (Decision, error) {
	tenantID := r.Settings.TenantID
	if r.Now.IsZero() {
		r.Now = g.now()
	}

	if phone := NormalizePhone(r.Phone); phone != "" {
		rec, err := g.store.FindDNC(ctx, tenantID, phone)
		if err != nil {
			return Decision{}, fmt.Errorf("dnc lookup: %w", err)
		}
		if rec != nil {
			reason := "blocked: do-not-contact"
			if rec.TenantID == "" {
				reason = "blocked: global do-not-contact"
			}
			if err := g.store.RecordBlockedAttempt(ctx, core.BlockedAttempt{
				TenantID:  tenantID,
				Phone:     phone,
				Reason:    reason,
				MessageID: r.MessageID,
				At:        r.Now,
			}); err != nil {
				g.logger.Warn("record blocked attempt", slog.String("tenant_id", tenantID), slog.Any("err", err))
			}
			return Decision{Code: CodeDNC, Reason: reason}, nil
		}
	}

	if d, err := g.RateLimit(ctx, r.Settings, r.Now); err != nil || !d.Allowed {
		return d, err
	}

	d := Decision{Allowed: true}
	if r.Settings.Spam.Enabled {
		score, hits := SpamScore(r.Body)
		d.RiskScore = score
		d.HighRisk = score >= threshold(r.Settings.Spam)
		if d.HighRisk && r.Settings.Spam.BlockHighRisk {
			return Decision{
				Code:      CodeSpam,
				Reason:    fmt.Sprintf("blocked: spam risk %d (%s)", score, strings.Join(hits, ", ")),
				RiskScore: score,
				HighRisk:  true,
			}, nil
		}
	}
	return d, nil
}

// RateLimit runs only the trailing-window volume check.
func (g *Gate) RateLimit(ctx context.Context, s core.TenantSettings, now time.Time) (Decision, error) {
	tenantID, lim := s.TenantID, s.RateLimits
	windows := []struct {
		limit int
		span  time.Duration
		label string
	}{
		{lim.PerHour, time.Hour, "hourly"},
		{lim.PerDay, 24 * time.Hour, "daily"},
	}
	for _, w := range windows {
		if w.limit <= 0 {
			continue
		}
		n, err := g.store.CountOutbound(ctx, tenantID, now.Add(-w.span))
		if err != nil {
			return Decision{}, fmt.Errorf("count outbound: %w", err)
		}
		if n >= w.limit {
			return Decision{
				Code:      CodeRateLimited,
				Reason:    fmt.Sprintf("rate limited: %d/%d %s", n, w.limit, w.label),
				Retryable: true,
			}, nil
		}
	}
	return Decision{Allowed: true}, nil
}

const DefaultSpamThreshold = 60

func threshold(s core.SpamSettings) int {
	if s.Threshold <= 0 || s.Threshold > 100 {
		return DefaultSpamThreshold
	}
	return s.Threshold
}
