package compliance_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/outreach-dispatch/internal/compliance"
	"github.com/Cypherspark/outreach-dispatch/internal/core"
	"github.com/Cypherspark/outreach-dispatch/internal/memstore"
)

const spammy = "CONGRATULATIONS you have won a FREE prize! Click here now!!! bit.ly/x"

func newGate(t *testing.T) (*compliance.Gate, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	return compliance.NewGate(st, nil), st
}

func TestGate_CleanMessageAllowed(t *testing.T) {
	g, _ := newGate(t)
	d, err := g.Check(context.Background(), "t1", "+12125550100", "Hi Sam, your appointment is confirmed for Tuesday.")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, compliance.CodeAllowed, d.Code)
	require.Zero(t, d.RiskScore)
}

func TestGate_TenantDNCBlocksAndAudits(t *testing.T) {
	ctx := context.Background()
	g, st := newGate(t)
	require.NoError(t, st.UpsertDNC(ctx, core.DNCRecord{TenantID: "t1", Phone: "+12125550100", Source: core.DNCSourceManual}))

	d, err := g.Evaluate(ctx, compliance.Request{
		Settings:  core.DefaultSettings("t1"),
		Phone:     "(212) 555-0100",
		Body:      "hello",
		MessageID: "m1",
	})
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, compliance.CodeDNC, d.Code)
	require.False(t, d.Retryable)

	audit := st.BlockedAttempts()
	require.Len(t, audit, 1)
	require.Equal(t, "m1", audit[0].MessageID)
	require.Equal(t, "+12125550100", audit[0].Phone)

	// other tenants are unaffected
	d, err = g.Check(ctx, "t2", "+12125550100", "hello")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestGate_GlobalDNCAppliesToEveryTenant(t *testing.T) {
	ctx := context.Background()
	g, st := newGate(t)
	require.NoError(t, st.UpsertDNC(ctx, core.DNCRecord{Phone: "+13105550123", Source: core.DNCSourceGlobal}))

	for _, tenant := range []string{"t1", "t2"} {
		d, err := g.Check(ctx, tenant, "+13105550123", "hello")
		require.NoError(t, err)
		require.False(t, d.Allowed)
		require.Contains(t, d.Reason, "global")
	}
}

func TestGate_DNCWinsOverEverything(t *testing.T) {
	ctx := context.Background()
	g, st := newGate(t)
	require.NoError(t, st.UpsertDNC(ctx, core.DNCRecord{TenantID: "t1", Phone: "+12125550100"}))
	s := core.DefaultSettings("t1")
	s.Spam.Enabled = false
	d, err := g.Evaluate(ctx, compliance.Request{Settings: s, Phone: "+12125550100", Body: "fine"})
	require.NoError(t, err)
	require.Equal(t, compliance.CodeDNC, d.Code)
}

func TestGate_RateLimitIsRetryable(t *testing.T) {
	ctx := context.Background()
	g, st := newGate(t)
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		require.NoError(t, st.AppendThreadMessage(ctx, &core.ThreadMessage{
			TenantID: "t1", Phone: "+12125550100", Direction: core.Outbound,
			Channel: core.ChannelSMS, Body: "x", CreatedAt: now.Add(-10 * time.Minute),
		}))
	}
	s := core.DefaultSettings("t1")
	s.RateLimits = core.RateLimits{PerHour: 3}

	d, err := g.Evaluate(ctx, compliance.Request{Settings: s, Phone: "+13105550123", Body: "hi", Now: now})
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, compliance.CodeRateLimited, d.Code)
	require.True(t, d.Retryable)
	require.Equal(t, "rate limited: 3/3 hourly", d.Reason)

	// an hour later the window has drained
	d, err = g.Evaluate(ctx, compliance.Request{Settings: s, Phone: "+13105550123", Body: "hi", Now: now.Add(time.Hour)})
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestGate_DailyLimit(t *testing.T) {
	ctx := context.Background()
	g, st := newGate(t)
	now := time.Now().UTC()
	for i := 0; i < 2; i++ {
		require.NoError(t, st.AppendThreadMessage(ctx, &core.ThreadMessage{
			TenantID: "t1", Phone: "+12125550100", Direction: core.Outbound,
			Body: "x", CreatedAt: now.Add(-5 * time.Hour),
		}))
	}
	s := core.DefaultSettings("t1")
	s.RateLimits = core.RateLimits{PerHour: 10, PerDay: 2}
	d, err := g.Evaluate(ctx, compliance.Request{Settings: s, Phone: "+12125550100", Body: "hi", Now: now})
	require.NoError(t, err)
	require.Equal(t, compliance.CodeRateLimited, d.Code)
	require.Contains(t, d.Reason, "daily")
}

func TestGate_SpamFlaggedButAllowedByDefault(t *testing.T) {
	g, _ := newGate(t)
	d, err := g.Check(context.Background(), "t1", "+12125550100", spammy)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.True(t, d.HighRisk)
	require.GreaterOrEqual(t, d.RiskScore, compliance.DefaultSpamThreshold)
}

func TestGate_SpamBlockedWhenConfigured(t *testing.T) {
	ctx := context.Background()
	g, st := newGate(t)
	s := core.DefaultSettings("t1")
	s.Spam.BlockHighRisk = true
	require.NoError(t, st.PutSettings(ctx, s))

	d, err := g.Check(ctx, "t1", "+12125550100", spammy)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, compliance.CodeSpam, d.Code)
	require.Contains(t, d.Reason, "blocked: spam risk")
	require.False(t, d.Retryable)
}

func TestGate_SpamDisabledSkipsScoring(t *testing.T) {
	g, _ := newGate(t)
	s := core.DefaultSettings("t1")
	s.Spam = core.SpamSettings{Enabled: false, BlockHighRisk: true}
	d, err := g.Evaluate(context.Background(), compliance.Request{Settings: s, Phone: "+12125550100", Body: spammy})
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Zero(t, d.RiskScore)
}
