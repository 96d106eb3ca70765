package core_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/outreach-dispatch/internal/core"
	"github.com/Cypherspark/outreach-dispatch/internal/memstore"
)

var now = time.Date(2026, 10, 14, 15, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*core.Service, string) {
	t.Helper()
	st := memstore.New()
	tenant, err := st.CreateTenant(context.Background(), "acme")
	require.NoError(t, err)
	svc := core.NewService(st)
	svc.Now = func() time.Time { return now }
	return svc, tenant
}

func TestScheduleMessage_Defaults(t *testing.T) {
	svc, tenant := newService(t)
	m, err := svc.ScheduleMessage(context.Background(), core.ScheduleMessageRequest{
		TenantID: tenant, LeadID: "L1", Channel: core.ChannelSMS, Body: "hello",
	})
	require.NoError(t, err)
	require.Equal(t, core.MessagePending, m.Status)
	require.Equal(t, core.SourceManual, m.Source)
	require.Equal(t, now, m.DueAt)
	require.Equal(t, 1, m.CreditCost)
	require.Equal(t, 1, m.Segments)
	require.NotEmpty(t, m.ID)
}

func TestScheduleMessage_CostFixedAtSchedule(t *testing.T) {
	svc, tenant := newService(t)
	body := strings.Repeat("x", 161)
	m, err := svc.ScheduleMessage(context.Background(), core.ScheduleMessageRequest{
		TenantID: tenant, LeadID: "L1", Channel: core.ChannelSMS, Body: body, Source: core.SourceBulk,
		DueAt: now.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Equal(t, 2, m.Segments)
	require.Equal(t, 4, m.CreditCost)

	e, err := svc.ScheduleMessage(context.Background(), core.ScheduleMessageRequest{
		TenantID: tenant, LeadID: "L1", Channel: core.ChannelEmail, Subject: "hi", Body: body,
	})
	require.NoError(t, err)
	require.Equal(t, 1, e.Segments)
	require.Equal(t, 1, e.CreditCost)
}

func TestScheduleMessage_Invalid(t *testing.T) {
	svc, tenant := newService(t)
	cases := map[string]core.ScheduleMessageRequest{
		"no lead":       {TenantID: tenant, Channel: core.ChannelSMS, Body: "x"},
		"no tenant":     {LeadID: "L1", Channel: core.ChannelSMS, Body: "x"},
		"bad channel":   {TenantID: tenant, LeadID: "L1", Channel: "fax", Body: "x"},
		"empty body":    {TenantID: tenant, LeadID: "L1", Channel: core.ChannelSMS, Body: "   "},
		"email subject": {TenantID: tenant, LeadID: "L1", Channel: core.ChannelEmail, Body: "x"},
		"bad source":    {TenantID: tenant, LeadID: "L1", Channel: core.ChannelSMS, Body: "x", Source: "robot"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.ScheduleMessage(context.Background(), req)
			require.ErrorIs(t, err, core.ErrInvalidInput)
		})
	}
}

func TestCancelMessage(t *testing.T) {
	svc, tenant := newService(t)
	ctx := context.Background()
	m, err := svc.ScheduleMessage(ctx, core.ScheduleMessageRequest{
		TenantID: tenant, LeadID: "L1", Channel: core.ChannelSMS, Body: "hello", DueAt: now.Add(time.Hour),
	})
	require.NoError(t, err)

	require.ErrorIs(t, svc.CancelMessage(ctx, "other", m.ID), core.ErrNotFound)
	require.NoError(t, svc.CancelMessage(ctx, tenant, m.ID))
	require.ErrorIs(t, svc.CancelMessage(ctx, tenant, m.ID), core.ErrNotPending)

	got, err := svc.GetMessage(ctx, tenant, m.ID)
	require.NoError(t, err)
	require.Equal(t, core.MessageCancelled, got.Status)
}

func TestListMessages_ClampsLimit(t *testing.T) {
	svc, tenant := newService(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := svc.ScheduleMessage(ctx, core.ScheduleMessageRequest{
			TenantID: tenant, LeadID: "L1", Channel: core.ChannelSMS, Body: "hello",
		})
		require.NoError(t, err)
	}
	items, err := svc.ListMessages(ctx, core.MessageFilter{TenantID: tenant, Limit: 10_000})
	require.NoError(t, err)
	require.Len(t, items, 3)

	items, err = svc.ListMessages(ctx, core.MessageFilter{TenantID: tenant, Limit: 2})
	require.NoError(t, err)
	require.Len(t, items, 2)
}

func TestScheduleCampaign(t *testing.T) {
	svc, tenant := newService(t)
	c, err := svc.ScheduleCampaign(context.Background(), core.ScheduleCampaignRequest{
		TenantID: tenant, Name: "drip", Template: "Hi {first_name}",
		RecipientIDs:  []string{"L1", "L2", "L1", " ", "L3"},
		BatchPercent:  34,
		IntervalHours: 24,
		Tags:          []string{"warm", "warm"},
	})
	require.NoError(t, err)
	require.Equal(t, core.CampaignScheduled, c.Status)
	require.Equal(t, core.ChannelSMS, c.Channel)
	require.Equal(t, core.SourceCampaign, c.Source)
	require.Equal(t, []string{"L1", "L2", "L3"}, c.RecipientIDs)
	require.Equal(t, 3, c.Total)
	require.Equal(t, 2, c.BatchSize())
	require.Equal(t, []string{"warm"}, c.Tags)
	require.NotNil(t, c.NextBatchAt)
	require.Equal(t, now, *c.NextBatchAt)
}

func TestScheduleCampaign_Invalid(t *testing.T) {
	svc, tenant := newService(t)
	base := core.ScheduleCampaignRequest{
		TenantID: tenant, Name: "drip", Template: "Hi", RecipientIDs: []string{"L1"},
		BatchPercent: 10, IntervalHours: 1,
	}
	mut := map[string]func(r *core.ScheduleCampaignRequest){
		"percent zero":   func(r *core.ScheduleCampaignRequest) { r.BatchPercent = 0 },
		"percent high":   func(r *core.ScheduleCampaignRequest) { r.BatchPercent = 101 },
		"interval":       func(r *core.ScheduleCampaignRequest) { r.IntervalHours = 0 },
		"no recipients":  func(r *core.ScheduleCampaignRequest) { r.RecipientIDs = []string{" "} },
		"no template":    func(r *core.ScheduleCampaignRequest) { r.Template = "" },
		"manual source":  func(r *core.ScheduleCampaignRequest) { r.Source = core.SourceManual },
		"unnamed":        func(r *core.ScheduleCampaignRequest) { r.Name = " " },
		"unknown chanel": func(r *core.ScheduleCampaignRequest) { r.Channel = "pigeon" },
	}
	for name, f := range mut {
		t.Run(name, func(t *testing.T) {
			r := base
			f(&r)
			_, err := svc.ScheduleCampaign(context.Background(), r)
			require.ErrorIs(t, err, core.ErrInvalidInput)
		})
	}
}

func TestCampaignTransitions(t *testing.T) {
	svc, tenant := newService(t)
	ctx := context.Background()
	c, err := svc.ScheduleCampaign(ctx, core.ScheduleCampaignRequest{
		TenantID: tenant, Name: "drip", Template: "Hi", RecipientIDs: []string{"L1"},
		BatchPercent: 100, IntervalHours: 1, StartAt: now.Add(48 * time.Hour),
	})
	require.NoError(t, err)

	p, err := svc.PauseCampaign(ctx, tenant, c.ID)
	require.NoError(t, err)
	require.Equal(t, core.CampaignPaused, p.Status)
	require.Equal(t, now.Add(48*time.Hour), *p.NextBatchAt)

	_, err = svc.PauseCampaign(ctx, tenant, c.ID)
	require.ErrorIs(t, err, core.ErrInvalidTransition)

	r, err := svc.ResumeCampaign(ctx, tenant, c.ID)
	require.NoError(t, err)
	require.Equal(t, core.CampaignRunning, r.Status)
	require.Equal(t, now, *r.NextBatchAt)

	x, err := svc.CancelCampaign(ctx, tenant, c.ID)
	require.NoError(t, err)
	require.Equal(t, core.CampaignCancelled, x.Status)
	require.Nil(t, x.NextBatchAt)

	_, err = svc.ResumeCampaign(ctx, tenant, c.ID)
	require.ErrorIs(t, err, core.ErrInvalidTransition)
	_, err = svc.CancelCampaign(ctx, tenant, "missing")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestCost(t *testing.T) {
	cases := []struct {
		ch       core.Channel
		body     string
		src      core.Source
		cost     int
		segments int
	}{
		{core.ChannelSMS, "", core.SourceManual, 1, 1},
		{core.ChannelSMS, strings.Repeat("a", 160), core.SourceManual, 1, 1},
		{core.ChannelSMS, strings.Repeat("a", 161), core.SourceManual, 2, 2},
		{core.ChannelSMS, strings.Repeat("é", 320), core.SourceDrip, 4, 2},
		{core.ChannelSMS, "hi", core.SourceCampaign, 2, 1},
		{core.ChannelEmail, strings.Repeat("a", 1000), core.SourceBulk, 2, 1},
	}
	for _, c := range cases {
		cost, seg := core.Cost(c.ch, c.body, c.src)
		require.Equal(t, c.cost, cost, "%s/%s len %d", c.ch, c.src, len(c.body))
		require.Equal(t, c.segments, seg)
	}
}

func TestBatchSlices(t *testing.T) {
	c := core.ScheduledCampaign{RecipientIDs: []string{"a", "b", "c", "d", "e"}, Total: 5, BatchPercent: 40}
	require.Equal(t, 2, c.BatchSize())
	require.Equal(t, []string{"a", "b"}, c.NextSlice())
	c.SentSoFar = 4
	require.Equal(t, []string{"e"}, c.NextSlice())
	c.SentSoFar = 5
	require.Nil(t, c.NextSlice())

	// a batch that stopped after "a" resumes with just "b"
	c.SentSoFar, c.BatchEnd = 1, 2
	require.True(t, c.BatchOpen())
	require.Equal(t, []string{"b"}, c.NextSlice())
	c.SentSoFar = 2
	require.False(t, c.BatchOpen())
	require.Equal(t, []string{"c", "d"}, c.NextSlice())

	tiny := core.ScheduledCampaign{Total: 1000, BatchPercent: 1}
	require.Equal(t, 10, tiny.BatchSize())
}

func TestDeliveryStatusAdvances(t *testing.T) {
	require.True(t, core.DeliveryQueued.Advances(core.DeliverySent))
	require.True(t, core.DeliverySent.Advances(core.DeliveryDelivered))
	require.True(t, core.DeliverySent.Advances(core.DeliveryFailed))
	require.False(t, core.DeliveryDelivered.Advances(core.DeliverySent))
	require.False(t, core.DeliveryDelivered.Advances(core.DeliveryFailed))
	require.False(t, core.DeliverySent.Advances(core.DeliverySent))
	require.False(t, core.DeliveryReceived.Advances(core.DeliveryDelivered))
}
