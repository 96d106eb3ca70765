package dispatch_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/outreach-dispatch/internal/core"
	"github.com/Cypherspark/outreach-dispatch/internal/dispatch"
	"github.com/Cypherspark/outreach-dispatch/internal/events"
	"github.com/Cypherspark/outreach-dispatch/internal/provider"
)

func (f *fixture) campaign(req core.ScheduleCampaignRequest) *core.ScheduledCampaign {
	f.t.Helper()
	req.TenantID = f.tenant
	if req.Name == "" {
		req.Name = "drip"
	}
	if req.Template == "" {
		req.Template = "Hi {first_name}, quick question"
	}
	if req.IntervalHours == 0 {
		req.IntervalHours = 24
	}
	c, err := f.svc.ScheduleCampaign(f.ctx, req)
	require.NoError(f.t, err)
	return c
}

func (f *fixture) getCampaign(id string) *core.ScheduledCampaign {
	f.t.Helper()
	c, err := f.svc.GetCampaign(f.ctx, f.tenant, id)
	require.NoError(f.t, err)
	return c
}

func TestCampaign_BatchSlicing(t *testing.T) {
	f := newFixture(t, 1000, dispatch.Options{})
	ids := f.leads(100)
	c := f.campaign(core.ScheduleCampaignRequest{RecipientIDs: ids, BatchPercent: 20, IntervalHours: 24})

	r := f.run(t0)
	require.Equal(t, 1, r.CampaignsProcessed)
	require.Equal(t, 20, r.RecipientsSent)

	got := f.getCampaign(c.ID)
	require.Equal(t, 20, got.SentSoFar)
	require.Equal(t, core.CampaignRunning, got.Status)
	require.NotNil(t, got.NextBatchAt)
	require.Equal(t, t0.Add(24*time.Hour), *got.NextBatchAt)

	envs := f.snd.envelopes()
	require.Len(t, envs, 20)
	for i, env := range envs {
		require.Equal(t, fmt.Sprintf("+1212555%04d", 1000+i), env.To)
		require.Equal(t, "Hi Lead, quick question", env.Body)
	}

	// not due again until the interval has passed
	require.Zero(t, f.run(t0.Add(time.Hour)).CampaignsProcessed)

	r = f.run(t0.Add(24 * time.Hour))
	require.Equal(t, 20, r.RecipientsSent)
	require.Equal(t, 40, f.getCampaign(c.ID).SentSoFar)
	require.Equal(t, "+12125551020", f.snd.envelopes()[20].To)
}

func TestCampaign_CompletesWithNilNextBatch(t *testing.T) {
	f := newFixture(t, 1000, dispatch.Options{})
	ids := f.leads(5)
	c := f.campaign(core.ScheduleCampaignRequest{RecipientIDs: ids, BatchPercent: 50, IntervalHours: 1})

	// ceil(5 * 50%) = 3, then the remaining 2
	require.Equal(t, 3, f.run(t0).RecipientsSent)
	got := f.getCampaign(c.ID)
	require.Equal(t, 3, got.SentSoFar)
	require.Equal(t, core.CampaignRunning, got.Status)

	r := f.run(t0.Add(time.Hour))
	require.Equal(t, 2, r.RecipientsSent)
	require.Equal(t, 1, r.CampaignsCompleted)
	got = f.getCampaign(c.ID)
	require.Equal(t, core.CampaignCompleted, got.Status)
	require.Equal(t, got.Total, got.SentSoFar)
	require.Nil(t, got.NextBatchAt)
	require.Len(t, f.rec.OfType(events.CampaignCompleted), 1)

	require.Zero(t, f.run(t0.Add(48*time.Hour)).CampaignsProcessed)
}

func TestCampaign_PausesOnCreditExhaustionAndResumes(t *testing.T) {
	// campaign sends cost 2; 5 credits cover two recipients
	f := newFixture(t, 5, dispatch.Options{})
	ids := f.leads(5)
	c := f.campaign(core.ScheduleCampaignRequest{RecipientIDs: ids, BatchPercent: 100})

	r := f.run(t0)
	require.Equal(t, 2, r.RecipientsSent)
	require.Equal(t, 1, r.CampaignsPaused)
	got := f.getCampaign(c.ID)
	require.Equal(t, core.CampaignPaused, got.Status)
	require.Equal(t, 2, got.SentSoFar)
	require.Equal(t, "insufficient credits", got.PauseReason)
	require.NotNil(t, got.NextBatchAt)
	require.Equal(t, 1, f.balance())
	require.Len(t, f.rec.OfType(events.CampaignPaused), 1)

	// paused campaigns are not picked up
	require.Zero(t, f.run(t0.Add(48*time.Hour)).CampaignsProcessed)

	_, err := f.st.Credit(f.ctx, f.tenant, 100, core.LedgerTopUp, "")
	require.NoError(t, err)
	f.now = t0.Add(49 * time.Hour)
	resumed, err := f.svc.ResumeCampaign(f.ctx, f.tenant, c.ID)
	require.NoError(t, err)
	require.Equal(t, core.CampaignRunning, resumed.Status)
	require.Equal(t, f.now, *resumed.NextBatchAt)

	r = f.run(f.now)
	require.Equal(t, 3, r.RecipientsSent)
	got = f.getCampaign(c.ID)
	require.Equal(t, core.CampaignCompleted, got.Status)
	require.Len(t, f.snd.envelopes(), 5)
}

func TestCampaign_BusinessHoursDefer(t *testing.T) {
	f := newFixture(t, 100, dispatch.Options{})
	f.settings(func(s *core.TenantSettings) {
		s.Timezone = "America/New_York"
		s.BusinessHours = core.SendWindow{
			Enabled: true, StartMinute: 9 * 60, EndMinute: 17 * 60,
			Days: []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		}
	})
	ids := f.leads(2)
	c := f.campaign(core.ScheduleCampaignRequest{RecipientIDs: ids, BatchPercent: 100})

	// Wednesday 23:00 UTC is 19:00 in New York.
	late := time.Date(2026, 10, 14, 23, 0, 0, 0, time.UTC)
	r := f.run(late)
	require.Equal(t, 1, r.CampaignsDeferred)
	got := f.getCampaign(c.ID)
	require.Equal(t, 0, got.SentSoFar)
	require.Equal(t, core.CampaignScheduled, got.Status)
	require.Empty(t, f.snd.envelopes())

	// the release makes it claimable again straight away
	require.Equal(t, 1, f.run(late.Add(time.Minute)).CampaignsDeferred)

	// Thursday 10:00 New York
	r = f.run(time.Date(2026, 10, 15, 14, 0, 0, 0, time.UTC))
	require.Equal(t, 2, r.RecipientsSent)
}

func TestCampaign_FailuresDoNotAbortBatchAndTagsMerge(t *testing.T) {
	f := newFixture(t, 100, dispatch.Options{})
	f.lead("A", "+12125550101")
	f.lead("NOPHONE", "")
	f.lead("B", "+12125550102")
	c := f.campaign(core.ScheduleCampaignRequest{
		RecipientIDs: []string{"A", "NOPHONE", "GHOST", "B"},
		BatchPercent: 100,
		Tags:         []string{"fall-promo", "fall-promo", "drip"},
	})

	r := f.run(t0)
	require.Equal(t, 2, r.RecipientsSent)
	require.Equal(t, 2, r.RecipientsFailed)
	got := f.getCampaign(c.ID)
	require.Equal(t, core.CampaignCompleted, got.Status)
	require.Equal(t, 4, got.SentSoFar)

	for _, id := range []string{"A", "NOPHONE", "B"} {
		l, err := f.st.GetLead(f.ctx, f.tenant, id)
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"fall-promo", "drip"}, l.Tags, id)
	}

	msgs, err := f.st.ListScheduledMessages(f.ctx, core.MessageFilter{TenantID: f.tenant, CampaignID: c.ID})
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	reasons := map[string]string{}
	for _, m := range msgs {
		require.Equal(t, core.SourceCampaign, m.Source)
		reasons[m.LeadID] = m.ErrorMessage
	}
	require.Equal(t, "lead has no phone number", reasons["NOPHONE"])
	require.Equal(t, "lead not found", reasons["GHOST"])
}

func TestCampaign_AlreadyHandledRecipientSkipped(t *testing.T) {
	f := newFixture(t, 100, dispatch.Options{})
	ids := f.leads(3)
	c := f.campaign(core.ScheduleCampaignRequest{RecipientIDs: ids, BatchPercent: 100})

	// a previous run died after creating the message for the first lead
	cid := c.ID
	require.NoError(t, f.st.CreateScheduledMessage(f.ctx, &core.ScheduledMessage{
		TenantID: f.tenant, LeadID: ids[0], Channel: core.ChannelSMS, Body: "x",
		Status: core.MessageSent, DueAt: t0, CampaignID: &cid, Source: core.SourceCampaign,
	}))

	r := f.run(t0)
	require.Equal(t, 2, r.RecipientsSent)
	require.Equal(t, core.CampaignCompleted, f.getCampaign(c.ID).Status)
	for _, env := range f.snd.envelopes() {
		require.NotEqual(t, "+12125551000", env.To)
	}
}

func TestCampaign_AutoRepeatStartsNewCycle(t *testing.T) {
	f := newFixture(t, 100, dispatch.Options{})
	ids := f.leads(2)
	c := f.campaign(core.ScheduleCampaignRequest{RecipientIDs: ids, BatchPercent: 100, IntervalHours: 6, AutoRepeat: true})

	require.Equal(t, 2, f.run(t0).RecipientsSent)
	got := f.getCampaign(c.ID)
	require.Equal(t, core.CampaignRunning, got.Status)
	require.Equal(t, 0, got.SentSoFar)
	require.Equal(t, 1, got.Cycle)
	require.Equal(t, t0.Add(6*time.Hour), *got.NextBatchAt)

	require.Equal(t, 2, f.run(t0.Add(6*time.Hour)).RecipientsSent)
	require.Equal(t, 2, f.getCampaign(c.ID).Cycle)
	require.Len(t, f.snd.envelopes(), 4)
}

func TestCampaign_RateLimitStopsBatchAndKeepsDueTime(t *testing.T) {
	f := newFixture(t, 100, dispatch.Options{})
	f.settings(func(s *core.TenantSettings) { s.RateLimits = core.RateLimits{PerHour: 2} })
	ids := f.leads(5)
	c := f.campaign(core.ScheduleCampaignRequest{RecipientIDs: ids, BatchPercent: 100})

	r := f.run(t0)
	require.Equal(t, 2, r.RecipientsSent)
	got := f.getCampaign(c.ID)
	require.Equal(t, 2, got.SentSoFar)
	require.Equal(t, core.CampaignRunning, got.Status)
	require.Equal(t, t0, *got.NextBatchAt)

	// the hourly window drains and the rest of the list goes out
	r = f.run(t0.Add(61 * time.Minute))
	require.Equal(t, 2, r.RecipientsSent)
	r = f.run(t0.Add(122 * time.Minute))
	require.Equal(t, 1, r.RecipientsSent)
	require.Equal(t, core.CampaignCompleted, f.getCampaign(c.ID).Status)
}

func TestCampaign_RateLimitedBatchKeepsPacing(t *testing.T) {
	f := newFixture(t, 1000, dispatch.Options{})
	f.settings(func(s *core.TenantSettings) { s.RateLimits = core.RateLimits{PerHour: 10} })
	ids := f.leads(100)
	c := f.campaign(core.ScheduleCampaignRequest{RecipientIDs: ids, BatchPercent: 20, IntervalHours: 24})

	// half of the 20-recipient batch fits in the hour
	require.Equal(t, 10, f.run(t0).RecipientsSent)
	got := f.getCampaign(c.ID)
	require.Equal(t, 10, got.SentSoFar)
	require.Equal(t, 20, got.BatchEnd)
	require.Equal(t, t0, *got.NextBatchAt)

	// the rest of the same batch, then the interval starts
	resumeAt := t0.Add(61 * time.Minute)
	require.Equal(t, 10, f.run(resumeAt).RecipientsSent)
	got = f.getCampaign(c.ID)
	require.Equal(t, 20, got.SentSoFar)
	require.Zero(t, got.BatchEnd)
	require.Equal(t, resumeAt.Add(24*time.Hour), *got.NextBatchAt)

	for _, at := range []time.Duration{122 * time.Minute, 183 * time.Minute} {
		r := f.run(t0.Add(at))
		require.Zero(t, r.CampaignsProcessed)
		require.Zero(t, r.RecipientsSent)
	}
	require.Equal(t, 20, f.getCampaign(c.ID).SentSoFar)
	require.Len(t, f.snd.envelopes(), 20)

	require.Equal(t, 10, f.run(resumeAt.Add(24*time.Hour)).RecipientsSent)
	require.Equal(t, "+12125551020", f.snd.envelopes()[20].To)
}

func TestCampaign_PauseDuringBatchStopsSending(t *testing.T) {
	f := newFixture(t, 100, dispatch.Options{})
	ids := f.leads(5)
	c := f.campaign(core.ScheduleCampaignRequest{RecipientIDs: ids, BatchPercent: 100})

	var once sync.Once
	f.snd.fail = func(provider.Envelope) error {
		once.Do(func() {
			_, err := f.svc.PauseCampaign(f.ctx, f.tenant, c.ID)
			require.NoError(t, err)
		})
		return nil
	}

	r := f.run(t0)
	require.Equal(t, 1, r.RecipientsSent)
	require.Len(t, f.snd.envelopes(), 1)
	got := f.getCampaign(c.ID)
	require.Equal(t, core.CampaignPaused, got.Status)

	f.now = t0.Add(time.Hour)
	_, err := f.svc.ResumeCampaign(f.ctx, f.tenant, c.ID)
	require.NoError(t, err)
	r = f.run(f.now)
	require.Equal(t, 4, r.RecipientsSent)
	require.Equal(t, core.CampaignCompleted, f.getCampaign(c.ID).Status)

	seen := map[string]bool{}
	for _, env := range f.snd.envelopes() {
		require.False(t, seen[env.To], "sent twice to %s", env.To)
		seen[env.To] = true
	}
	require.Len(t, seen, 5)
}

func TestCampaign_CancelDuringBatchStopsSending(t *testing.T) {
	f := newFixture(t, 100, dispatch.Options{})
	ids := f.leads(5)
	c := f.campaign(core.ScheduleCampaignRequest{RecipientIDs: ids, BatchPercent: 100})

	var once sync.Once
	f.snd.fail = func(provider.Envelope) error {
		once.Do(func() {
			_, err := f.svc.CancelCampaign(f.ctx, f.tenant, c.ID)
			require.NoError(t, err)
		})
		return nil
	}

	require.Equal(t, 1, f.run(t0).RecipientsSent)
	require.Len(t, f.snd.envelopes(), 1)
	got := f.getCampaign(c.ID)
	require.Equal(t, core.CampaignCancelled, got.Status)
	require.Nil(t, got.NextBatchAt)
}

func TestCampaign_CancelledStopsBatches(t *testing.T) {
	f := newFixture(t, 100, dispatch.Options{})
	ids := f.leads(10)
	c := f.campaign(core.ScheduleCampaignRequest{RecipientIDs: ids, BatchPercent: 10})
	require.Equal(t, 1, f.run(t0).RecipientsSent)

	got, err := f.svc.CancelCampaign(f.ctx, f.tenant, c.ID)
	require.NoError(t, err)
	require.Equal(t, core.CampaignCancelled, got.Status)
	require.Nil(t, got.NextBatchAt)

	require.Zero(t, f.run(t0.Add(48*time.Hour)).CampaignsProcessed)
	_, err = f.svc.ResumeCampaign(f.ctx, f.tenant, c.ID)
	require.ErrorIs(t, err, core.ErrInvalidTransition)
}

func TestRender(t *testing.T) {
	l := &core.Lead{FirstName: "Ada", LastName: "Lovelace"}
	require.Equal(t, "Hi Ada Lovelace (Ada/Lovelace)", dispatch.Render("Hi {name} ({first_name}/{last_name})", l))
	require.Equal(t, "Hi , welcome", dispatch.Render("Hi {first_name}, welcome", nil))
}
