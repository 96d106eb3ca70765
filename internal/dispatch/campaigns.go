package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Cypherspark/outreach-dispatch/internal/core"
	"github.com/Cypherspark/outreach-dispatch/internal/events"
	"github.com/Cypherspark/outreach-dispatch/internal/hours"
	"github.com/Cypherspark/outreach-dispatch/internal/metrics"
)

// batchStop says why a batch ended before its slice did.
type batchStop int

const (
	stopNone batchStop = iota
	stopCredits
	stopRateLimited
	stopError
	// The campaign was paused, cancelled or reclaimed under us.
	stopClaimLost
)

// processCampaign sends one batch of a claimed campaign and saves its
// progress.
func (e *Engine) processCampaign(ctx context.Context, now time.Time, c *core.ScheduledCampaign, t *tally) {
	log := e.logger.With(slog.String("tenant_id", c.TenantID), slog.String("campaign_id", c.ID))
	t.add(func(r *Report) { r.CampaignsProcessed++ })

	settings, err := e.store.GetSettings(ctx, c.TenantID)
	if err != nil {
		log.Error("load settings", slog.Any("err", err))
		e.release(ctx, log, c)
		return
	}

	if res := hours.IsOpen(settings.BusinessHours, settings.Timezone, now); !res.Open {
		log.Debug("outside business hours", slog.String("reason", res.Reason), slog.String("next", res.NextOpenHint))
		metrics.CampaignBatches.WithLabelValues("deferred").Inc()
		t.add(func(r *Report) { r.CampaignsDeferred++ })
		e.release(ctx, log, c)
		return
	}

	slice := c.NextSlice()
	c.BatchEnd = c.SentSoFar + len(slice)
	if len(c.Tags) > 0 && len(slice) > 0 {
		if err := e.store.MergeLeadTags(ctx, c.TenantID, slice, c.Tags); err != nil {
			log.Warn("merge campaign tags", slog.Any("err", err))
		}
	}

	processed, stop := 0, stopNone
	for i, leadID := range slice {
		if ctx.Err() != nil {
			stop = stopError
			break
		}
		if i > 0 {
			held, err := e.claimHeld(ctx, c)
			if err != nil {
				log.Error("recheck campaign claim", slog.Any("err", err))
				stop = stopError
				break
			}
			if !held {
				stop = stopClaimLost
				break
			}
		}
		counted, s := e.campaignRecipient(ctx, now, settings, c, leadID, t)
		if counted {
			processed++
		}
		if s != stopNone {
			stop = s
			break
		}
	}

	if stop == stopClaimLost {
		// Sent recipients already have their campaign messages, so a later
		// batch skips them.
		log.Info("campaign changed during batch; stopping", slog.Int("processed", processed))
		metrics.CampaignBatches.WithLabelValues("interrupted").Inc()
		return
	}
	e.finishBatch(ctx, now, c, processed, stop, t)
}

// claimHeld re-reads the campaign and reports whether this batch still
// owns it.
func (e *Engine) claimHeld(ctx context.Context, c *core.ScheduledCampaign) (bool, error) {
	cur, err := e.store.GetCampaign(ctx, c.TenantID, c.ID)
	if errors.Is(err, core.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if cur.Status != core.CampaignScheduled && cur.Status != core.CampaignRunning {
		return false, nil
	}
	return cur.ClaimToken == c.ClaimToken, nil
}

// campaignRecipient handles one lead of a batch. counted reports whether
// the lead now has its campaign message and can be skipped from now on.
func (e *Engine) campaignRecipient(ctx context.Context, now time.Time, settings core.TenantSettings, c *core.ScheduledCampaign, leadID string, t *tally) (counted bool, stop batchStop) {
	log := e.logger.With(slog.String("tenant_id", c.TenantID), slog.String("campaign_id", c.ID), slog.String("lead_id", leadID))

	lead, err := e.store.GetLead(ctx, c.TenantID, leadID)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		log.Error("load lead", slog.Any("err", err))
		return false, stopError
	}
	if err != nil {
		lead = nil
	}

	body := Render(c.Template, lead)
	cost, segments := core.Cost(c.Channel, body, c.Source)

	ok, err := e.ledger.Covers(ctx, c.TenantID, cost)
	if err != nil {
		log.Error("balance check", slog.Any("err", err))
		return false, stopError
	}
	if !ok {
		return false, stopCredits
	}
	d, err := e.gate.RateLimit(ctx, settings, now)
	if err != nil {
		log.Error("rate limit check", slog.Any("err", err))
		return false, stopError
	}
	if !d.Allowed {
		log.Info("campaign batch rate limited", slog.String("reason", d.Reason))
		return false, stopRateLimited
	}

	// The message is created already claimed; if this process dies before
	// finishing it, the lease runs out and the message path completes it.
	exp := now.Add(e.opt.Lease)
	campaignID := c.ID
	m := &core.ScheduledMessage{
		TenantID:       c.TenantID,
		LeadID:         leadID,
		Channel:        c.Channel,
		Body:           body,
		Subject:        c.Subject,
		Status:         core.MessagePending,
		DueAt:          now,
		CreditCost:     cost,
		Segments:       segments,
		Source:         c.Source,
		CampaignID:     &campaignID,
		CampaignCycle:  c.Cycle,
		ClaimToken:     uuid.NewString(),
		ClaimExpiresAt: &exp,
		CreatedAt:      now,
	}
	if err := e.store.CreateScheduledMessage(ctx, m); err != nil {
		if errors.Is(err, core.ErrDuplicate) {
			return true, stopNone
		}
		log.Error("create campaign message", slog.Any("err", err))
		return false, stopError
	}

	if lead == nil {
		if e.markFailed(ctx, now, m, reasonLeadNotFound) {
			t.add(func(r *Report) { r.RecipientsFailed++ })
		}
		return true, stopNone
	}

	out := e.deliver(ctx, now, settings, m, lead)
	switch out.verdict {
	case verdictSent:
		t.add(func(r *Report) { r.RecipientsSent++ })
	case verdictFailed:
		t.add(func(r *Report) { r.RecipientsFailed++ })
	case verdictDeferred:
		// Lost a race with the volume ceiling; hand the message to the
		// scheduled message path and stop the batch.
		if err := e.store.DeferMessage(ctx, m.ID, m.ClaimToken, out.reason, now); err != nil {
			log.Warn("defer campaign message", slog.Any("err", err))
		}
		return true, stopRateLimited
	case verdictInsufficient:
		if e.markFailed(ctx, now, m, reasonInsufficientCredits) {
			t.add(func(r *Report) { r.RecipientsFailed++ })
		}
		return true, stopCredits
	case verdictAbandoned:
		return true, stopError
	}
	return true, stopNone
}

// finishBatch advances the campaign past processed recipients and decides
// its next state.
func (e *Engine) finishBatch(ctx context.Context, now time.Time, c *core.ScheduledCampaign, processed int, stop batchStop, t *tally) {
	log := e.logger.With(slog.String("tenant_id", c.TenantID), slog.String("campaign_id", c.ID))
	c.SentSoFar += processed
	if c.SentSoFar > c.Total {
		c.SentSoFar = c.Total
	}
	open := c.BatchOpen()
	if !open {
		c.BatchEnd = 0
	}
	next := now.Add(time.Duration(c.IntervalHours) * time.Hour)

	var label string
	switch {
	case stop == stopCredits:
		c.Status = core.CampaignPaused
		c.PauseReason = reasonInsufficientCredits
		label = "paused"
	case stop != stopNone && open:
		// next_batch_at stays put; the next run finishes the open batch
		// and only then starts the interval.
		if processed > 0 {
			c.Status = core.CampaignRunning
		}
		label = "rate_limited"
		if stop == stopError {
			label = "interrupted"
		}
	case c.SentSoFar >= c.Total && c.AutoRepeat:
		c.SentSoFar = 0
		c.Cycle++
		c.Status = core.CampaignRunning
		c.NextBatchAt = &next
		label = "repeated"
	case c.SentSoFar >= c.Total:
		c.Status = core.CampaignCompleted
		c.NextBatchAt = nil
		label = "completed"
	default:
		c.Status = core.CampaignRunning
		c.NextBatchAt = &next
		label = "running"
	}

	if err := e.store.SaveCampaignProgress(ctx, c, c.ClaimToken); err != nil {
		if errors.Is(err, core.ErrClaimLost) {
			log.Info("campaign changed during batch; progress not saved", slog.Int("processed", processed))
		} else {
			log.Error("save campaign progress", slog.Any("err", err))
		}
		return
	}
	metrics.CampaignBatches.WithLabelValues(label).Inc()

	switch c.Status {
	case core.CampaignPaused:
		t.add(func(r *Report) { r.CampaignsPaused++ })
		e.publish(ctx, events.New(events.CampaignPaused, c.TenantID, c.ID, now, map[string]string{"reason": c.PauseReason}))
		log.Info("campaign paused", slog.String("reason", c.PauseReason), slog.Int("sent_so_far", c.SentSoFar))
	case core.CampaignCompleted:
		t.add(func(r *Report) { r.CampaignsCompleted++ })
		e.publish(ctx, events.New(events.CampaignCompleted, c.TenantID, c.ID, now, nil))
		log.Info("campaign completed", slog.Int("total", c.Total))
	}
}

func (e *Engine) release(ctx context.Context, log *slog.Logger, c *core.ScheduledCampaign) {
	if err := e.store.ReleaseCampaign(ctx, c.ID, c.ClaimToken); err != nil && !errors.Is(err, core.ErrClaimLost) {
		log.Warn("release campaign", slog.Any("err", err))
	}
}

// Render fills {first_name}, {last_name} and {name} from lead. A nil lead
// renders the placeholders empty.
func Render(tmpl string, lead *core.Lead) string {
	var first, last string
	if lead != nil {
		first, last = lead.FirstName, lead.LastName
	}
	full := strings.TrimSpace(first + " " + last)
	return strings.NewReplacer(
		"{first_name}", first,
		"{last_name}", last,
		"{name}", full,
	).Replace(tmpl)
}
