package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Cypherspark/outreach-dispatch/internal/compliance"
	"github.com/Cypherspark/outreach-dispatch/internal/core"
	"github.com/Cypherspark/outreach-dispatch/internal/events"
	"github.com/Cypherspark/outreach-dispatch/internal/hours"
	"github.com/Cypherspark/outreach-dispatch/internal/lock"
	"github.com/Cypherspark/outreach-dispatch/internal/metrics"
	"github.com/Cypherspark/outreach-dispatch/internal/provider"
)

const (
	reasonInsufficientCredits = "insufficient credits"
	reasonLeadNotFound        = "lead not found"
	reasonNoPhone             = "lead has no phone number"
	reasonNoEmail             = "lead has no email address"
	reasonNoSender            = "no sender number available"
	reasonNoFromEmail         = "no sender address available"

	OptOutFooter = "Reply STOP to opt out."
)

// verdict is how a delivery attempt ended.
type verdict int

const (
	// sent and failed are terminal and already written to the store.
	verdictSent verdict = iota
	verdictFailed
	// deferred is a retryable block (rate limit); nothing written.
	verdictDeferred
	// insufficient means the atomic debit was refused; nothing written.
	verdictInsufficient
	// abandoned means an infrastructure error; the claim is left to
	// expire so a later run picks the item up again.
	verdictAbandoned
)

type outcome struct {
	verdict verdict
	reason  string
}

func (e *Engine) msgLogger(m *core.ScheduledMessage) *slog.Logger {
	return e.logger.With(slog.String("tenant_id", m.TenantID), slog.String("message_id", m.ID))
}

// processMessage walks one claimed scheduled message through the gates
// and, if they all pass, sends it.
func (e *Engine) processMessage(ctx context.Context, now time.Time, m *core.ScheduledMessage, t *tally) {
	log := e.msgLogger(m)
	t.add(func(r *Report) { r.MessagesProcessed++ })

	settings, err := e.store.GetSettings(ctx, m.TenantID)
	if err != nil {
		log.Error("load settings", slog.Any("err", err))
		return
	}

	if res := hours.IsOpen(settings.QuietHours, settings.Timezone, now); !res.Open {
		e.deferMessage(ctx, now, m, "quiet hours: "+res.Reason+", "+res.NextOpenHint, t)
		return
	}

	ok, err := e.ledger.Covers(ctx, m.TenantID, m.CreditCost)
	if err != nil {
		log.Error("balance check", slog.Any("err", err))
		return
	}
	if !ok {
		e.failMessage(ctx, now, m, reasonInsufficientCredits, t)
		return
	}

	lead, err := e.store.GetLead(ctx, m.TenantID, m.LeadID)
	if errors.Is(err, core.ErrNotFound) {
		e.failMessage(ctx, now, m, reasonLeadNotFound, t)
		return
	}
	if err != nil {
		log.Error("load lead", slog.Any("err", err))
		return
	}

	out := e.deliver(ctx, now, settings, m, lead)
	switch out.verdict {
	case verdictSent:
		t.add(func(r *Report) { r.MessagesSent++ })
	case verdictFailed:
		t.add(func(r *Report) { r.MessagesFailed++ })
	case verdictDeferred:
		e.deferMessage(ctx, now, m, out.reason, t)
	case verdictInsufficient:
		e.failMessage(ctx, now, m, reasonInsufficientCredits, t)
	}
}

// deferMessage releases the claim so a later run retries the message. A
// message that keeps being deferred long past its due time is failed as
// stalled instead.
func (e *Engine) deferMessage(ctx context.Context, now time.Time, m *core.ScheduledMessage, reason string, t *tally) {
	if m.DeferralCount > 0 && now.Sub(m.DueAt) > e.opt.MaxDeferral {
		metrics.MessageOutcomes.WithLabelValues("stalled").Inc()
		e.failMessage(ctx, now, m, fmt.Sprintf("stalled: deferred since %s (%s)", m.DueAt.Format(time.RFC3339), reason), t)
		return
	}
	if err := e.store.DeferMessage(ctx, m.ID, m.ClaimToken, reason, now); err != nil {
		e.msgLogger(m).Warn("defer message", slog.Any("err", err))
		return
	}
	metrics.MessageOutcomes.WithLabelValues("deferred").Inc()
	t.add(func(r *Report) { r.MessagesDeferred++ })
	e.msgLogger(m).Debug("message deferred", slog.String("reason", reason))
}

func (e *Engine) failMessage(ctx context.Context, now time.Time, m *core.ScheduledMessage, reason string, t *tally) {
	if e.markFailed(ctx, now, m, reason) {
		t.add(func(r *Report) { r.MessagesFailed++ })
	}
}

// markFailed writes the terminal failure and reports whether this
// dispatcher was the one to write it.
func (e *Engine) markFailed(ctx context.Context, now time.Time, m *core.ScheduledMessage, reason string) bool {
	err := e.store.CompleteMessage(ctx, m.ID, m.ClaimToken, core.MessageOutcome{
		Status: core.MessageFailed,
		Error:  reason,
		At:     now,
	})
	if err != nil {
		e.msgLogger(m).Warn("mark failed", slog.String("reason", reason), slog.Any("err", err))
		return false
	}
	metrics.MessageOutcomes.WithLabelValues("failed").Inc()
	e.publish(ctx, events.New(events.MessageFailed, m.TenantID, m.ID, now, map[string]string{"error": reason}))
	return true
}

// destination resolves where m goes for lead, or the failure reason.
func destination(ch core.Channel, lead *core.Lead) (string, string) {
	if ch == core.ChannelEmail {
		addr := strings.TrimSpace(lead.Email)
		if addr == "" {
			return "", reasonNoEmail
		}
		return addr, ""
	}
	phone := compliance.NormalizePhone(lead.Phone)
	if phone == "" {
		return "", reasonNoPhone
	}
	return phone, ""
}

// deliver runs compliance, picks a sender, reserves credits and sends.
// Sent and failed outcomes are written here; the caller handles the rest.
func (e *Engine) deliver(ctx context.Context, now time.Time, settings core.TenantSettings, m *core.ScheduledMessage, lead *core.Lead) outcome {
	log := e.msgLogger(m)

	to, why := destination(m.Channel, lead)
	if why != "" {
		e.markFailed(ctx, now, m, why)
		return outcome{verdictFailed, why}
	}

	// DNC is keyed on the lead's phone whatever the channel.
	d, err := e.gate.Evaluate(ctx, compliance.Request{
		Settings:  settings,
		Phone:     lead.Phone,
		Body:      m.Body,
		MessageID: m.ID,
		Now:       now,
	})
	if err != nil {
		log.Error("compliance check", slog.Any("err", err))
		return outcome{verdict: verdictAbandoned}
	}
	if !d.Allowed {
		metrics.ComplianceBlocks.WithLabelValues(string(d.Code)).Inc()
		if d.Retryable {
			return outcome{verdictDeferred, d.Reason}
		}
		e.markFailed(ctx, now, m, d.Reason)
		return outcome{verdictFailed, d.Reason}
	}
	if d.HighRisk {
		log.Info("high spam risk", slog.Int("score", d.RiskScore))
	}

	from, why, err := e.sender(ctx, settings, m.Channel, lead)
	if err != nil {
		log.Error("select sender", slog.Any("err", err))
		return outcome{verdict: verdictAbandoned}
	}
	if why != "" {
		e.markFailed(ctx, now, m, why)
		return outcome{verdictFailed, why}
	}

	unlock, err := e.locker.Lock(ctx, lock.Key(m.TenantID, to))
	if err != nil {
		log.Warn("destination lock", slog.Any("err", err))
		return outcome{verdict: verdictAbandoned}
	}
	defer unlock()

	body := m.Body
	if m.Channel == core.ChannelSMS && settings.OptOutFooter && e.firstContact(ctx, m.TenantID, to) {
		body = strings.TrimRight(body, " \n") + "\n\n" + OptOutFooter
	}

	res, err := e.ledger.TryDebit(ctx, m.TenantID, m.CreditCost, m.ID)
	if err != nil {
		log.Error("debit", slog.Any("err", err))
		return outcome{verdict: verdictAbandoned}
	}
	if !res.Success {
		metrics.DebitRefused.Inc()
		return outcome{verdictInsufficient, reasonInsufficientCredits}
	}

	rc, sendErr := e.send(ctx, provider.Envelope{
		Channel: m.Channel,
		To:      to,
		From:    from,
		Subject: m.Subject,
		Body:    body,
	})
	if sendErr != nil {
		if _, err := e.ledger.Refund(ctx, m.TenantID, m.CreditCost, m.ID); err != nil {
			log.Error("refund after send failure", slog.Int("amount", m.CreditCost), slog.Any("err", err))
		} else {
			metrics.RefundTotal.Inc()
		}
		e.markFailed(ctx, now, m, sendErr.Error())
		return outcome{verdictFailed, sendErr.Error()}
	}

	err = e.store.CompleteMessage(ctx, m.ID, m.ClaimToken, core.MessageOutcome{
		Status:            core.MessageSent,
		ProviderMessageID: rc.ProviderMessageID,
		At:                now,
	})
	if err != nil {
		// The send went out; keep the charge and the thread entry.
		log.Warn("mark sent", slog.String("provider_message_id", rc.ProviderMessageID), slog.Any("err", err))
	}
	metrics.MessageOutcomes.WithLabelValues("sent").Inc()

	tm := &core.ThreadMessage{
		TenantID:           m.TenantID,
		Phone:              to,
		LeadID:             lead.ID,
		Direction:          core.Outbound,
		Channel:            m.Channel,
		Body:               body,
		ProviderMessageID:  rc.ProviderMessageID,
		Status:             core.DeliverySent,
		ScheduledMessageID: m.ID,
		CreatedAt:          now,
	}
	if err := e.store.AppendThreadMessage(ctx, tm); err != nil {
		log.Warn("append thread", slog.Any("err", err))
	}
	e.publish(ctx, events.New(events.MessageSent, m.TenantID, m.ID, now, map[string]string{
		"provider_message_id": rc.ProviderMessageID,
		"channel":             string(m.Channel),
	}))
	log.Debug("message sent", slog.String("provider_message_id", rc.ProviderMessageID), slog.Int("balance", res.NewBalance))
	return outcome{verdict: verdictSent}
}

// sender picks the from-address. A non-empty reason means none exists.
func (e *Engine) sender(ctx context.Context, settings core.TenantSettings, ch core.Channel, lead *core.Lead) (string, string, error) {
	if ch == core.ChannelEmail {
		for _, from := range []string{settings.FromEmail, e.opt.DefaultFromEmail} {
			if from != "" {
				return from, "", nil
			}
		}
		return "", reasonNoFromEmail, nil
	}
	num, err := e.numbers.Select(ctx, settings.TenantID, lead.PostalCode)
	if err != nil {
		return "", "", err
	}
	for _, from := range []string{num, settings.DefaultFromNumber, e.opt.DefaultFromNumber} {
		if from != "" {
			return from, "", nil
		}
	}
	return "", reasonNoSender, nil
}

// firstContact reports whether nothing was sent to phone yet.
func (e *Engine) firstContact(ctx context.Context, tenantID, phone string) bool {
	th, err := e.store.GetThread(ctx, tenantID, phone)
	if err != nil {
		return errors.Is(err, core.ErrNotFound)
	}
	return th.OutboundCount == 0
}

func (e *Engine) send(ctx context.Context, env provider.Envelope) (provider.Receipt, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return provider.Receipt{}, fmt.Errorf("rate limiter: %w", err)
	}
	sctx, cancel := context.WithTimeout(ctx, e.opt.SendTimeout)
	defer cancel()

	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()
	start := time.Now()
	rc, err := e.senders.Send(sctx, env)
	metrics.ProviderSendDuration.WithLabelValues(string(env.Channel)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ProviderSendTotal.WithLabelValues(string(env.Channel), "error").Inc()
		return provider.Receipt{}, err
	}
	metrics.ProviderSendTotal.WithLabelValues(string(env.Channel), "ok").Inc()
	return rc, nil
}
