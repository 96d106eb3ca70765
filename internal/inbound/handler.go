// Package inbound handles provider webhooks: replies from leads and
// asynchronous delivery status callbacks.
package inbound

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
	"github.com/Cypherspark/outreach-dispatch/internal/metrics"
)

// ErrUnroutable means no tenant could be matched to an inbound message.
var ErrUnroutable = errors.New("unroutable")

type Message struct {
	From              string `json:"from"`
	To                string `json:"to"`
	Body              string `json:"body"`
	ProviderMessageID string `json:"provider_message_id"`
}

type StatusUpdate struct {
	ProviderMessageID string              `json:"provider_message_id"`
	Status            core.DeliveryStatus `json:"status"`
	Error             string              `json:"error,omitempty"`
}

type Action string

const (
	ActionOptOut    Action = "opt_out"
	ActionOptIn     Action = "opt_in"
	ActionMessage   Action = "message"
	ActionDuplicate Action = "duplicate"
)

type Result struct {
	TenantID string `json:"tenant_id"`
	Action   Action `json:"action"`
}

// AutoResponder is the hook for automated replies to inbound messages.
type AutoResponder interface {
	Respond(ctx context.Context, thread *core.Thread, msg core.ThreadMessage) error
}

type NopResponder struct{}

func (NopResponder) Respond(context.Context, *core.Thread, core.ThreadMessage) error { return nil }

type Option func(*Handler)

func WithResponder(r AutoResponder) Option    { return func(h *Handler) { h.responder = r } }
func WithPublisher(p events.Publisher) Option { return func(h *Handler) { h.events = p } }
func WithLogger(l *slog.Logger) Option        { return func(h *Handler) { h.logger = l } }
func WithClock(now func() time.Time) Option   { return func(h *Handler) { h.now = now } }

type Handler struct {
	store     core.Store
	responder AutoResponder
	events    events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

func New(store core.Store, opts ...Option) *Handler {
	h := &Handler{
		store:     store,
		responder: NopResponder{},
		events:    events.Nop{},
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// HandleInbound records a reply from a lead. Opt-out keywords put the sender
// on the tenant's DNC list and skip the responder; opt-in keywords lift it.
func (h *Handler) HandleInbound(ctx context.Context, in Message) (Result, error) {
	from := compliance.NormalizePhone(in.From)
	if from == "" {
		return Result{}, fmt.Errorf("%w: missing sender", core.ErrInvalidInput)
	}
	now := h.now().UTC()

	tenantID, leadID, err := h.resolve(ctx, from, compliance.NormalizePhone(in.To))
	if err != nil {
		metrics.InboundTotal.WithLabelValues("unroutable").Inc()
		return Result{}, err
	}
	log := h.logger.With(slog.String("tenant_id", tenantID), slog.String("from", from))

	settings, err := h.store.GetSettings(ctx, tenantID)
	if err != nil {
		return Result{}, fmt.Errorf("load settings: %w", err)
	}

	tm := core.ThreadMessage{
		TenantID:          tenantID,
		Phone:             from,
		LeadID:            leadID,
		Direction:         core.Inbound,
		Channel:           core.ChannelSMS,
		Body:              in.Body,
		ProviderMessageID: strings.TrimSpace(in.ProviderMessageID),
		Status:            core.DeliveryReceived,
		CreatedAt:         now,
	}
	isOptOut := compliance.DetectOptOut(in.Body, settings.OptOutKeyword)
	if err := h.store.AppendThreadMessage(ctx, &tm); err != nil {
		if !errors.Is(err, core.ErrDuplicate) {
			return Result{}, fmt.Errorf("append inbound: %w", err)
		}
		// A redelivered opt-out is applied again in case the first attempt
		// failed after the append. Anything else is dropped.
		if !isOptOut {
			metrics.InboundTotal.WithLabelValues("duplicate").Inc()
			log.Debug("duplicate inbound ignored", slog.String("provider_message_id", tm.ProviderMessageID))
			return Result{TenantID: tenantID, Action: ActionDuplicate}, nil
		}
		log.Debug("duplicate opt-out reapplied", slog.String("provider_message_id", tm.ProviderMessageID))
	}

	switch {
	case isOptOut:
		if err := h.optOut(ctx, tenantID, leadID, from, in.Body, now); err != nil {
			return Result{}, err
		}
		metrics.InboundTotal.WithLabelValues("opt_out").Inc()
		log.Info("opt-out received")
		return Result{TenantID: tenantID, Action: ActionOptOut}, nil

	case compliance.DetectOptIn(in.Body):
		if _, err := h.store.RemoveDNC(ctx, tenantID, from); err != nil {
			return Result{}, fmt.Errorf("remove dnc: %w", err)
		}
		if leadID != "" {
			if err := h.store.SetLeadOptIn(ctx, tenantID, leadID, true); err != nil && !errors.Is(err, core.ErrNotFound) {
				return Result{}, fmt.Errorf("set opt-in: %w", err)
			}
		}
		if err := h.store.SetThreadOptOut(ctx, tenantID, from, false); err != nil {
			return Result{}, fmt.Errorf("thread opt-in: %w", err)
		}
		metrics.InboundTotal.WithLabelValues("opt_in").Inc()
		log.Info("opt-in received")
		return Result{TenantID: tenantID, Action: ActionOptIn}, nil
	}

	metrics.InboundTotal.WithLabelValues("message").Inc()
	thread, err := h.store.GetThread(ctx, tenantID, from)
	if err != nil {
		return Result{}, fmt.Errorf("load thread: %w", err)
	}
	if !thread.OptedOut {
		if err := h.responder.Respond(ctx, thread, tm); err != nil {
			log.Warn("auto responder", slog.Any("err", err))
		}
	}
	return Result{TenantID: tenantID, Action: ActionMessage}, nil
}

func (h *Handler) optOut(ctx context.Context, tenantID, leadID, phone, body string, now time.Time) error {
	rec := core.DNCRecord{
		TenantID:  tenantID,
		Phone:     phone,
		Reason:    "opt-out keyword: " + strings.TrimSpace(body),
		Source:    core.DNCSourceInbound,
		CreatedAt: now,
	}
	if err := h.store.UpsertDNC(ctx, rec); err != nil {
		return fmt.Errorf("upsert dnc: %w", err)
	}
	if leadID != "" {
		if err := h.store.SetLeadOptIn(ctx, tenantID, leadID, false); err != nil && !errors.Is(err, core.ErrNotFound) {
			return fmt.Errorf("clear opt-in: %w", err)
		}
	}
	if err := h.store.SetThreadOptOut(ctx, tenantID, phone, true); err != nil {
		return fmt.Errorf("thread opt-out: %w", err)
	}
	ev := events.New(events.InboundOptOut, tenantID, phone, now, map[string]string{"lead_id": leadID})
	if err := h.events.Publish(ctx, ev); err != nil {
		h.logger.Warn("publish event", slog.String("type", string(ev.Type)), slog.Any("err", err))
	}
	return nil
}

// resolve finds the tenant for a sender: an existing thread first, then a
// lead with that phone, then the owner of the number that was texted.
func (h *Handler) resolve(ctx context.Context, from, to string) (tenantID, leadID string, err error) {
	th, err := h.store.FindThreadByPhone(ctx, from)
	switch {
	case err == nil:
		return th.TenantID, h.leadFor(ctx, th.TenantID, th.LeadID, from), nil
	case !errors.Is(err, core.ErrNotFound):
		return "", "", fmt.Errorf("find thread: %w", err)
	}

	l, err := h.store.FindLeadByPhone(ctx, from)
	switch {
	case err == nil:
		return l.TenantID, l.ID, nil
	case !errors.Is(err, core.ErrNotFound):
		return "", "", fmt.Errorf("find lead: %w", err)
	}

	if to != "" {
		owner, err := h.store.FindNumberOwner(ctx, to)
		switch {
		case err == nil:
			return owner, "", nil
		case !errors.Is(err, core.ErrNotFound):
			return "", "", fmt.Errorf("find number owner: %w", err)
		}
	}
	return "", "", fmt.Errorf("%w: no tenant for %s", ErrUnroutable, from)
}

// leadFor prefers the lead recorded on the thread and falls back to a phone
// lookup within the same tenant.
func (h *Handler) leadFor(ctx context.Context, tenantID, known, phone string) string {
	if known != "" {
		return known
	}
	l, err := h.store.FindLeadByPhone(ctx, phone)
	if err != nil || l.TenantID != tenantID {
		return ""
	}
	return l.ID
}

// HandleStatus applies a delivery callback. Repeats and backward moves are
// ignored; applied reports whether the status changed.
func (h *Handler) HandleStatus(ctx context.Context, u StatusUpdate) (applied bool, err error) {
	if strings.TrimSpace(u.ProviderMessageID) == "" {
		return false, fmt.Errorf("%w: provider_message_id is required", core.ErrInvalidInput)
	}
	switch u.Status {
	case core.DeliverySent, core.DeliveryDelivered, core.DeliveryFailed:
	default:
		return false, fmt.Errorf("%w: unknown status %q", core.ErrInvalidInput, u.Status)
	}
	applied, err = h.store.UpdateDeliveryStatus(ctx, u.ProviderMessageID, u.Status, u.Error)
	switch {
	case errors.Is(err, core.ErrNotFound):
		metrics.StatusCallbacks.WithLabelValues("unknown").Inc()
		return false, err
	case err != nil:
		metrics.StatusCallbacks.WithLabelValues("error").Inc()
		return false, fmt.Errorf("update delivery status: %w", err)
	case applied:
		metrics.StatusCallbacks.WithLabelValues("applied").Inc()
	default:
		metrics.StatusCallbacks.WithLabelValues("ignored").Inc()
	}
	h.logger.Debug("status callback",
		slog.String("provider_message_id", u.ProviderMessageID),
		slog.String("status", string(u.Status)),
		slog.Bool("applied", applied),
	)
	return applied, nil
}
