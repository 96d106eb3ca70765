package inbound_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/outreach-dispatch/internal/core"
	"github.com/Cypherspark/outreach-dispatch/internal/events"
	"github.com/Cypherspark/outreach-dispatch/internal/inbound"
	"github.com/Cypherspark/outreach-dispatch/internal/memstore"
)

var now = time.Date(2026, 10, 14, 15, 0, 0, 0, time.UTC)

type recordingResponder struct {
	mu    sync.Mutex
	calls []core.ThreadMessage
}

func (r *recordingResponder) Respond(_ context.Context, _ *core.Thread, m core.ThreadMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, m)
	return nil
}

type env struct {
	ctx    context.Context
	st     *memstore.Store
	h      *inbound.Handler
	resp   *recordingResponder
	rec    *events.Recorder
	tenant string
}

func setup(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	st := memstore.New()
	tenant, err := st.CreateTenant(ctx, "acme")
	require.NoError(t, err)
	e := &env{ctx: ctx, st: st, resp: &recordingResponder{}, rec: &events.Recorder{}, tenant: tenant}
	e.h = inbound.New(st,
		inbound.WithResponder(e.resp),
		inbound.WithPublisher(e.rec),
		inbound.WithLogger(slog.New(slog.DiscardHandler)),
		inbound.WithClock(func() time.Time { return now }),
	)
	return e
}

func TestHandleInbound_OptOut(t *testing.T) {
	e := setup(t)
	require.NoError(t, e.st.UpsertLead(e.ctx, &core.Lead{ID: "L1", TenantID: e.tenant, Phone: "+12125550101", OptedIn: true}))

	res, err := e.h.HandleInbound(e.ctx, inbound.Message{From: "(212) 555-0101", To: "+12125550000", Body: " STOP! ", ProviderMessageID: "in-1"})
	require.NoError(t, err)
	require.Equal(t, inbound.Result{TenantID: e.tenant, Action: inbound.ActionOptOut}, res)

	rec, err := e.st.FindDNC(e.ctx, e.tenant, "+12125550101")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, core.DNCSourceInbound, rec.Source)

	l, err := e.st.GetLead(e.ctx, e.tenant, "L1")
	require.NoError(t, err)
	require.False(t, l.OptedIn)

	th, err := e.st.GetThread(e.ctx, e.tenant, "+12125550101")
	require.NoError(t, err)
	require.True(t, th.OptedOut)
	require.Equal(t, 1, th.InboundCount)

	require.Empty(t, e.resp.calls)
	require.Len(t, e.rec.OfType(events.InboundOptOut), 1)
}

func TestHandleInbound_CustomKeyword(t *testing.T) {
	e := setup(t)
	s := core.DefaultSettings(e.tenant)
	s.OptOutKeyword = "remove me"
	require.NoError(t, e.st.PutSettings(e.ctx, s))
	require.NoError(t, e.st.AddNumber(e.ctx, core.OwnedNumber{TenantID: e.tenant, Phone: "+12125550000", Active: true}))

	res, err := e.h.HandleInbound(e.ctx, inbound.Message{From: "+13105550199", To: "+12125550000", Body: "Remove me."})
	require.NoError(t, err)
	require.Equal(t, inbound.ActionOptOut, res.Action)

	rec, err := e.st.FindDNC(e.ctx, e.tenant, "+13105550199")
	require.NoError(t, err)
	require.NotNil(t, rec)
}

func TestHandleInbound_OptInLiftsDNC(t *testing.T) {
	e := setup(t)
	require.NoError(t, e.st.UpsertLead(e.ctx, &core.Lead{ID: "L1", TenantID: e.tenant, Phone: "+12125550101"}))

	_, err := e.h.HandleInbound(e.ctx, inbound.Message{From: "+12125550101", Body: "stop", ProviderMessageID: "in-1"})
	require.NoError(t, err)
	res, err := e.h.HandleInbound(e.ctx, inbound.Message{From: "+12125550101", Body: "START", ProviderMessageID: "in-2"})
	require.NoError(t, err)
	require.Equal(t, inbound.ActionOptIn, res.Action)

	rec, err := e.st.FindDNC(e.ctx, e.tenant, "+12125550101")
	require.NoError(t, err)
	require.Nil(t, rec)
	th, err := e.st.GetThread(e.ctx, e.tenant, "+12125550101")
	require.NoError(t, err)
	require.False(t, th.OptedOut)
	require.Empty(t, e.resp.calls)
}

func TestHandleInbound_ReplyGoesToResponder(t *testing.T) {
	e := setup(t)
	require.NoError(t, e.st.UpsertLead(e.ctx, &core.Lead{ID: "L1", TenantID: e.tenant, Phone: "+12125550101"}))

	res, err := e.h.HandleInbound(e.ctx, inbound.Message{From: "+12125550101", Body: "please stop by the office", ProviderMessageID: "in-1"})
	require.NoError(t, err)
	require.Equal(t, inbound.ActionMessage, res.Action)
	require.Len(t, e.resp.calls, 1)
	require.Equal(t, "L1", e.resp.calls[0].LeadID)
	require.Equal(t, core.Inbound, e.resp.calls[0].Direction)

	rec, err := e.st.FindDNC(e.ctx, e.tenant, "+12125550101")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestHandleInbound_DuplicateIgnored(t *testing.T) {
	e := setup(t)
	require.NoError(t, e.st.UpsertLead(e.ctx, &core.Lead{ID: "L1", TenantID: e.tenant, Phone: "+12125550101"}))
	msg := inbound.Message{From: "+12125550101", Body: "hi", ProviderMessageID: "in-1"}

	_, err := e.h.HandleInbound(e.ctx, msg)
	require.NoError(t, err)
	res, err := e.h.HandleInbound(e.ctx, msg)
	require.NoError(t, err)
	require.Equal(t, inbound.ActionDuplicate, res.Action)
	require.Len(t, e.resp.calls, 1)
	require.Len(t, e.st.ThreadMessages(e.tenant, "+12125550101"), 1)
}

// failingDNC fails the next n DNC writes.
type failingDNC struct {
	*memstore.Store
	n int
}

func (f *failingDNC) UpsertDNC(ctx context.Context, r core.DNCRecord) error {
	if f.n > 0 {
		f.n--
		return errors.New("connection reset")
	}
	return f.Store.UpsertDNC(ctx, r)
}

func TestHandleInbound_OptOutRetriedAfterStoreFailure(t *testing.T) {
	e := setup(t)
	require.NoError(t, e.st.UpsertLead(e.ctx, &core.Lead{ID: "L1", TenantID: e.tenant, Phone: "+12125550101", OptedIn: true}))
	h := inbound.New(&failingDNC{Store: e.st, n: 1},
		inbound.WithResponder(e.resp),
		inbound.WithLogger(slog.New(slog.DiscardHandler)),
		inbound.WithClock(func() time.Time { return now }),
	)
	msg := inbound.Message{From: "+12125550101", Body: "STOP", ProviderMessageID: "in-1"}

	_, err := h.HandleInbound(e.ctx, msg)
	require.Error(t, err)
	rec, err := e.st.FindDNC(e.ctx, e.tenant, "+12125550101")
	require.NoError(t, err)
	require.Nil(t, rec)

	// the provider redelivers the same message
	res, err := h.HandleInbound(e.ctx, msg)
	require.NoError(t, err)
	require.Equal(t, inbound.ActionOptOut, res.Action)

	rec, err = e.st.FindDNC(e.ctx, e.tenant, "+12125550101")
	require.NoError(t, err)
	require.NotNil(t, rec)
	l, err := e.st.GetLead(e.ctx, e.tenant, "L1")
	require.NoError(t, err)
	require.False(t, l.OptedIn)
	th, err := e.st.GetThread(e.ctx, e.tenant, "+12125550101")
	require.NoError(t, err)
	require.True(t, th.OptedOut)
	require.Len(t, e.st.ThreadMessages(e.tenant, "+12125550101"), 1)
	require.Empty(t, e.resp.calls)
}

func TestHandleInbound_DuplicateOptInNotReapplied(t *testing.T) {
	e := setup(t)
	require.NoError(t, e.st.UpsertLead(e.ctx, &core.Lead{ID: "L1", TenantID: e.tenant, Phone: "+12125550101"}))
	start := inbound.Message{From: "+12125550101", Body: "START", ProviderMessageID: "in-1"}

	res, err := e.h.HandleInbound(e.ctx, start)
	require.NoError(t, err)
	require.Equal(t, inbound.ActionOptIn, res.Action)
	res, err = e.h.HandleInbound(e.ctx, inbound.Message{From: "+12125550101", Body: "stop", ProviderMessageID: "in-2"})
	require.NoError(t, err)
	require.Equal(t, inbound.ActionOptOut, res.Action)

	// a late redelivery of the START must not lift the newer opt-out
	res, err = e.h.HandleInbound(e.ctx, start)
	require.NoError(t, err)
	require.Equal(t, inbound.ActionDuplicate, res.Action)
	rec, err := e.st.FindDNC(e.ctx, e.tenant, "+12125550101")
	require.NoError(t, err)
	require.NotNil(t, rec)
}

func TestHandleInbound_ResolutionOrder(t *testing.T) {
	e := setup(t)
	other, err := e.st.CreateTenant(e.ctx, "globex")
	require.NoError(t, err)

	// the number texted belongs to e.tenant, but other already has a thread
	require.NoError(t, e.st.AddNumber(e.ctx, core.OwnedNumber{TenantID: e.tenant, Phone: "+12125550000", Active: true}))
	require.NoError(t, e.st.UpsertLead(e.ctx, &core.Lead{ID: "L9", TenantID: e.tenant, Phone: "+12125550101"}))
	require.NoError(t, e.st.AppendThreadMessage(e.ctx, &core.ThreadMessage{
		TenantID: other, Phone: "+12125550101", Direction: core.Outbound, Channel: core.ChannelSMS,
		Body: "hello", Status: core.DeliverySent, CreatedAt: now.Add(-time.Hour),
	}))

	res, err := e.h.HandleInbound(e.ctx, inbound.Message{From: "+12125550101", To: "+12125550000", Body: "hi"})
	require.NoError(t, err)
	require.Equal(t, other, res.TenantID)

	// no thread: the lead wins over the number owner
	require.NoError(t, e.st.UpsertLead(e.ctx, &core.Lead{ID: "L10", TenantID: other, Phone: "+12125550999"}))
	res, err = e.h.HandleInbound(e.ctx, inbound.Message{From: "+12125550999", To: "+12125550000", Body: "hi"})
	require.NoError(t, err)
	require.Equal(t, other, res.TenantID)

	// a stranger texting an owned number
	res, err = e.h.HandleInbound(e.ctx, inbound.Message{From: "+13105550123", To: "+12125550000", Body: "hi"})
	require.NoError(t, err)
	require.Equal(t, e.tenant, res.TenantID)

	_, err = e.h.HandleInbound(e.ctx, inbound.Message{From: "+19995550000", To: "+18005550000", Body: "hi"})
	require.ErrorIs(t, err, inbound.ErrUnroutable)
}

func TestHandleStatus_ForwardOnly(t *testing.T) {
	e := setup(t)
	require.NoError(t, e.st.AppendThreadMessage(e.ctx, &core.ThreadMessage{
		TenantID: e.tenant, Phone: "+12125550101", Direction: core.Outbound, Channel: core.ChannelSMS,
		Body: "hello", ProviderMessageID: "p-1", Status: core.DeliverySent, CreatedAt: now,
	}))

	applied, err := e.h.HandleStatus(e.ctx, inbound.StatusUpdate{ProviderMessageID: "p-1", Status: core.DeliveryDelivered})
	require.NoError(t, err)
	require.True(t, applied)

	// repeat and regression are ignored
	applied, err = e.h.HandleStatus(e.ctx, inbound.StatusUpdate{ProviderMessageID: "p-1", Status: core.DeliveryDelivered})
	require.NoError(t, err)
	require.False(t, applied)
	applied, err = e.h.HandleStatus(e.ctx, inbound.StatusUpdate{ProviderMessageID: "p-1", Status: core.DeliverySent})
	require.NoError(t, err)
	require.False(t, applied)

	msgs := e.st.ThreadMessages(e.tenant, "+12125550101")
	require.Len(t, msgs, 1)
	require.Equal(t, core.DeliveryDelivered, msgs[0].Status)

	_, err = e.h.HandleStatus(e.ctx, inbound.StatusUpdate{ProviderMessageID: "nope", Status: core.DeliveryFailed})
	require.ErrorIs(t, err, core.ErrNotFound)
	_, err = e.h.HandleStatus(e.ctx, inbound.StatusUpdate{ProviderMessageID: "p-1", Status: "bogus"})
	require.ErrorIs(t, err, core.ErrInvalidInput)
}
